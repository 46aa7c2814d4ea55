package openai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/llm"
)

func fakeOpenAI(t *testing.T, content string, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(b, &captured))
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func newTestClient(url string, lenient bool) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(Config{APIKey: "test-key", BaseURL: url, Model: "m", LenientOptional: lenient}, logger)
}

func TestParseDocument_OK(t *testing.T) {
	srv, captured := fakeOpenAI(t, `{"basics":{"name":"Ada Lovelace"}}`, http.StatusOK)
	c := newTestClient(srv.URL, false)

	out, err := c.ParseDocument(context.Background(), []byte("%PDF-1.7 body"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"basics":{"name":"Ada Lovelace"}}`, string(out))

	req := *captured
	assert.Equal(t, "m", req["model"])
	msgs := req["messages"].([]any)
	user := msgs[len(msgs)-1].(map[string]any)
	parts := user["content"].([]any)
	file := parts[1].(map[string]any)["file"].(map[string]any)
	assert.True(t, strings.HasPrefix(file["file_data"].(string), "data:application/pdf;base64,"))
}

func TestParseDocument_LenientRecoversFence(t *testing.T) {
	srv, _ := fakeOpenAI(t, "```json\n{\"skills\":[\"go\"]}\n```", http.StatusOK)

	_, err := newTestClient(srv.URL, false).ParseDocument(context.Background(), []byte("%PDF-"))
	require.Error(t, err)

	out, err := newTestClient(srv.URL, true).ParseDocument(context.Background(), []byte("%PDF-"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"skills":["go"]}`, string(out))
}

func TestParseDocument_Errors(t *testing.T) {
	srv, _ := fakeOpenAI(t, `{}`, http.StatusOK)
	_, err := newTestClient(srv.URL, true).ParseDocument(context.Background(), []byte("%PDF-"))
	assert.Error(t, err, "empty object fails schema")

	srv, _ = fakeOpenAI(t, `{"basics":{}}`, http.StatusTooManyRequests)
	_, err = newTestClient(srv.URL, true).ParseDocument(context.Background(), []byte("%PDF-"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestParseDocument_ProviderErrorAndRequestID(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"file_data is not a valid PDF","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	ctx := common.WithRequestID(context.Background(), "req-42")
	_, err := newTestClient(srv.URL, true).ParseDocument(ctx, []byte("%PDF-"))
	require.Error(t, err)
	assert.Equal(t, "req-42", gotID)

	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
	assert.Equal(t, "file_data is not a valid PDF", perr.Message)
}
