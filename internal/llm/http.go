package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/resume-pipeline/internal/common"
)

const maxResponseBytes = 8 << 20

// ProviderError is a non-2xx answer from a model endpoint.
type ProviderError struct {
	Status int
	// Message is the provider's own error text, or the head of the body.
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned %d", e.Status)
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Message)
}

// Call is one JSON POST to a model endpoint.
type Call struct {
	URL    string
	Header http.Header
	Body   any
	// RequestID goes out as X-Request-ID and tags every log line.
	RequestID string
}

// RequestID returns the id of the request that led to ctx, or a fresh one
// for work that started off the queue.
func RequestID(ctx context.Context) string {
	if id := common.RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// PostJSON sends call and returns the raw 2xx body. Other statuses come back
// as *ProviderError.
func PostJSON(ctx context.Context, client *http.Client, call Call, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if call.RequestID == "" {
		call.RequestID = RequestID(ctx)
	}
	log := logger.With("request_id", call.RequestID)

	bs, err := json.Marshal(call.Body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.URL, bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", call.RequestID)

	start := time.Now()
	log.Debug("model.call.send", "url", call.URL, "request_bytes", len(bs))
	resp, err := client.Do(req)
	if err != nil {
		log.Error("model.call.failed", "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	log.Info("model.call.done",
		"status", resp.StatusCode,
		"response_bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode/100 != 2 {
		return nil, &ProviderError{Status: resp.StatusCode, Message: providerMessage(raw)}
	}
	return raw, nil
}

// providerMessage pulls {"error":{"message":...}} out of an error body.
func providerMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		return common.Truncate(body.Error.Message, 256)
	}
	return common.Truncate(string(bytes.TrimSpace(raw)), 256)
}
