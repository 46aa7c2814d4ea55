package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/llm"
)

var _ llm.Parser = (*Client)(nil)

// ParseDocument implements llm.Parser using chat/completions with the PDF
// attached as a file content part.
func (c *Client) ParseDocument(ctx context.Context, doc []byte) (json.RawMessage, error) {
	rid := llm.RequestID(ctx)
	log := c.log.With("request_id", rid)
	start := time.Now()

	log.Info("llm.parse.start",
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"doc_bytes", len(doc),
	)

	schema := llm.BuildResumeJSONSchema()
	filename := "resume.pdf"
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt()},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": llm.BuildUserPrompt(filename)},
				{"type": "file", "file": map[string]any{
					"filename":  filename,
					"file_data": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(doc),
				}},
			}},
		},
	}

	raw, err := llm.PostJSON(ctx, c.http, llm.Call{
		URL:       strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions",
		Header:    http.Header{"Authorization": {"Bearer " + c.cfg.APIKey}},
		Body:      body,
		RequestID: rid,
	}, c.log)
	if err != nil {
		log.Error("llm.parse.http_error", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("openai: %w", err)
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		log.Error("llm.parse.decode_error", "error", err, "raw_bytes", len(raw))
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		log.Error("llm.parse.no_choices", "raw", common.Truncate(string(raw), 512))
		return nil, fmt.Errorf("no choices in openai response")
	}
	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))

	if err := llm.ValidateJSONAgainstSchema(schema, content); err != nil {
		if !c.cfg.LenientOptional {
			log.Error("llm.parse.schema_validation_failed", "error", err)
			return nil, fmt.Errorf("schema validation failed: %w", err)
		}
		cleaned, changed, sErr := llm.SanitizeContent(content)
		if sErr != nil {
			log.Error("llm.parse.sanitize_failed", "error", sErr)
			return nil, fmt.Errorf("sanitize failed: %w", sErr)
		}
		if vErr := llm.ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			log.Error("llm.parse.schema_validation_failed", "error", vErr)
			return nil, fmt.Errorf("schema validation failed: %w", vErr)
		}
		log.Warn("llm.parse.lenient_sanitize_applied", "changed", changed)
		content = cleaned
	}

	log.Info("llm.parse.ok",
		"content_bytes", len(content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return json.RawMessage(content), nil
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
