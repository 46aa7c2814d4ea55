package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SanitizeContent recovers a JSON object from model output that wrapped it
// in a markdown fence or surrounded it with prose. Nulls at the top level are
// dropped. The returned list names what was changed.
func SanitizeContent(raw []byte) ([]byte, []string, error) {
	var changed []string
	doc := bytes.TrimSpace(raw)

	if bytes.HasPrefix(doc, []byte("```")) {
		doc = bytes.TrimPrefix(doc, []byte("```"))
		if nl := bytes.IndexByte(doc, '\n'); nl >= 0 {
			doc = doc[nl+1:]
		}
		doc = bytes.TrimSuffix(bytes.TrimSpace(doc), []byte("```"))
		changed = append(changed, "code_fence")
	}

	if start, end := bytes.IndexByte(doc, '{'), bytes.LastIndexByte(doc, '}'); start > 0 || (end >= 0 && end < len(doc)-1) {
		if start < 0 || end <= start {
			return nil, changed, fmt.Errorf("sanitize: no json object found")
		}
		doc = doc[start : end+1]
		changed = append(changed, "surrounding_text")
	}

	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, changed, fmt.Errorf("sanitize: decode: %w", err)
	}
	for k, v := range m {
		if v == nil {
			delete(m, k)
			changed = append(changed, k+"(null)")
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, changed, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, changed, nil
}
