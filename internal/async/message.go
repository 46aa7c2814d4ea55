package async

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const messageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "jobId", "ownerId", "blobKey", "contentHash", "attempt"],
  "properties": {
    "type":        {"const": "parse"},
    "jobId":       {"type": "string", "minLength": 1},
    "ownerId":     {"type": "string", "minLength": 1},
    "blobKey":     {"type": "string", "minLength": 1},
    "contentHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "attempt":     {"type": "integer", "minimum": 1}
  }
}`

var compiledMessageSchema = jsonschema.MustCompileString("message.json", messageSchema)

// Encode validates msg and returns its wire form.
func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := validatePayload(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode parses and validates a wire payload.
func Decode(payload []byte) (Message, error) {
	if err := validatePayload(payload); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

func validatePayload(payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	if err := compiledMessageSchema.Validate(v); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return nil
}
