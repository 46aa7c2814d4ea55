package llm

import (
	"context"
	"encoding/json"
)

// Parser turns a resume document into structured content. The content is an
// opaque JSON object as far as the pipeline is concerned.
type Parser interface {
	ParseDocument(ctx context.Context, doc []byte) (json.RawMessage, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(ctx context.Context, doc []byte) (json.RawMessage, error)

func (f ParserFunc) ParseDocument(ctx context.Context, doc []byte) (json.RawMessage, error) {
	return f(ctx, doc)
}
