package async

import (
	"context"
	"errors"
)

// MessageTypeParse is the only message type the consumer understands.
const MessageTypeParse = "parse"

// Message is the enqueue payload. Attempt is the delivery number of this
// message chain, starting at 1; redeliveries after a failure increment it.
type Message struct {
	Type        string `json:"type"`
	JobID       string `json:"jobId"`
	OwnerID     string `json:"ownerId"`
	BlobKey     string `json:"blobKey"`
	ContentHash string `json:"contentHash"`
	Attempt     int    `json:"attempt"`
}

// Enqueuer is the producer side, used by the admission layer and the processor.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Delivery is one received message. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Message Message
	Ack     func(ctx context.Context) error
	// Nack hands the message back for a later redelivery, or dead-letters it
	// once the delivery limit is reached.
	Nack func(ctx context.Context, cause error) error
}

// Source is the consumer side of a queue.
type Source interface {
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
}

type Queue interface {
	Enqueuer
	Source
	Shutdown(ctx context.Context)
}

// ErrClosed is returned by a queue after Shutdown.
var ErrClosed = errors.New("queue closed")
