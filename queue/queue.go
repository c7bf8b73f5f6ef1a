package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Delivery is one received message. Exactly one of Ack or Nack should be
// called; an unacknowledged delivery is redelivered.
type Delivery interface {
	Message() Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Publisher sends render requests.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Queue is a render request transport with at-least-once delivery.
type Queue interface {
	Publisher
	// Consume blocks until a message is available or ctx is done.
	Consume(ctx context.Context) (Delivery, error)
	Close() error
}
