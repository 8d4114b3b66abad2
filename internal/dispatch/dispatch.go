// Package dispatch carries run identifiers from the scheduler to the
// executor. Delivery is at-least-once: a run id may be handed to a worker
// more than once, and the executor is expected to treat repeats as no-ops.
package dispatch

import (
	"context"
	"errors"
)

var (
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrQueueClosed = errors.New("dispatch queue closed")
)

// Dispatcher accepts run ids for asynchronous execution. Submit must not
// block past handing the id off and returns an opaque handle.
type Dispatcher interface {
	Submit(ctx context.Context, runID string) (string, error)
}

// Source yields run ids for workers. Next blocks until an id is available
// or ctx is done.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// Queue is both ends of a dispatch channel.
type Queue interface {
	Dispatcher
	Source
	Close() error
}
