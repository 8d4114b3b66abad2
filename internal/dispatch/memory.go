package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryQueue is an in-process buffered channel. It is used when the API
// server and workers share a process.
type MemoryQueue struct {
	ch chan string

	mu     sync.RWMutex
	closed bool
	seq    atomic.Int64
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{ch: make(chan string, capacity)}
}

func (q *MemoryQueue) Submit(ctx context.Context, runID string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run_id is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	select {
	case q.ch <- runID:
		return fmt.Sprintf("memory:%d", q.seq.Add(1)), nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", ErrQueueFull
	}
}

func (q *MemoryQueue) Next(ctx context.Context) (string, error) {
	select {
	case runID, ok := <-q.ch:
		if !ok {
			return "", ErrQueueClosed
		}
		return runID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	return nil
}
