package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryQueueSubmitNext(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()

	handle, err := q.Submit(ctx, "run-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(handle, "memory:") {
		t.Fatalf("unexpected handle %q", handle)
	}
	if _, err := q.Submit(ctx, "run-2"); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if _, err := q.Submit(ctx, "run-3"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}

	got, err := q.Next(ctx)
	if err != nil || got != "run-1" {
		t.Fatalf("expected run-1, got %q (%v)", got, err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one queued id, got %d", q.Len())
	}
}

func TestMemoryQueueRejectsEmptyAndClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	if _, err := q.Submit(ctx, ""); err == nil {
		t.Fatalf("expected error for empty run id")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := q.Submit(ctx, "run-1"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := q.Next(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed error from Next, got %v", err)
	}
}

func TestMemoryQueueNextHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
