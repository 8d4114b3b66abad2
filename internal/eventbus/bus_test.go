package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/agentruns/internal/schema"
	"github.com/flitsinc/agentruns/internal/testutil"
)

func TestBusPushList(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()

	first, err := bus.Push(ctx, EventInput{Stream: schema.StreamItems, ScopeType: schema.ScopeSession, ScopeID: "s1", Subject: "First", Body: "first"})
	if err != nil {
		t.Fatalf("push first: %v", err)
	}
	_, err = bus.Push(ctx, EventInput{Stream: schema.StreamItems, ScopeType: schema.ScopeSession, ScopeID: "s1", Subject: "Second", Body: "second"})
	if err != nil {
		t.Fatalf("push second: %v", err)
	}

	items, err := bus.List(ctx, schema.StreamItems, ListOptions{Order: "fifo"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(items))
	}
	if items[0].ID != first.ID {
		t.Fatalf("expected oldest event first with fifo order")
	}

	items, err = bus.List(ctx, schema.StreamItems, ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("list default order: %v", err)
	}
	if len(items) != 1 || items[0].Body != "second" {
		t.Fatalf("expected newest event first, got %+v", items)
	}

	if _, err := bus.Push(ctx, EventInput{Stream: ""}); err == nil {
		t.Fatalf("expected error for missing stream")
	}
}

func TestBusListScoped(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()

	if _, err := bus.Push(ctx, EventInput{Stream: schema.StreamRuns, Body: "global"}); err != nil {
		t.Fatalf("push global: %v", err)
	}
	if _, err := bus.Push(ctx, EventInput{Stream: schema.StreamRuns, ScopeType: schema.ScopeSession, ScopeID: "s1", Body: "scoped"}); err != nil {
		t.Fatalf("push scoped: %v", err)
	}

	items, err := bus.List(ctx, schema.StreamRuns, ListOptions{ScopeType: schema.ScopeSession, ScopeID: "s1"})
	if err != nil {
		t.Fatalf("list scoped: %v", err)
	}
	if len(items) != 1 || items[0].Body != "scoped" {
		t.Fatalf("expected only scoped event, got %+v", items)
	}
}

func TestBusSubscribeFiltersScope(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.Subscribe(ctx, SubscribeOptions{
		Streams:   []string{schema.StreamItems},
		ScopeType: schema.ScopeSession,
		ScopeID:   "mine",
	})
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber")
	}

	_, _ = bus.Push(ctx, EventInput{Stream: schema.StreamItems, ScopeType: schema.ScopeSession, ScopeID: "other", Body: "other"})
	_, _ = bus.Push(ctx, EventInput{Stream: schema.StreamRuns, ScopeType: schema.ScopeSession, ScopeID: "mine", Body: "wrong-stream"})
	_, _ = bus.Push(ctx, EventInput{Stream: schema.StreamItems, ScopeType: schema.ScopeSession, ScopeID: "mine", Body: "ping"})

	select {
	case evt := <-sub:
		if evt.Body != "ping" {
			t.Fatalf("unexpected body: %s", evt.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for subscription event")
	}
}

func TestBusPrune(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()
	if _, err := bus.Push(ctx, EventInput{Stream: schema.StreamRuns, Body: "old"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	removed, err := bus.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned event, got %d", removed)
	}
}
