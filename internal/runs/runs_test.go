package runs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flitsinc/agentruns/internal/conversation"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/schema"
	"github.com/flitsinc/agentruns/internal/testutil"
)

func setup(t *testing.T) (*Store, *eventbus.Bus, conversation.Session) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	bus := eventbus.NewBus(db)
	sessions := conversation.NewStore(db, bus)
	session, _, err := sessions.GetOrCreate(context.Background(), "tester", "main")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return NewStore(db, bus), bus, session
}

func createRun(t *testing.T, store *Store, session conversation.Session) Run {
	t.Helper()
	run, err := store.Create(context.Background(), Spec{
		SessionID:    session.ID,
		OwnerID:      session.OwnerID,
		AgentKey:     "demo",
		InputPayload: "find me a flight",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestRunLifecycle(t *testing.T) {
	store, bus, session := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := bus.Subscribe(ctx, eventbus.SubscribeOptions{Streams: []string{schema.StreamRuns}})

	run := createRun(t, store, session)
	if run.Status != StatusPending {
		t.Fatalf("expected pending, got %s", run.Status)
	}

	select {
	case evt := <-sub:
		if schema.GetMetaString(evt.Metadata, schema.MetaRunID) != run.ID {
			t.Fatalf("expected run signal for %s", run.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for run signal")
	}

	if err := store.SetTaskHandle(ctx, run.ID, "memory:1"); err != nil {
		t.Fatalf("set task handle: %v", err)
	}

	running, err := store.MarkRunning(ctx, run.ID)
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if running.Status != StatusRunning || running.TaskHandle != "memory:1" {
		t.Fatalf("unexpected running run: %+v", running)
	}

	completed, err := store.Complete(ctx, run.ID, json.RawMessage(`"Booked"`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != StatusCompleted || string(completed.FinalOutput) != `"Booked"` {
		t.Fatalf("unexpected completed run: %+v", completed)
	}
	if completed.ErrorMessage != "" {
		t.Fatalf("completed run should have no error")
	}
}

func TestMarkRunningRejectsDuplicateDispatch(t *testing.T) {
	store, _, session := setup(t)
	ctx := context.Background()
	run := createRun(t, store, session)

	if _, err := store.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := store.MarkRunning(ctx, run.ID)
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var transitionErr *StatusTransitionError
	if !errors.As(err, &transitionErr) || transitionErr.From != StatusRunning {
		t.Fatalf("expected transition error from running, got %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	store, _, session := setup(t)
	ctx := context.Background()
	run := createRun(t, store, session)

	if _, err := store.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	failed, err := store.Fail(ctx, run.ID, "agent exploded")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorMessage != "agent exploded" {
		t.Fatalf("unexpected failed run: %+v", failed)
	}
	if failed.FinalOutput != nil {
		t.Fatalf("failed run should have no output")
	}

	if _, err := store.Complete(ctx, run.ID, nil); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected complete after fail to be rejected, got %v", err)
	}
	if _, err := store.MarkRunning(ctx, run.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected running after fail to be rejected, got %v", err)
	}
	again, err := store.Fail(ctx, run.ID, "second")
	if err != nil {
		t.Fatalf("repeat fail should be a no-op: %v", err)
	}
	if again.ErrorMessage != "agent exploded" {
		t.Fatalf("repeat fail must not overwrite message, got %q", again.ErrorMessage)
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	store, _, session := setup(t)
	run := createRun(t, store, session)
	if _, err := store.Complete(context.Background(), run.ID, nil); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected pending -> completed to be rejected, got %v", err)
	}
}

func TestFailRejectsPendingRun(t *testing.T) {
	store, _, session := setup(t)
	ctx := context.Background()
	run := createRun(t, store, session)

	_, err := store.Fail(ctx, run.ID, "boom")
	var transitionErr *StatusTransitionError
	if !errors.As(err, &transitionErr) || transitionErr.From != StatusPending || transitionErr.To != StatusFailed {
		t.Fatalf("expected pending -> failed to be rejected, got %v", err)
	}
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("expected sentinel in chain, got %v", err)
	}
	stored, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusPending || stored.ErrorMessage != "" {
		t.Fatalf("rejected fail must not change the run: %+v", stored)
	}
}

func TestFailDefaultMessage(t *testing.T) {
	store, _, session := setup(t)
	ctx := context.Background()
	run := createRun(t, store, session)
	if _, err := store.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	failed, err := store.Fail(ctx, run.ID, "")
	if err != nil {
		t.Fatalf("fail running: %v", err)
	}
	if failed.ErrorMessage != "run failed" {
		t.Fatalf("expected default message, got %q", failed.ErrorMessage)
	}
}

func TestSetTaskHandleKeepsFinishedTimestamp(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	sessions := conversation.NewStore(db, nil)
	ctx := context.Background()
	session, _, err := sessions.GetOrCreate(ctx, "tester", "main")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(db, nil, WithClock(func() time.Time { return now }))

	run := createRun(t, store, session)
	if _, err := store.MarkRunning(ctx, run.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	done, err := store.Complete(ctx, run.ID, json.RawMessage(`"ok"`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	now = now.Add(time.Minute)
	if err := store.SetTaskHandle(ctx, run.ID, "memory:7"); err != nil {
		t.Fatalf("set handle: %v", err)
	}
	stored, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.TaskHandle != "memory:7" {
		t.Fatalf("expected handle recorded, got %q", stored.TaskHandle)
	}
	if !stored.UpdatedAt.Equal(done.UpdatedAt) {
		t.Fatalf("finished run updated_at moved from %s to %s", done.UpdatedAt, stored.UpdatedAt)
	}

	pending := createRun(t, store, session)
	now = now.Add(time.Minute)
	if err := store.SetTaskHandle(ctx, pending.ID, "memory:8"); err != nil {
		t.Fatalf("set handle: %v", err)
	}
	stored, err = store.Get(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.UpdatedAt.Equal(now) {
		t.Fatalf("pending run updated_at should be %s, got %s", now, stored.UpdatedAt)
	}
}

func TestGetMissingRun(t *testing.T) {
	store, _, _ := setup(t)
	ctx := context.Background()
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Fail(ctx, "nope", "x"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found on fail, got %v", err)
	}
	if err := store.SetTaskHandle(ctx, "nope", "h"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found on handle, got %v", err)
	}
}

func TestLatestForSessionAndList(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	sessions := conversation.NewStore(db, nil)
	ctx := context.Background()
	session, _, err := sessions.GetOrCreate(ctx, "tester", "main")
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	clock := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(db, nil, WithClock(func() time.Time { return clock }))

	if _, err := store.LatestForSession(ctx, session.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected no runs yet, got %v", err)
	}

	first := createRun(t, store, session)
	clock = clock.Add(time.Second)
	second := createRun(t, store, session)

	latest, err := store.LatestForSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected latest %s, got %s", second.ID, latest.ID)
	}

	stale, err := store.List(ctx, ListFilter{Status: StatusPending, UpdatedBefore: clock})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != first.ID {
		t.Fatalf("expected only the older run, got %+v", stale)
	}
}
