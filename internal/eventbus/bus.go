package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/agentruns/internal/schema"
	"github.com/flitsinc/agentruns/internal/state"
)

// Bus records state-change signals and fans them out to in-process
// subscribers. Signals are hints for pollers; they never carry state that
// cannot be re-read from the stores.
type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	streams   map[string]struct{}
	scopeType string
	scopeID   string
	ch        chan Event
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

func (b *Bus) Push(ctx context.Context, input EventInput) (Event, error) {
	if strings.TrimSpace(input.Stream) == "" {
		return Event{}, fmt.Errorf("stream is required")
	}
	if strings.TrimSpace(input.Body) == "" {
		return Event{}, fmt.Errorf("body is required")
	}

	scopeType := input.ScopeType
	scopeID := input.ScopeID
	if scopeType == "" {
		scopeType = schema.ScopeGlobal
	}
	if scopeID == "" {
		scopeID = "*"
	}

	id := ulid.Make().String()
	createdAt := time.Now().UTC()
	metadataJSON, err := state.EncodeJSON(input.Metadata)
	if err != nil {
		return Event{}, fmt.Errorf("encode metadata: %w", err)
	}

	if b.db != nil {
		_, err = state.ExecWithRetry(ctx, b.db, `
			INSERT INTO events (id, stream, scope_type, scope_id, subject, body, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, input.Stream, scopeType, scopeID, state.NullString(input.Subject), input.Body, metadataJSON, state.FormatTime(createdAt))
		if err != nil {
			return Event{}, fmt.Errorf("insert event: %w", err)
		}
	}

	event := Event{
		ID:        id,
		Stream:    input.Stream,
		ScopeType: scopeType,
		ScopeID:   scopeID,
		Subject:   input.Subject,
		Body:      input.Body,
		Metadata:  input.Metadata,
		CreatedAt: createdAt,
	}

	b.broadcast(event)
	return event, nil
}

// List returns persisted signals of one stream, newest first unless
// opts.Order is "fifo".
func (b *Bus) List(ctx context.Context, stream string, opts ListOptions) ([]Event, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("stream is required")
	}
	if b.db == nil {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	order := strings.ToLower(opts.Order)
	if order != "fifo" && order != "lifo" {
		order = "lifo"
	}
	orderBy := "created_at DESC, id DESC"
	if order == "fifo" {
		orderBy = "created_at ASC, id ASC"
	}

	where, args := buildScopeWhere(stream, opts)
	query := fmt.Sprintf(`SELECT id, stream, scope_type, scope_id, subject, body, metadata, created_at FROM events %s ORDER BY %s LIMIT ?`, where, orderBy)
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var createdAtStr string
		var subject, metadataStr sql.NullString
		if err := rows.Scan(&e.ID, &e.Stream, &e.ScopeType, &e.ScopeID, &subject, &e.Body, &metadataStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Subject = subject.String
		e.Metadata = state.DecodeJSONMap(metadataStr.String)
		e.CreatedAt = state.ParseTime(createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Prune deletes persisted signals older than cutoff and returns how many
// were removed.
func (b *Bus) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	res, err := state.ExecWithRetry(ctx, b.db, `DELETE FROM events WHERE created_at < ?`, state.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func (b *Bus) Subscribe(ctx context.Context, opts SubscribeOptions) <-chan Event {
	ch := make(chan Event, 64)
	streamSet := map[string]struct{}{}
	for _, s := range opts.Streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{streams: streamSet, scopeType: opts.ScopeType, scopeID: opts.ScopeID, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func (s *subscriber) matches(event Event) bool {
	if len(s.streams) > 0 {
		if _, ok := s.streams[event.Stream]; !ok {
			return false
		}
	}
	if s.scopeType == "" || event.ScopeType == schema.ScopeGlobal {
		return true
	}
	if event.ScopeType != s.scopeType {
		return false
	}
	return s.scopeID == "" || s.scopeID == event.ScopeID
}

func buildScopeWhere(stream string, opts ListOptions) (string, []any) {
	args := []any{stream}
	where := "WHERE stream = ?"

	if opts.ScopeType != "" {
		where += " AND scope_type = ?"
		args = append(args, opts.ScopeType)
		if opts.ScopeID != "" {
			where += " AND scope_id = ?"
			args = append(args, opts.ScopeID)
		}
	}
	return where, args
}

// MarshalEvent encodes an event for wire delivery.
func MarshalEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
