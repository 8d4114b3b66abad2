package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/agentruns/internal/agentcontext"
	"github.com/flitsinc/agentruns/internal/event"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/idgen"
	"github.com/flitsinc/agentruns/internal/logger"
	"github.com/flitsinc/agentruns/internal/schema"
	"github.com/flitsinc/agentruns/internal/state"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrOwnerRequired   = errors.New("owner is required")
)

type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Key       string    `json:"session_key"`
	CreatedAt time.Time `json:"created_at"`
}

type Item struct {
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreatedHook is called after a session row has been committed.
type CreatedHook func(ctx context.Context, session Session)

type Store struct {
	db  *sql.DB
	bus *eventbus.Bus
	log *slog.Logger

	nowFn    func() time.Time
	newIDFn  func() string
	newKeyFn func() string

	mu    sync.RWMutex
	hooks []CreatedHook
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithKeyGenerator overrides how fresh session keys are minted.
func WithKeyGenerator(newKeyFn func() string) Option {
	return func(s *Store) {
		if newKeyFn != nil {
			s.newKeyFn = newKeyFn
		}
	}
}

func NewStore(db *sql.DB, bus *eventbus.Bus, opts ...Option) *Store {
	s := &Store{
		db:       db,
		bus:      bus,
		log:      logger.Discard(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		newIDFn:  idgen.New,
		newKeyFn: idgen.NewSessionKey,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// OnSessionCreated registers a hook run for every newly created session,
// whether from first access or from a reset.
func (s *Store) OnSessionCreated(hook CreatedHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// GetOrCreate returns the owner's session for key, creating it on first
// access. An empty key mints a new one. The bool reports creation.
func (s *Store) GetOrCreate(ctx context.Context, ownerID, key string) (Session, bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Session{}, false, ErrOwnerRequired
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = s.newKeyFn()
	}
	if err := idgen.ValidateSessionKey(key); err != nil {
		return Session{}, false, err
	}

	existing, err := s.Get(ctx, ownerID, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, false, err
	}

	session := Session{ID: s.newIDFn(), OwnerID: ownerID, Key: key, CreatedAt: s.now()}
	res, err := state.ExecWithRetry(ctx, s.db, `
		INSERT INTO sessions (id, owner_id, session_key, last_sequence, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(owner_id, session_key) DO NOTHING
	`, session.ID, session.OwnerID, session.Key, state.FormatTime(session.CreatedAt))
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Session{}, false, fmt.Errorf("insert session rows affected: %w", err)
	}
	if affected == 0 {
		// Another request created it first.
		existing, err := s.Get(ctx, ownerID, key)
		return existing, false, err
	}

	s.sessionCreated(ctx, session, "")
	return session, true, nil
}

func (s *Store) Get(ctx context.Context, ownerID, key string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, session_key, created_at FROM sessions WHERE owner_id = ? AND session_key = ?
	`, ownerID, key)
	return scanSession(row)
}

func (s *Store) GetByID(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, session_key, created_at FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// Reset deletes the items of the owner's session for key, if it exists, and
// returns a brand new session under a freshly generated key. The old
// session row is kept so in-flight runs keep writing to it rather than to
// the new session.
func (s *Store) Reset(ctx context.Context, ownerID, key string) (Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Session{}, ErrOwnerRequired
	}
	key = strings.TrimSpace(key)

	session := Session{ID: s.newIDFn(), OwnerID: ownerID, CreatedAt: s.now()}
	for {
		session.Key = s.newKeyFn()
		if session.Key != key {
			break
		}
	}

	var previousID string
	err := state.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		previousID = ""
		if key != "" {
			err := tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE owner_id = ? AND session_key = ?`, ownerID, key).Scan(&previousID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("load session: %w", err)
			}
		}
		if previousID != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM session_items WHERE session_id = ?`, previousID); err != nil {
				return fmt.Errorf("delete session items: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, owner_id, session_key, last_sequence, created_at)
			VALUES (?, ?, ?, 0, ?)
		`, session.ID, session.OwnerID, session.Key, state.FormatTime(session.CreatedAt)); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	s.log.Info("session reset", "owner_id", ownerID, "previous_session_id", previousID, "session_id", session.ID)
	s.sessionCreated(ctx, session, previousID)
	return session, nil
}

// Append adds evt to the end of the session log. Sequence numbers come from
// a per-session counter bumped in the same transaction as the insert, so
// concurrent appenders never share a number.
func (s *Store) Append(ctx context.Context, sessionID string, evt event.Event) (Item, error) {
	payload, err := evt.MarshalPayload()
	if err != nil {
		return Item{}, fmt.Errorf("encode payload: %w", err)
	}
	return s.AppendRaw(ctx, sessionID, payload)
}

func (s *Store) AppendRaw(ctx context.Context, sessionID string, payload json.RawMessage) (Item, error) {
	if sessionID == "" {
		return Item{}, fmt.Errorf("session_id is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	item := Item{SessionID: sessionID, Payload: payload, CreatedAt: s.now()}

	err := state.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE sessions SET last_sequence = last_sequence + 1 WHERE id = ? RETURNING last_sequence
		`, sessionID).Scan(&item.Sequence)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("advance sequence: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_items (session_id, sequence, payload, created_at)
			VALUES (?, ?, ?, ?)
		`, sessionID, item.Sequence, string(payload), state.FormatTime(item.CreatedAt)); err != nil {
			return fmt.Errorf("insert session item: %w", err)
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}

	if s.bus != nil {
		_, _ = s.bus.Push(ctx, eventbus.EventInput{
			Stream:    schema.StreamItems,
			ScopeType: schema.ScopeSession,
			ScopeID:   sessionID,
			Subject:   "Session item",
			Body:      fmt.Sprintf("item %d appended", item.Sequence),
			Metadata: map[string]any{
				schema.MetaKind:      "item",
				schema.MetaSessionID: sessionID,
				schema.MetaSequence:  item.Sequence,
				schema.MetaRunID:     agentcontext.RunIDFromContext(ctx),
			},
		})
	}
	return item, nil
}

// List returns every item of the session in sequence order.
func (s *Store) List(ctx context.Context, sessionID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, payload, created_at FROM session_items
		WHERE session_id = ? ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var item Item
		var payload, createdAt string
		if err := rows.Scan(&item.SessionID, &item.Sequence, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session item: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.CreatedAt = state.ParseTime(createdAt)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session items: %w", err)
	}
	return out, nil
}

func (s *Store) sessionCreated(ctx context.Context, session Session, previousID string) {
	s.mu.RLock()
	hooks := append([]CreatedHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, session)
	}

	if s.bus != nil {
		_, _ = s.bus.Push(ctx, eventbus.EventInput{
			Stream:    schema.StreamSessions,
			ScopeType: schema.ScopeSession,
			ScopeID:   session.ID,
			Subject:   "Session created",
			Body:      fmt.Sprintf("session %s created", session.Key),
			Metadata: map[string]any{
				schema.MetaKind:      "session_created",
				schema.MetaSessionID: session.ID,
				schema.MetaOwnerID:   session.OwnerID,
				"previous_session":   previousID,
			},
		})
	}
	s.log.Debug("session created", "session_id", session.ID, "owner_id", session.OwnerID)
}

func scanSession(row *sql.Row) (Session, error) {
	var session Session
	var createdAt string
	if err := row.Scan(&session.ID, &session.OwnerID, &session.Key, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	session.CreatedAt = state.ParseTime(createdAt)
	return session, nil
}
