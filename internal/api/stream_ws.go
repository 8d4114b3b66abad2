package api

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/coder/websocket"

	"github.com/flitsinc/agentruns/internal/agentcontext"
	"github.com/flitsinc/agentruns/internal/conversation"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/schema"
)

// streamReplay is how many recent signals a new stream connection receives
// before live ones.
const streamReplay = 20

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleStreamWS pushes change signals for one session. Clients treat each
// message as a hint to re-poll the run and conversation endpoints.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream bus"))
		return
	}
	key := r.URL.Query().Get("session_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_key is required"))
		return
	}
	session, err := s.Sessions.Get(r.Context(), agentcontext.OwnerIDFromContext(r.Context()), key)
	if errors.Is(err, conversation.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := conn.CloseRead(r.Context())
	opts := eventbus.SubscribeOptions{
		Streams:   schema.ConversationStreams,
		ScopeType: schema.ScopeSession,
		ScopeID:   session.ID,
	}
	if err := streamEvents(ctx, s.Bus, opts, streamReplay, conn); err != nil && !errors.Is(err, context.Canceled) {
		s.log().Debug("stream closed", "session_id", session.ID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamEvents writes up to replay recent signals for the subscription's
// scope and then follows live ones. The two may overlap; clients only use
// them as hints.
func streamEvents(ctx context.Context, bus *eventbus.Bus, opts eventbus.SubscribeOptions, replay int, writer wsWriter) error {
	sub := bus.Subscribe(ctx, opts)
	if replay > 0 {
		recent, err := recentSignals(ctx, bus, opts, replay)
		if err != nil {
			return err
		}
		for _, evt := range recent {
			if err := writeEvent(ctx, writer, evt); err != nil {
				return err
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, writer, evt); err != nil {
				return err
			}
		}
	}
}

// recentSignals returns the newest limit persisted signals across the
// subscribed streams, oldest first.
func recentSignals(ctx context.Context, bus *eventbus.Bus, opts eventbus.SubscribeOptions, limit int) ([]eventbus.Event, error) {
	var out []eventbus.Event
	for _, stream := range opts.Streams {
		events, err := bus.List(ctx, stream, eventbus.ListOptions{
			Limit:     limit,
			ScopeType: opts.ScopeType,
			ScopeID:   opts.ScopeID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func writeEvent(ctx context.Context, writer wsWriter, evt eventbus.Event) error {
	payload, err := eventbus.MarshalEvent(evt)
	if err != nil {
		return err
	}
	return writer.Write(ctx, websocket.MessageText, payload)
}
