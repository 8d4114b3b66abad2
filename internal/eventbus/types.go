package eventbus

import "time"

type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	ScopeType string         `json:"scope_type"`
	ScopeID   string         `json:"scope_id"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventInput struct {
	Stream    string
	ScopeType string
	ScopeID   string
	Subject   string
	Body      string
	Metadata  map[string]any
}

type ListOptions struct {
	Limit     int
	Order     string
	ScopeType string
	ScopeID   string
}

// SubscribeOptions narrows a subscription. Empty Streams means all streams.
// When ScopeType is set, only events in that scope (plus global events) are
// delivered.
type SubscribeOptions struct {
	Streams   []string
	ScopeType string
	ScopeID   string
}
