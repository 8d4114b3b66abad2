package schema

const (
	StreamSessions = "sessions"
	StreamItems    = "items"
	StreamRuns     = "runs"
)

// ConversationStreams are the streams a polling client watches for hints
// that its conversation or run changed.
var ConversationStreams = []string{
	StreamSessions,
	StreamItems,
	StreamRuns,
}

const (
	ScopeGlobal  = "global"
	ScopeSession = "session"
)
