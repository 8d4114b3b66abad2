package schema

const (
	MetaKind      = "kind"
	MetaRunID     = "run_id"
	MetaSessionID = "session_id"
	MetaOwnerID   = "owner_id"
	MetaSequence  = "sequence"
	MetaStatus    = "status"
	MetaAgentKey  = "agent_key"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}
