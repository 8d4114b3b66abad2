package agentcontext

import "context"

type contextKey string

const (
	runIDKey   contextKey = "run_id"
	ownerIDKey contextKey = "owner_id"
)

func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(runIDKey).(string); ok {
		return val
	}
	return ""
}

// WithOwnerID records the authenticated principal on the request context.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	if ownerID == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func OwnerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(ownerIDKey).(string); ok {
		return val
	}
	return ""
}
