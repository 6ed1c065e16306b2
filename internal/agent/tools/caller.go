package tools

import (
	"context"

	"github.com/hearthlabs/hearth/internal/agent/access"
)

// Caller identifies who is behind the current tool call. The engine
// attaches it per turn; user-scoped tools (memory, scheduling, spawning)
// read it instead of taking identity as model-controlled arguments.
type Caller struct {
	UserID    int64
	Level     access.Level
	SessionID int64
	Platform  string
	ChatID    string
}

type callerKey struct{}

// WithCaller returns a context carrying the caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller. The zero value (public, no user) is the
// safe default when nothing is attached.
func CallerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{Level: access.Public}
}
