// Package ability implements the extensible capability layer: a contract
// for self-describing abilities, a store-backed registry with validation
// and failure tracking, and a loader for manifest-driven executable
// abilities that speak line-delimited JSON over stdio.
package ability

import (
	"context"

	"github.com/hearthlabs/hearth/internal/agent/access"
)

// Result is the outcome of an ability call. Media paths, when present,
// point at files the channel should deliver alongside the text.
type Result struct {
	Success bool     `json:"success"`
	Result  string   `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`
	Media   []string `json:"media,omitempty"`
}

// Invoker lets an ability call a peer through the registry without
// holding a reference to registry internals.
type Invoker interface {
	Invoke(ctx context.Context, name string, params map[string]any, actx *Context) *Result
}

// Context carries per-call identity and configuration into an ability.
// InputType/InputData are set when raw input from the current turn is
// still cached and the ability declared it handles that type.
type Context struct {
	UserID    int64
	SessionID int64
	Level     access.Level
	Config    map[string]any
	Registry  Invoker
	InputType string
	InputData string
}

// Ability is the contract every capability implements, whether compiled
// in or loaded from a manifest.
type Ability interface {
	Name() string
	Description() string
	Version() string

	// Priority opts the ability into input pre-processing: when a turn
	// carries a recognized input type, the first enabled priority
	// ability that handles it runs before the model sees the turn.
	Priority() bool

	Execute(ctx context.Context, params map[string]any, actx *Context) *Result

	// Schema returns the parameters schema advertised to the model.
	Schema() map[string]any

	// Guide renders usage guidance for the system prompt.
	Guide(enabled bool, cfg map[string]any) string

	RequiredConfig() []string
	ValidateConfig(cfg map[string]any) error

	// EnsureDependencies verifies external requirements before the
	// ability is enabled. A false return keeps it disabled with the
	// message as the reason.
	EnsureDependencies(ctx context.Context) (ok bool, message string)

	HandlesInputType(inputType string) bool
	PreProcess(ctx context.Context, inputType, data, prompt string, cfg map[string]any) (*Result, error)
}

// Bundled returns the abilities compiled into the binary. Registration
// is this explicit list; bundled abilities are never discovered at
// runtime. The list is empty until an in-tree ability ships — installed
// and self-created abilities arrive through the manifest loader instead.
func Bundled() []Ability {
	return nil
}
