// Package tools holds the builtin tool registry: registration, schema
// emission filtered by access level, and the execution pipeline
// (existence → Rule 700 → level → argument validation → approval →
// handler → scrub).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/logging"
)

// ScrubLevel selects how aggressively a tool's output is scrubbed before
// it reaches the model.
type ScrubLevel string

const (
	// ScrubAggressive removes cookies, PEM blocks, API keys, and URL
	// query strings. The default for any tool that does not say otherwise.
	ScrubAggressive ScrubLevel = "aggressive"
	// ScrubSafe removes only high-confidence secrets, preserving code
	// and regex-heavy output.
	ScrubSafe ScrubLevel = "safe"
	// ScrubNone leaves output untouched; the tool owns its hygiene.
	ScrubNone ScrubLevel = "none"
)

// Handler executes one tool call. Errors are trapped by the registry and
// surfaced to the model as "Error: <reason>" results, never propagated.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one registered tool.
type Tool struct {
	Name             string
	Description      string
	Parameters       map[string]any
	Handler          Handler
	RequiresLevel    access.Level
	RequiresApproval bool
	Enabled          bool
	Scrub            ScrubLevel
}

// Result is what the engine feeds back as a tool message.
type Result struct {
	Content string
	IsError bool
}

func errResult(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// ApprovalFunc is consulted before tools that require approval run.
// A nil callback approves everything.
type ApprovalFunc func(ctx context.Context, tool string, args json.RawMessage) bool

// Registry manages the tool set.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	approve ApprovalFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// SetApproval installs the approval callback.
func (r *Registry) SetApproval(fn ApprovalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approve = fn
}

// Register adds or replaces a tool. Tools register enabled unless the
// definition says otherwise.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		logging.L.WithField("tool", t.Name).Warn("tool already registered, replacing")
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SetEnabled flips a tool on or off.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	t.Enabled = enabled
	return true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// availableFor lists enabled tool names the given level may call, for the
// self-correction message on unknown-tool calls.
func (r *Registry) availableFor(level access.Level) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name, t := range r.tools {
		if !t.Enabled || !level.AtLeast(t.RequiresLevel) {
			continue
		}
		if access.Rule700Blocks(name, level) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one tool call at the given effective access level.
// The returned result is always usable as a tool message; handler errors
// are trapped so the model can see them and adapt.
func (r *Registry) Execute(ctx context.Context, call chat.ToolCall, level access.Level) *Result {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	approve := r.approve
	r.mu.RUnlock()

	log := logging.G(ctx).WithField("tool", call.Name)

	if !ok {
		log.Warn("unknown tool requested")
		return errResult(
			"TOOL ERROR: %q does not exist. You do NOT have that tool. Do NOT call it again.\nYour available tools are: %s",
			call.Name, strings.Join(r.availableFor(level), ", "))
	}
	if !tool.Enabled {
		return errResult("Tool %q is disabled.", call.Name)
	}

	// Rule 700 is checked before the ordinary level comparison and can
	// never be relaxed by configuration.
	if access.Rule700Blocks(call.Name, level) {
		log.WithField("level", level.String()).Warn("owner-only tool refused")
		return errResult("Access denied: %q is restricted to the owner.", call.Name)
	}
	if !level.AtLeast(tool.RequiresLevel) {
		return errResult("Access denied: %q requires %s access.", call.Name, tool.RequiresLevel)
	}

	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(tool.Parameters, args); err != nil {
		return errResult("Error: %v", err)
	}

	if tool.RequiresApproval && approve != nil && !approve(ctx, call.Name, args) {
		return &Result{Content: "Tool execution denied by user.", IsError: true}
	}

	out, err := tool.Handler(ctx, args)
	if err != nil {
		log.WithError(err).Debug("tool handler failed")
		return errResult("Error: %v", err)
	}
	return &Result{Content: Scrub(tool.Scrub, out)}
}

// ExecuteSubagent runs a call on behalf of a sub-agent worker: owner
// tier, minus the blocked set, which is rejected here even if a schema
// leaked through.
func (r *Registry) ExecuteSubagent(ctx context.Context, call chat.ToolCall) *Result {
	if access.SubagentBlockedTools[call.Name] {
		return errResult("Access denied: %q is not available to sub-agents.", call.Name)
	}
	return r.Execute(ctx, call, access.Owner)
}

// validateArgs checks the call arguments against the tool's parameter
// schema so handlers never see structurally invalid input.
func validateArgs(params map[string]any, raw json.RawMessage) error {
	if len(params) == 0 {
		return nil
	}
	var args any
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(params), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("argument validation failed: %v", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(reasons, "; "))
	}
	return nil
}
