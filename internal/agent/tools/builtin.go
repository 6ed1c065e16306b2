package tools

import (
	"context"
	"net/http"
	"time"

	"github.com/hearthlabs/hearth/internal/agent/memory"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/store"
	"github.com/hearthlabs/hearth/internal/workspace"
)

// TaskScheduler is the slice of the scheduler the schedule tools need.
type TaskScheduler interface {
	Create(ctx context.Context, t *store.ScheduledTask) error
	List(ctx context.Context) ([]store.ScheduledTask, error)
	Cancel(ctx context.Context, id int64) error
}

// SubagentSpawner is the slice of the sub-agent manager the spawn tools
// need.
type SubagentSpawner interface {
	Spawn(ctx context.Context, parentSessionID int64, task string) (string, error)
	Runs(ctx context.Context, limit int) ([]store.SubagentRun, error)
}

// Deps carries everything the builtin handlers close over. Nil optional
// dependencies skip the tools that need them.
type Deps struct {
	Store      *store.Store
	Config     *config.Config
	Memory     *memory.Engine
	Scheduler  TaskScheduler
	Subagents  SubagentSpawner
	Workspace  *workspace.Workspace
	HTTPClient *http.Client
	// RefreshPrompts rebuilds live system prompts after identity, rule,
	// or config changes. Optional.
	RefreshPrompts func()
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (d Deps) refresh() {
	if d.RefreshPrompts != nil {
		d.RefreshPrompts()
	}
}

// RegisterBuiltins wires the builtin tool set into the registry. Tools
// whose dependency is absent are not registered at all, so their schemas
// never reach a model.
func RegisterBuiltins(r *Registry, d Deps) {
	r.Register(worldTimeTool())

	if d.Memory != nil {
		r.Register(rememberTool(d))
		r.Register(recallMemoriesTool(d))
		r.Register(forgetMemoryTool(d))
	}
	if d.Store != nil {
		r.Register(manageUsersTool(d))
		r.Register(manageGroupsTool(d))
		r.Register(manageRulesTool(d))
		r.Register(updateIdentityTool(d))
	}
	if d.Config != nil {
		r.Register(updateConfigTool(d))
	}
	if d.Scheduler != nil {
		r.Register(scheduleTaskTool(d))
		r.Register(listTasksTool(d))
		r.Register(cancelTaskTool(d))
	}
	if d.Subagents != nil {
		r.Register(spawnSubagentTool(d))
		r.Register(subagentStatusTool(d))
	}
	if d.Workspace != nil {
		r.Register(readFileTool(d))
		r.Register(writeFileTool(d))
	}
	r.Register(shellExecTool())
	r.Register(webFetchTool(d))
}
