package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/memory"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/store"
	"github.com/hearthlabs/hearth/internal/workspace"
)

type fakeProvider struct {
	reply string
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Chat(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Content: f.reply}, nil
}
func (f *fakeProvider) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
func (f *fakeProvider) EmbedDimensions() int     { return 3 }
func (f *fakeProvider) SupportsVision() bool     { return false }
func (f *fakeProvider) ContextWindow() int       { return 200000 }
func (f *fakeProvider) ReservedOutput() int      { return 8192 }
func (f *fakeProvider) ConsumeAuthFailure() bool { return false }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func echoTool(name string, level access.Level) *Tool {
	return &Tool{
		Name:          name,
		Description:   "echoes its text argument",
		Parameters:    GenerateSchema[echoArgs](),
		RequiresLevel: level,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
			var args echoArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			return args.Text, nil
		},
	}
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

func call(name, argsJSON string) chat.ToolCall {
	return chat.ToolCall{ID: "call-1", Name: name, Args: json.RawMessage(argsJSON)}
}

func TestExecuteUnknownToolListsAvailable(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", access.Public))

	res := r.Execute(context.Background(), call("telepathy", `{}`), access.Owner)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, `"telepathy" does not exist`)
	assert.Contains(t, res.Content, "echo")
}

func TestExecuteDisabledTool(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("echo", access.Public)
	tool.Enabled = false
	r.Register(tool)

	res := r.Execute(context.Background(), call("echo", `{"text":"hi"}`), access.Owner)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "disabled")
}

func TestExecuteRule700FailsClosed(t *testing.T) {
	r := NewRegistry()
	// deliberately misregistered with a low level: the hardcoded
	// owner-only set must still win
	r.Register(echoTool("manage_rules", access.Public))

	res := r.Execute(context.Background(), call("manage_rules", `{"text":"x"}`), access.Admin)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "restricted to the owner")

	ok := r.Execute(context.Background(), call("manage_rules", `{"text":"x"}`), access.Owner)
	assert.False(t, ok.IsError)
}

func TestExecuteLevelGate(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", access.Family))

	res := r.Execute(context.Background(), call("echo", `{"text":"hi"}`), access.Friend)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "requires family access")

	ok := r.Execute(context.Background(), call("echo", `{"text":"hi"}`), access.Family)
	assert.False(t, ok.IsError)
	assert.Equal(t, "hi", ok.Content)
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", access.Public))

	res := r.Execute(context.Background(), call("echo", `{}`), access.Owner)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "invalid arguments")

	res = r.Execute(context.Background(), call("echo", `{"text":42}`), access.Owner)
	assert.True(t, res.IsError)

	res = r.Execute(context.Background(), call("echo", `not json`), access.Owner)
	assert.True(t, res.IsError)
}

func TestExecuteApprovalCallback(t *testing.T) {
	r := NewRegistry()
	tool := echoTool("echo", access.Public)
	tool.RequiresApproval = true
	r.Register(tool)

	var asked string
	r.SetApproval(func(_ context.Context, name string, _ json.RawMessage) bool {
		asked = name
		return false
	})
	res := r.Execute(context.Background(), call("echo", `{"text":"hi"}`), access.Owner)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "denied")
	assert.Equal(t, "echo", asked)

	r.SetApproval(func(context.Context, string, json.RawMessage) bool { return true })
	ok := r.Execute(context.Background(), call("echo", `{"text":"hi"}`), access.Owner)
	assert.False(t, ok.IsError)
}

func TestExecuteTrapsHandlerErrors(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:        "boom",
		Description: "always fails",
		Parameters:  GenerateSchema[listTasksArgs](),
		Enabled:     true,
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return "", fmt.Errorf("the disk is on fire")
		},
	})

	res := r.Execute(context.Background(), call("boom", `{}`), access.Owner)
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: the disk is on fire", res.Content)
}

func TestExecuteScrubsOutput(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name:        "leaky",
		Description: "leaks a secret",
		Parameters:  GenerateSchema[listTasksArgs](),
		Enabled:     true,
		Scrub:       ScrubAggressive,
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return "api_key=hunter2hunter2 and more", nil
		},
	})

	res := r.Execute(context.Background(), call("leaky", `{}`), access.Owner)
	assert.False(t, res.IsError)
	assert.NotContains(t, res.Content, "hunter2hunter2")
	assert.Contains(t, res.Content, "[REDACTED]")
}

func TestSchemasForLevelFiltersAndValidates(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", access.Public))
	r.Register(echoTool("family_echo", access.Family))
	r.Register(echoTool("update_config", access.Owner)) // Rule 700 name
	broken := echoTool("broken", access.Public)
	broken.Parameters = map[string]any{"type": "string"}
	r.Register(broken)
	disabled := echoTool("sleeping", access.Public)
	disabled.Enabled = false
	r.Register(disabled)

	names := func(defs []chat.ToolDefinition) []string {
		out := make([]string, len(defs))
		for i, d := range defs {
			out[i] = d.Name
		}
		return out
	}

	public := r.SchemasForLevel(access.Public)
	assert.Equal(t, []string{"echo"}, names(public))

	family := r.SchemasForLevel(access.Family)
	assert.Equal(t, []string{"echo", "family_echo"}, names(family))

	owner := r.SchemasForLevel(access.Owner)
	assert.Equal(t, []string{"echo", "family_echo", "update_config"}, names(owner))
}

func TestSchemasForSubagentExcludesBlockedSet(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("echo", access.Public))
	r.Register(echoTool("spawn_subagent", access.Owner))
	r.Register(echoTool("update_config", access.Owner))
	r.Register(echoTool("shell_exec", access.Owner))

	defs := r.SchemasForSubagent()
	got := make(map[string]bool, len(defs))
	for _, d := range defs {
		got[d.Name] = true
	}
	assert.True(t, got["echo"])
	assert.True(t, got["shell_exec"], "shell is owner-only but not blocked for sub-agents")
	assert.False(t, got["spawn_subagent"])
	assert.False(t, got["update_config"])
}

func TestExecuteSubagentRejectsBlockedCalls(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool("spawn_subagent", access.Owner))
	r.Register(echoTool("echo", access.Family))

	res := r.ExecuteSubagent(context.Background(), call("spawn_subagent", `{"text":"x"}`))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "not available to sub-agents")

	ok := r.ExecuteSubagent(context.Background(), call("echo", `{"text":"x"}`))
	assert.False(t, ok.IsError, "sub-agents run at owner tier for unblocked tools")
}

func TestGenerateSchemaShape(t *testing.T) {
	schema := GenerateSchema[echoArgs]()
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	text, ok := props["text"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", text["type"])
	assert.NotContains(t, schema, "$schema")
}

func TestValidateDefinition(t *testing.T) {
	valid := chat.ToolDefinition{
		Name: "ok",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"x": map[string]any{"type": "string"},
				"nested": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"y": map[string]any{"type": "integer"},
					},
				},
			},
		},
	}
	assert.NoError(t, ValidateDefinition(valid))

	cases := []struct {
		name string
		def  chat.ToolDefinition
	}{
		{"empty name", chat.ToolDefinition{Parameters: valid.Parameters}},
		{"nil parameters", chat.ToolDefinition{Name: "x"}},
		{"non-object type", chat.ToolDefinition{Name: "x", Parameters: map[string]any{"type": "string"}}},
		{"missing properties", chat.ToolDefinition{Name: "x", Parameters: map[string]any{"type": "object"}}},
		{"null property type", chat.ToolDefinition{Name: "x", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"p": map[string]any{"type": nil}},
		}}},
		{"typeless property", chat.ToolDefinition{Name: "x", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"p": map[string]any{"description": "no type"}},
		}}},
		{"nested null type", chat.ToolDefinition{Name: "x", Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{"p": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "null"},
			}},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, ValidateDefinition(tc.def))
		})
	}
}

func TestCallerRoundTrip(t *testing.T) {
	ctx := WithCaller(context.Background(), Caller{UserID: 7, Level: access.Admin, SessionID: 3})
	c := CallerFrom(ctx)
	assert.Equal(t, int64(7), c.UserID)
	assert.Equal(t, access.Admin, c.Level)

	zero := CallerFrom(context.Background())
	assert.Equal(t, access.Public, zero.Level)
	assert.Zero(t, zero.UserID)
}

// --- builtin coverage ---

type stubScheduler struct {
	created   []*store.ScheduledTask
	cancelled []int64
	tasks     []store.ScheduledTask
}

func (s *stubScheduler) Create(_ context.Context, t *store.ScheduledTask) error {
	t.ID = int64(len(s.created) + 1)
	next := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t.NextRun = &next
	s.created = append(s.created, t)
	return nil
}
func (s *stubScheduler) List(context.Context) ([]store.ScheduledTask, error) { return s.tasks, nil }
func (s *stubScheduler) Cancel(_ context.Context, id int64) error {
	s.cancelled = append(s.cancelled, id)
	return nil
}

type stubSpawner struct {
	spawned []string
	runs    []store.SubagentRun
	err     error
}

func (s *stubSpawner) Spawn(_ context.Context, _ int64, task string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.spawned = append(s.spawned, task)
	return "run-abc123", nil
}
func (s *stubSpawner) Runs(context.Context, int) ([]store.SubagentRun, error) {
	return s.runs, nil
}

func builtinFixture(t *testing.T) (*Registry, Deps) {
	t.Helper()
	st := openTestStore(t)
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	d := Deps{
		Store:     st,
		Memory:    memory.NewEngine(st, &fakeProvider{}, 0),
		Scheduler: &stubScheduler{},
		Subagents: &stubSpawner{},
		Workspace: ws,
	}
	r := NewRegistry()
	RegisterBuiltins(r, d)
	return r, d
}

func ownerCtx() context.Context {
	return WithCaller(context.Background(), Caller{
		UserID: 1, Level: access.Owner, SessionID: 42, Platform: "cli", ChatID: "local",
	})
}

func TestRegisterBuiltinsRegistersExpectedSet(t *testing.T) {
	r, _ := builtinFixture(t)
	names := r.Names()
	for _, want := range []string{
		"world_time", "remember", "recall_memories", "forget_memory",
		"manage_users", "manage_groups", "manage_rules", "update_identity",
		"schedule_task", "list_tasks", "cancel_task",
		"spawn_subagent", "subagent_status",
		"read_file", "write_file", "shell_exec", "web_fetch",
	} {
		assert.Contains(t, names, want)
	}
	// every advertised schema passes provider-side validation
	for _, def := range r.SchemasForLevel(access.Owner) {
		assert.NoError(t, ValidateDefinition(def), def.Name)
	}
}

func TestWorldTimeTool(t *testing.T) {
	r, _ := builtinFixture(t)

	res := r.Execute(ownerCtx(), call("world_time", `{"location":"UTC"}`), access.Public)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "UTC")

	res = r.Execute(ownerCtx(), call("world_time", `{"location":"Atlantis/Nowhere"}`), access.Public)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown timezone")
}

func TestRememberAndRecallTools(t *testing.T) {
	r, d := builtinFixture(t)
	ctx := ownerCtx()

	res := r.Execute(ctx, call("remember", `{"content":"User likes espresso.","category":"preference"}`), access.Owner)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "Remembered")

	mems, err := d.Store.MemoriesForUser(1, 0)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "tool", mems[0].Source)

	res = r.Execute(ctx, call("recall_memories", `{"query":"coffee"}`), access.Owner)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "User likes espresso.")

	res = r.Execute(ctx, call("forget_memory", fmt.Sprintf(`{"id":%q}`, mems[0].ID)), access.Owner)
	require.False(t, res.IsError, res.Content)
	count, err := d.Store.CountMemories()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestShellExecBlacklist(t *testing.T) {
	r, _ := builtinFixture(t)

	res := r.Execute(ownerCtx(), call("shell_exec", `{"command":"rm -rf / --no-preserve-root"}`), access.Owner)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "blocked")

	res = r.Execute(ownerCtx(), call("shell_exec", `{"command":"echo shell says hi"}`), access.Owner)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "shell says hi")
}

func TestFileToolsStayInsideWorkspace(t *testing.T) {
	r, _ := builtinFixture(t)
	ctx := ownerCtx()

	res := r.Execute(ctx, call("write_file", `{"path":"notes/today.txt","content":"buy milk"}`), access.Family)
	require.False(t, res.IsError, res.Content)

	res = r.Execute(ctx, call("read_file", `{"path":"notes/today.txt"}`), access.Family)
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "buy milk", res.Content)

	res = r.Execute(ctx, call("read_file", `{"path":"../outside.txt"}`), access.Family)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "outside the agent workspace")

	res = r.Execute(ctx, call("write_file", `{"path":"/etc/passwd","content":"x"}`), access.Family)
	assert.True(t, res.IsError)
}

func TestScheduleTools(t *testing.T) {
	r, d := builtinFixture(t)
	sched := d.Scheduler.(*stubScheduler)
	ctx := ownerCtx()

	res := r.Execute(ctx, call("schedule_task",
		`{"name":"water plants","schedule_type":"interval","schedule_value":"3600","payload":"remind me to water the plants"}`),
		access.Family)
	require.False(t, res.IsError, res.Content)
	require.Len(t, sched.created, 1)
	assert.Equal(t, "water plants", sched.created[0].Name)
	assert.Equal(t, "cli/local", sched.created[0].CreatedBy)
	assert.Contains(t, res.Content, "next run 2026-03-01T09:00:00Z")

	sched.tasks = []store.ScheduledTask{*sched.created[0]}
	res = r.Execute(ctx, call("list_tasks", `{}`), access.Family)
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "water plants")

	res = r.Execute(ctx, call("cancel_task", `{"id":1}`), access.Family)
	require.False(t, res.IsError)
	assert.Equal(t, []int64{1}, sched.cancelled)
}

func TestSubagentTools(t *testing.T) {
	r, d := builtinFixture(t)
	spawner := d.Subagents.(*stubSpawner)
	ctx := ownerCtx()

	res := r.Execute(ctx, call("spawn_subagent", `{"task":"summarize the news"}`), access.Owner)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "run-abc123")
	assert.Equal(t, []string{"summarize the news"}, spawner.spawned)

	// non-owners never reach the handler
	res = r.Execute(ctx, call("spawn_subagent", `{"task":"x"}`), access.Admin)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "restricted to the owner")

	started := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	spawner.runs = []store.SubagentRun{{RunID: "run-abc123", Status: "completed", Task: "summarize the news", StartedAt: started}}
	res = r.Execute(ctx, call("subagent_status", `{}`), access.Owner)
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "run-abc123 [completed]")
}

func TestWebFetchRefusesPrivateTargets(t *testing.T) {
	require.Error(t, validateFetchURL("ftp://example.com/file"))
	require.Error(t, validateFetchURL("http://"))
	require.Error(t, validateFetchURL("http://metadata.google.internal/computeMetadata"))
	require.Error(t, validateFetchURL("http://127.0.0.1:8080/admin"))
	require.Error(t, validateFetchURL("http://localhost:9000/"))
}

func TestVisibleTextExtraction(t *testing.T) {
	page := `<html><head><title>t</title><style>body{}</style></head><body>
		<script>alert(1)</script>
		<h1>Welcome</h1>
		<p>Hello <b>world</b>.</p>
		<div style="display:none">invisible</div>
		<span aria-hidden="true">also invisible</span>
		<ul><li>one</li><li>two</li></ul>
	</body></html>`

	text := VisibleText([]byte(page), "text/html; charset=utf-8")
	assert.Contains(t, text, "# Welcome")
	assert.Contains(t, text, "Hello world.")
	assert.Contains(t, text, "- one")
	assert.NotContains(t, text, "alert(1)")
	assert.NotContains(t, text, "invisible")

	plain := VisibleText([]byte(`{"a":1}`), "application/json")
	assert.Equal(t, `{"a":1}`, plain)
}
