package ability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/tools"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

const (
	defaultExecTimeout = 120 * time.Second

	// maxConsecutiveFailures is where a non-bundled ability is pulled
	// from rotation; bundled ones only log.
	maxConsecutiveFailures = 5
)

// Broken records an ability that exists on disk or in the store but
// could not be brought up. The list is surfaced in the system prompt so
// the agent can repair its own extensions.
type Broken struct {
	Name   string
	Path   string
	Reason string
}

// Registry holds the live ability set. Identity and behavior live here;
// the persistent half (enabled, config, access level, failure streaks)
// lives in the abilities table and is read per operation so toggles take
// effect without a resync.
type Registry struct {
	mu        sync.RWMutex
	abilities map[string]Ability
	sources   map[string]string
	broken    []Broken

	store       *store.Store
	dir         string
	execTimeout time.Duration
}

// NewRegistry creates a registry over the store. dir is the directory
// non-bundled abilities are loaded from; empty disables dynamic loading.
func NewRegistry(st *store.Store, dir string) *Registry {
	return &Registry{
		abilities:   make(map[string]Ability),
		sources:     make(map[string]string),
		store:       st,
		dir:         dir,
		execTimeout: defaultExecTimeout,
	}
}

// SetExecTimeout overrides the per-call execution timeout.
func (r *Registry) SetExecTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.execTimeout = d
	}
}

func (r *Registry) timeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.execTimeout
}

// Sync rebuilds the live set: bundled abilities from the explicit list,
// then every non-bundled store record from its module path. Load
// failures land on the broken list instead of aborting the sync.
func (r *Registry) Sync(ctx context.Context, bundled ...Ability) error {
	log := logging.G(ctx)

	next := make(map[string]Ability)
	sources := make(map[string]string)
	var broken []Broken

	for _, ab := range bundled {
		if err := validateInstance(ab); err != nil {
			log.WithError(err).Warn("bundled ability failed validation")
			broken = append(broken, Broken{Name: ab.Name(), Reason: err.Error()})
			continue
		}
		rec := &store.AbilityRecord{
			Name:                ab.Name(),
			Description:         ab.Description(),
			Version:             ab.Version(),
			Source:              store.AbilitySourceBundled,
			Enabled:             true,
			RequiresAccessLevel: defaultAbilityLevel,
		}
		if err := r.store.SyncAbility(rec); err != nil {
			return errors.Wrapf(err, "sync bundled ability %q", ab.Name())
		}
		next[ab.Name()] = ab
		sources[ab.Name()] = store.AbilitySourceBundled
	}

	if r.dir != "" {
		adopted, err := r.adoptNewManifests(ctx)
		if err != nil {
			log.WithError(err).Warn("scanning abilities directory failed")
		}
		broken = append(broken, adopted...)
	}

	recs, err := r.store.ListAbilities()
	if err != nil {
		return errors.Wrap(err, "list abilities")
	}
	for _, rec := range recs {
		if rec.Source == store.AbilitySourceBundled {
			continue
		}
		if rec.ModulePath == "" {
			broken = append(broken, Broken{Name: rec.Name, Reason: "record has no module path"})
			continue
		}
		ab, err := loadStdioAbility(rec.ModulePath)
		if err != nil {
			log.WithField("ability", rec.Name).WithError(err).Warn("ability failed to load")
			broken = append(broken, Broken{Name: rec.Name, Path: rec.ModulePath, Reason: err.Error()})
			continue
		}
		if ab.Name() != rec.Name {
			broken = append(broken, Broken{
				Name: rec.Name, Path: rec.ModulePath,
				Reason: fmt.Sprintf("manifest now reports name %q", ab.Name()),
			})
			continue
		}
		// refresh the code-derived columns; user-owned ones survive the upsert
		if err := r.store.SyncAbility(&store.AbilityRecord{
			Name:                rec.Name,
			Description:         ab.Description(),
			Version:             ab.Version(),
			Source:              ab.manifest.source(),
			ModulePath:          rec.ModulePath,
			Enabled:             rec.Enabled,
			RequiresAccessLevel: rec.RequiresAccessLevel,
		}); err != nil {
			return errors.Wrapf(err, "sync ability %q", rec.Name)
		}
		next[rec.Name] = ab
		sources[rec.Name] = ab.manifest.source()
	}

	r.mu.Lock()
	r.abilities = next
	r.sources = sources
	r.broken = broken
	r.mu.Unlock()

	log.WithFields(map[string]any{
		"abilities": len(next),
		"broken":    len(broken),
	}).Info("ability registry synced")
	return nil
}

// adoptNewManifests registers manifest directories that have no store
// record yet: the path self-created and hand-installed abilities take.
// Dependencies gate the initial enabled state; the reason is logged.
func (r *Registry) adoptNewManifests(ctx context.Context) ([]Broken, error) {
	entries, err := listAbilityDirs(r.dir)
	if err != nil {
		return nil, err
	}
	log := logging.G(ctx)

	var broken []Broken
	for _, dir := range entries {
		ab, err := loadStdioAbility(dir)
		if err != nil {
			broken = append(broken, Broken{Name: filepath.Base(dir), Path: dir, Reason: err.Error()})
			log.WithField("path", dir).WithError(err).Warn("ability directory is not loadable")
			continue
		}
		if _, err := r.store.GetAbility(ab.Name()); err == nil {
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			return broken, errors.Wrapf(err, "look up ability %q", ab.Name())
		}

		depCtx, cancel := context.WithTimeout(ctx, r.timeout())
		enabled, reason := ab.EnsureDependencies(depCtx)
		cancel()
		if !enabled {
			log.WithFields(map[string]any{
				"ability": ab.Name(),
				"reason":  reason,
			}).Warn("new ability registered disabled")
		}
		if err := r.store.SyncAbility(&store.AbilityRecord{
			Name:                ab.Name(),
			Description:         ab.Description(),
			Version:             ab.Version(),
			Source:              ab.manifest.source(),
			ModulePath:          dir,
			Config:              "{}",
			Enabled:             enabled,
			RequiresAccessLevel: ab.manifest.accessLevel(),
		}); err != nil {
			return broken, errors.Wrapf(err, "register ability %q", ab.Name())
		}
		log.WithFields(map[string]any{
			"ability": ab.Name(),
			"version": ab.Version(),
			"enabled": enabled,
		}).Info("ability registered")
	}
	return broken, nil
}

// Names returns the live ability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.abilities))
	for name := range r.abilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a live ability.
func (r *Registry) Get(name string) (Ability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ab, ok := r.abilities[name]
	return ab, ok
}

// Broken returns the abilities that failed to load during the last sync.
func (r *Registry) Broken() []Broken {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Broken, len(r.broken))
	copy(out, r.broken)
	return out
}

// Execute runs one ability call: enabled and level checks against the
// store record, a fresh callee context with the ability's own config and
// a registry back-reference, then the handler under the execution
// timeout with failure accounting.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, actx *Context) *Result {
	r.mu.RLock()
	ab, live := r.abilities[name]
	source := r.sources[name]
	timeout := r.execTimeout
	r.mu.RUnlock()

	if !live {
		return &Result{Error: fmt.Sprintf("unknown ability %q", name)}
	}

	rec, err := r.store.GetAbility(name)
	if err != nil {
		return &Result{Error: fmt.Sprintf("ability %q lookup failed: %v", name, err)}
	}
	if !rec.Enabled {
		return &Result{Error: fmt.Sprintf("ability %q is disabled", name)}
	}

	if actx == nil {
		actx = &Context{}
	}
	required := access.ParseLevel(rec.RequiresAccessLevel)
	if !actx.Level.AtLeast(required) {
		return &Result{Error: fmt.Sprintf("ability %q requires %s access", name, required)}
	}

	// callee context: caller identity, the callee's own config, and the
	// cached raw input only when this ability handles its type
	callee := &Context{
		UserID:    actx.UserID,
		SessionID: actx.SessionID,
		Level:     actx.Level,
		Config:    parseConfig(ctx, name, rec.Config),
		Registry:  r,
	}
	if actx.InputType != "" && ab.HandlesInputType(actx.InputType) {
		callee.InputType = actx.InputType
		callee.InputData = actx.InputData
	}

	res := r.run(ctx, ab, params, callee, timeout)

	log := logging.G(ctx).WithField("ability", name)
	if res.Success {
		if err := r.store.ResetAbilityFailures(name); err != nil {
			log.WithError(err).Warn("could not reset failure streak")
		}
		return res
	}

	n, err := r.store.RecordAbilityFailure(name, res.Error)
	if err != nil {
		log.WithError(err).Warn("could not record failure")
		return res
	}
	if n >= maxConsecutiveFailures {
		if source == store.AbilitySourceBundled {
			log.WithField("failures", n).Warn("bundled ability keeps failing")
		} else {
			if err := r.store.SetAbilityEnabled(name, false); err != nil {
				log.WithError(err).Warn("could not auto-disable ability")
			} else {
				log.WithField("failures", n).Warn("ability auto-disabled after repeated failures")
			}
		}
	}
	return res
}

// Invoke satisfies Invoker so abilities can compose through the registry.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any, actx *Context) *Result {
	return r.Execute(ctx, name, params, actx)
}

// run bounds one call with the execution timeout and converts panics
// into failed results.
func (r *Registry) run(ctx context.Context, ab Ability, params map[string]any, actx *Context, timeout time.Duration) *Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- &Result{Error: fmt.Sprintf("ability panicked: %v", rec)}
			}
		}()
		done <- ab.Execute(ctx, params, actx)
	}()

	select {
	case <-ctx.Done():
		return &Result{Error: fmt.Sprintf("ability timed out after %s", timeout)}
	case res := <-done:
		if res == nil {
			return &Result{Error: "ability returned no result"}
		}
		return res
	}
}

// SchemasForLevel emits tool definitions for the enabled abilities the
// level may call. Malformed schemas are dropped with a log entry, same
// contract as the tool registry.
func (r *Registry) SchemasForLevel(level access.Level) []chat.ToolDefinition {
	recs, err := r.store.ListAbilities()
	if err != nil {
		logging.L.WithError(err).Warn("could not list abilities for schema emission")
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []chat.ToolDefinition
	for _, rec := range recs {
		if !rec.Enabled || !level.AtLeast(access.ParseLevel(rec.RequiresAccessLevel)) {
			continue
		}
		ab, ok := r.abilities[rec.Name]
		if !ok {
			continue
		}
		def := chat.ToolDefinition{
			Name:        ab.Name(),
			Description: ab.Description(),
			Parameters:  ab.Schema(),
		}
		if err := tools.ValidateDefinition(def); err != nil {
			logging.L.WithField("ability", rec.Name).WithError(err).Warn("dropping malformed ability schema")
			continue
		}
		defs = append(defs, def)
	}
	return defs
}

// Guides renders the ability guidance block for the system prompt:
// every ability visible at the level, with its enabled state and config
// completeness reflected.
func (r *Registry) Guides(level access.Level) string {
	recs, err := r.store.ListAbilities()
	if err != nil {
		logging.L.WithError(err).Warn("could not list abilities for guides")
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var lines []string
	for _, rec := range recs {
		if !level.AtLeast(access.ParseLevel(rec.RequiresAccessLevel)) {
			continue
		}
		ab, ok := r.abilities[rec.Name]
		if !ok {
			continue
		}
		cfg := parseConfig(context.Background(), rec.Name, rec.Config)
		lines = append(lines, "- "+ab.Guide(rec.Enabled, cfg))
	}
	return strings.Join(lines, "\n")
}

// PreProcess offers raw input to the first enabled priority ability that
// handles its type. The bool reports whether any ability matched; a
// matched-but-failed call returns a failed result so the caller can fall
// back to native handling.
func (r *Registry) PreProcess(ctx context.Context, inputType, data, prompt string) (*Result, string, bool) {
	recs, err := r.store.ListAbilities()
	if err != nil {
		logging.G(ctx).WithError(err).Warn("could not list abilities for pre-processing")
		return nil, "", false
	}

	for _, rec := range recs {
		if !rec.Enabled {
			continue
		}
		r.mu.RLock()
		ab, ok := r.abilities[rec.Name]
		timeout := r.execTimeout
		r.mu.RUnlock()
		if !ok || !ab.Priority() || !ab.HandlesInputType(inputType) {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := ab.PreProcess(callCtx, inputType, data, prompt, parseConfig(ctx, rec.Name, rec.Config))
		cancel()
		if err != nil {
			return &Result{Error: err.Error()}, rec.Name, true
		}
		if res == nil {
			return &Result{Error: "ability returned no result"}, rec.Name, true
		}
		return res, rec.Name, true
	}
	return nil, "", false
}

// Enable turns an ability on after its dependencies check out. A false
// EnsureDependencies keeps it disabled and the message becomes the error.
func (r *Registry) Enable(ctx context.Context, name string) error {
	rec, err := r.store.GetAbility(name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Errorf("unknown ability %q", name)
		}
		return errors.Wrapf(err, "look up ability %q", name)
	}

	r.mu.RLock()
	ab := r.abilities[name]
	r.mu.RUnlock()

	if ab == nil && rec.ModulePath != "" {
		loaded, err := loadStdioAbility(rec.ModulePath)
		if err != nil {
			return errors.Wrapf(err, "ability %q cannot be loaded", name)
		}
		r.mu.Lock()
		r.abilities[name] = loaded
		r.sources[name] = loaded.manifest.source()
		r.mu.Unlock()
		ab = loaded
	}
	if ab == nil {
		return errors.Errorf("ability %q has no loadable implementation", name)
	}

	depCtx, cancel := context.WithTimeout(ctx, r.timeout())
	ok, msg := ab.EnsureDependencies(depCtx)
	cancel()
	if !ok {
		logging.G(ctx).WithFields(map[string]any{
			"ability": name,
			"reason":  msg,
		}).Warn("enable refused, dependencies not satisfied")
		return errors.Errorf("dependencies not satisfied: %s", msg)
	}
	return errors.Wrapf(r.store.SetAbilityEnabled(name, true), "enable ability %q", name)
}

// Disable turns an ability off.
func (r *Registry) Disable(name string) error {
	if _, err := r.store.GetAbility(name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Errorf("unknown ability %q", name)
		}
		return errors.Wrapf(err, "look up ability %q", name)
	}
	return errors.Wrapf(r.store.SetAbilityEnabled(name, false), "disable ability %q", name)
}

func parseConfig(ctx context.Context, name, raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return map[string]any{}
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		logging.G(ctx).WithField("ability", name).WithError(err).Warn("ability config is not valid JSON")
		return map[string]any{}
	}
	return cfg
}
