package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hearthlabs/hearth/internal/agent/ability"
	"github.com/hearthlabs/hearth/internal/agent/compact"
	"github.com/hearthlabs/hearth/internal/agent/convo"
	"github.com/hearthlabs/hearth/internal/agent/memory"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/agent/ratelimit"
	"github.com/hearthlabs/hearth/internal/agent/schedule"
	"github.com/hearthlabs/hearth/internal/agent/subagent"
	"github.com/hearthlabs/hearth/internal/agent/tools"
	console "github.com/hearthlabs/hearth/internal/channels/cli"
	"github.com/hearthlabs/hearth/internal/channels/telegram"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/statusd"
	"github.com/hearthlabs/hearth/internal/store"
	"github.com/hearthlabs/hearth/internal/workspace"
)

// runDaemon assembles every subsystem and runs until a signal or a
// fatal subsystem error.
func runDaemon(cmd *cobra.Command) error {
	cfg := baseConfig

	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	cfg.SetDataDir(dataDir)

	// Layer the on-disk config over the embedded defaults.
	configPath := cfgFile
	if configPath == "" {
		configPath = filepath.Join(dataDir, "hearth.yaml")
	}
	if _, err := os.Stat(configPath); err == nil {
		if err := cfg.MergeFile(configPath); err != nil {
			return errors.Wrapf(err, "load %s", configPath)
		}
	} else if cfgFile != "" {
		return errors.Wrapf(err, "load %s", cfgFile)
	}

	level := cfg.String("log.level", "info")
	if verbose {
		level = "debug"
	}
	if err := logging.SetLevel(level); err != nil {
		return err
	}
	logging.SetFormat(cfg.String("log.format", "text"))

	lockFile, err := acquireLock(dataDir)
	if err != nil {
		return errors.Wrap(err, "hearth is already running")
	}
	defer releaseLock(lockFile)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.L.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	st, err := store.Open(filepath.Join(dataDir, "hearth.db"))
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer st.Close()
	cfg.AttachStore(st)

	ws, err := workspace.New(filepath.Join(dataDir, "workspace"))
	if err != nil {
		return errors.Wrap(err, "init workspace")
	}

	llm, err := provider.FromConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "init provider")
	}
	logging.L.WithField("provider", llm.Name()).
		WithField("model", cfg.String("provider.active_model", "")).
		Info("provider ready")

	mem := memory.NewEngine(st, llm, cfg.Float("memory.dedup_threshold", 0.92))
	if dropped, err := mem.CheckDimensions(ctx); err != nil {
		logging.L.WithError(err).Warn("embedding dimension check failed")
	} else if dropped > 0 {
		logging.L.WithField("dropped", dropped).Warn("memories reset after embedding change")
	}

	comp := compact.New(st, llm, cfg.Int("compact.keep_recent", 20))

	abilitiesDir := cfg.String("abilities.dir", "")
	if abilitiesDir == "" {
		abilitiesDir = filepath.Join(dataDir, "abilities")
	}
	abilityReg := ability.NewRegistry(st, abilitiesDir)
	if err := abilityReg.Sync(ctx); err != nil {
		logging.L.WithError(err).Warn("ability sync failed")
	}

	toolReg := tools.NewRegistry()

	// Deliver closes over mgr, which is built a few lines down.
	var mgr *convo.Manager
	scheduler := schedule.New(st, func(ctx context.Context, task store.ScheduledTask) {
		mgr.DeliverTask(ctx, task)
	}, schedule.Options{})

	subMgr := subagent.New(st, cfg, llm, toolReg)

	limiter := ratelimit.New(ratelimit.Options{
		MaxRequests:   cfg.Int("ratelimit.max_requests", 4),
		WindowSeconds: cfg.Int("ratelimit.window_seconds", 60),
		OwnerExempt:   cfg.Bool("ratelimit.owner_exempt", true),
	})

	mgr = convo.NewManager(convo.Deps{
		Store:     st,
		Config:    cfg,
		Provider:  llm,
		Tools:     toolReg,
		Abilities: abilityReg,
		Memory:    mem,
		Compactor: comp,
		PromptExtra: func(platform, chatID string) string {
			if platform != "cli" {
				return ""
			}
			wd, err := os.Getwd()
			if err != nil {
				return ""
			}
			return "The owner is at a terminal on this machine. Working directory: " + wd
		},
	})

	tools.RegisterBuiltins(toolReg, tools.Deps{
		Store:          st,
		Config:         cfg,
		Memory:         mem,
		Scheduler:      scheduler,
		Subagents:      subMgr,
		Workspace:      ws,
		RefreshPrompts: mgr.RefreshSystemPrompts,
	})
	subMgr.SetBasePrompt(mgr.WorkerPrompt)
	subMgr.SetCompletionFunc(mgr.NotifySubagentDone)
	if err := subMgr.SweepStale(ctx); err != nil {
		logging.L.WithError(err).Warn("stale sub-agent sweep failed")
	}

	var tg *telegram.Adapter
	if !noTelegram {
		if token := cfg.Credential("telegram_bot_token"); token != "" {
			tg = telegram.New(telegram.NewClient(token, ""), st, cfg, limiter, mgr, ws)
		} else {
			logging.L.Info("telegram disabled: no bot token configured")
		}
	}

	var repl *console.Adapter
	if !noConsole {
		repl = console.New(st, cfg, mgr, comp)
	}

	// An attached console confirms sensitive tool calls interactively;
	// headless callers auto-approve with a log line.
	toolReg.SetApproval(func(ctx context.Context, tool string, args json.RawMessage) bool {
		if repl != nil && tools.CallerFrom(ctx).Platform == "cli" {
			if approved, handled := repl.Approve(ctx, tool, args); handled {
				return approved
			}
		}
		logging.G(ctx).WithField("tool", tool).Info("auto-approved")
		return true
	})

	mgr.SetCallbacks(convo.Callbacks{
		Deliver: func(platform, chatID, text string) {
			switch {
			case platform == "telegram" && tg != nil:
				tg.Deliver(chatID, text)
			case platform == "cli" && repl != nil:
				repl.Deliver(chatID, text)
			default:
				logging.L.WithField("platform", platform).Warn("no channel for delivery")
			}
		},
		Status: func(platform, chatID, text string) {
			switch {
			case platform == "telegram" && tg != nil:
				tg.Status(chatID, text)
			case platform == "cli" && repl != nil:
				repl.Status(chatID, text)
			}
		},
		ToolActivity: func(platform, chatID, tool string) {
			if platform == "telegram" && tg != nil {
				tg.ToolActivity(chatID, tool)
			}
		},
	})

	status := statusd.New(cfg.String("status.addr", "127.0.0.1:8790"), statusd.Sources{
		Version:         Version,
		Model:           func() string { return cfg.String("provider.active_model", "") },
		LiveSessions:    mgr.Live,
		Abilities:       func() int { return len(abilityReg.Names()) },
		ActiveSubagents: subMgr.Active,
		Memories: func() int {
			n, _ := st.CountMemories()
			return n
		},
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 8)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errCh <- errors.Wrap(err, name)
			}
		}()
	}

	run("status listener", status.Run)
	run("ability watcher", func(ctx context.Context) error { return abilityReg.Watch(ctx) })
	run("scheduler", func(ctx context.Context) error {
		scheduler.Run(ctx)
		return nil
	})
	if tg != nil {
		run("telegram", tg.Run)
	}
	if repl != nil {
		run("console", repl.Run)
	}

	logging.L.WithField("data_dir", dataDir).Info("hearth is up")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		cancel()
		wg.Wait()
		return err
	}
	wg.Wait()
	return nil
}

// resolveDataDir applies the flag over the environment/home default.
func resolveDataDir() (string, error) {
	if dataDirFlag != "" {
		return dataDirFlag, nil
	}
	return config.ResolveDataDir()
}
