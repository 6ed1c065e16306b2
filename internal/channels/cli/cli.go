// Package cli runs the local console channel: a line REPL on stdin
// where slash commands are handled in-channel and everything else goes
// to the conversation engine. The console user is the owner.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/agent/compact"
	"github.com/hearthlabs/hearth/internal/agent/convo"
	"github.com/hearthlabs/hearth/internal/channels"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

var _ channels.Channel = (*Adapter)(nil)

// ChatID is the single console conversation.
const ChatID = "local"

// Adapter is the console channel adapter.
type Adapter struct {
	st        *store.Store
	cfg       *config.Config
	mgr       *convo.Manager
	compactor *compact.Compactor

	in      io.Reader
	out     io.Writer
	mu      sync.Mutex // serializes prompt and async delivery writes
	lines   chan string
	user    *store.User
	started time.Time
}

// New builds the adapter on the process stdin/stdout.
func New(st *store.Store, cfg *config.Config, mgr *convo.Manager, compactor *compact.Compactor) *Adapter {
	return &Adapter{st: st, cfg: cfg, mgr: mgr, compactor: compactor, in: os.Stdin, out: os.Stdout}
}

// Name implements channels.Channel.
func (a *Adapter) Name() string { return "cli" }

// Run reads lines until EOF or cancellation. EOF only ends the REPL;
// the rest of the daemon keeps running.
func (a *Adapter) Run(ctx context.Context) error {
	user, err := a.resolveUser()
	if err != nil {
		return errors.Wrap(err, "cli user")
	}
	a.user = user
	a.started = time.Now()

	a.printf("hearth console — type /help for commands, Ctrl-D to detach\n")

	lines := make(chan string)
	a.mu.Lock()
	a.lines = lines
	a.mu.Unlock()
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		a.prompt()
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				logging.G(ctx).Info("cli detached")
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				a.command(ctx, line)
				continue
			}
			a.turn(ctx, line)
		}
	}
}

// resolveUser registers the console identity and pins it to owner tier.
// Physical access to the terminal is owner access.
func (a *Adapter) resolveUser() (*store.User, error) {
	name := os.Getenv("USER")
	if name == "" {
		name = "owner"
	}
	u, err := a.st.EnsureUser(name, "cli", ChatID, name)
	if err != nil {
		return nil, err
	}
	if u.AccessLevel != "owner" {
		if err := a.st.SetUserLevel(u.ID, "owner"); err != nil {
			return nil, err
		}
		u.AccessLevel = "owner"
	}
	return u, nil
}

// turn sends one line through the engine and prints the reply.
func (a *Adapter) turn(ctx context.Context, line string) {
	reply, err := a.mgr.HandleMessage(ctx, "cli", ChatID, a.user, convo.Input{Text: line}, false)
	if err != nil {
		a.printf("%s\n", classify.UserMessage(err))
		return
	}
	a.printReply(reply)
}

func (a *Adapter) printReply(reply string) {
	text, mediaPath := channels.ExtractMedia(reply)
	if text != "" {
		a.printf("%s\n", text)
	}
	if mediaPath != "" {
		a.printf("(saved file: %s)\n", mediaPath)
	}
}

// command dispatches the in-channel slash commands.
func (a *Adapter) command(ctx context.Context, line string) {
	cmd := strings.Fields(line)[0]
	switch cmd {
	case "/start", "/help":
		a.printf("%s", helpText)
	case "/status":
		a.status()
	case "/memory":
		a.memory()
	case "/compact":
		a.compactNow(ctx)
	case "/forget":
		if err := a.mgr.Forget("cli", ChatID); err != nil {
			a.printf("forget failed: %v\n", err)
			return
		}
		a.printf("Context cleared.\n")
	case "/identity":
		a.identity()
	default:
		a.printf("Unknown command %s — type /help.\n", cmd)
	}
}

const helpText = `Commands:
  /status    model, sessions, memory counts
  /memory    recent memories about you
  /compact   summarize older history now
  /forget    clear this conversation
  /identity  show the persona document
Anything else is sent to the agent.
`

func (a *Adapter) status() {
	model := a.cfg.String("provider.active_model", "")
	live := a.mgr.Live()
	memories, _ := a.st.CountMemories()
	a.printf("model: %s\nuptime: %s\nlive sessions: %d\nmemories: %d\n",
		model, time.Since(a.started).Round(time.Second), live, memories)

	if sess, err := a.st.ActiveSession("cli", ChatID); err == nil {
		a.printf("this session: %d messages\n", sess.MessageCount)
		if sess.Summary != "" {
			a.printf("summary: %s\n", sess.Summary)
		}
	}
}

func (a *Adapter) memory() {
	memories, err := a.st.MemoriesForUser(a.user.ID, 10)
	if err != nil {
		a.printf("memory read failed: %v\n", err)
		return
	}
	if len(memories) == 0 {
		a.printf("No memories yet.\n")
		return
	}
	for _, m := range memories {
		a.printf("• [%s] %s\n", m.Category, m.Content)
	}
}

func (a *Adapter) compactNow(ctx context.Context) {
	sess, err := a.st.ActiveSession("cli", ChatID)
	if err != nil {
		a.printf("No active session.\n")
		return
	}
	compacted, err := a.compactor.Compact(ctx, sess.ID)
	if err != nil {
		a.printf("compact failed: %v\n", err)
		return
	}
	if !compacted {
		a.printf("Nothing to compact yet.\n")
		return
	}
	a.printf("Compacted.\n")
}

func (a *Adapter) identity() {
	doc, err := a.st.GetIdentity()
	if err != nil {
		a.printf("identity read failed: %v\n", err)
		return
	}
	if strings.TrimSpace(doc) == "" {
		a.printf("No identity document set.\n")
		return
	}
	a.printf("%s\n", doc)
}

// approvalTimeout bounds how long a turn waits for a y/N answer.
const approvalTimeout = 2 * time.Minute

// Approve asks the operator to confirm a sensitive tool call. handled is
// false when no terminal is attached so the daemon can apply its headless
// policy instead.
func (a *Adapter) Approve(ctx context.Context, tool string, args json.RawMessage) (approved, handled bool) {
	a.mu.Lock()
	lines := a.lines
	a.mu.Unlock()
	if lines == nil {
		return false, false
	}

	var detail struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &detail)
	what := tool
	if detail.Path != "" {
		what = tool + " " + detail.Path
	}
	a.printf("approve %s? [y/N] ", what)

	select {
	case <-ctx.Done():
		return false, true
	case <-time.After(approvalTimeout):
		a.printf("\nNo answer, denied.\n")
		return false, true
	case line, ok := <-lines:
		if !ok {
			return false, false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", true
	}
}

// Deliver implements the manager's out-of-band delivery callback.
func (a *Adapter) Deliver(chatID, text string) {
	a.printf("\n%s\n", text)
	a.prompt()
}

// Status surfaces transient engine states on the console.
func (a *Adapter) Status(chatID, text string) {
	a.printf("… %s\n", text)
}

func (a *Adapter) prompt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprint(a.out, "> ")
}

func (a *Adapter) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
