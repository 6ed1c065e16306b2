package ability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/logging"
)

// wireRequest is one line written to an ability process's stdin. Exactly
// one request is sent per invocation; the process answers with one line
// and exits.
type wireRequest struct {
	Op        string         `json:"op"`
	Params    map[string]any `json:"params,omitempty"`
	Context   *wireContext   `json:"context,omitempty"`
	InputType string         `json:"input_type,omitempty"`
	Data      string         `json:"data,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

// wireContext is the caller identity serialized for the child process.
// The registry back-reference obviously does not cross the pipe.
type wireContext struct {
	UserID    int64  `json:"user_id"`
	SessionID int64  `json:"session_id"`
	Level     string `json:"level"`
	InputType string `json:"input_type,omitempty"`
	InputData string `json:"input_data,omitempty"`
}

// wireResponse covers every op: execute and pre_process read the Result
// fields, ensure_dependencies reads OK/Message.
type wireResponse struct {
	Success bool     `json:"success"`
	Result  string   `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`
	Media   []string `json:"media,omitempty"`
	OK      *bool    `json:"ok,omitempty"`
	Message string   `json:"message,omitempty"`
}

const (
	opExecute     = "execute"
	opPreProcess  = "pre_process"
	opEnsureDeps  = "ensure_dependencies"
	maxLineLength = 4 << 20
)

// stdioAbility adapts a manifest-described executable to the Ability
// contract. The identity methods answer from the manifest; the behavior
// methods spawn the entrypoint for one request/response exchange.
type stdioAbility struct {
	manifest *Manifest
	dir      string
}

func loadStdioAbility(dir string) (*stdioAbility, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	ab := &stdioAbility{manifest: m, dir: dir}
	if err := validateInstance(ab); err != nil {
		return nil, err
	}
	return ab, nil
}

func (a *stdioAbility) Name() string        { return a.manifest.Name }
func (a *stdioAbility) Description() string { return a.manifest.Description }
func (a *stdioAbility) Version() string     { return a.manifest.Version }
func (a *stdioAbility) Priority() bool      { return a.manifest.Priority }

func (a *stdioAbility) Schema() map[string]any { return a.manifest.Schema }

func (a *stdioAbility) Guide(enabled bool, cfg map[string]any) string {
	guide := a.manifest.Guide
	if guide == "" {
		guide = fmt.Sprintf("%s — %s", a.manifest.Name, a.manifest.Description)
	}
	if !enabled {
		return guide + " (currently disabled)"
	}
	if missing := missingConfig(a.manifest.RequiredConfig, cfg); len(missing) > 0 {
		return guide + fmt.Sprintf(" (needs configuration: %s)", strings.Join(missing, ", "))
	}
	return guide
}

func (a *stdioAbility) RequiredConfig() []string { return a.manifest.RequiredConfig }

func (a *stdioAbility) ValidateConfig(cfg map[string]any) error {
	if missing := missingConfig(a.manifest.RequiredConfig, cfg); len(missing) > 0 {
		return errors.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (a *stdioAbility) EnsureDependencies(ctx context.Context) (bool, string) {
	resp, err := a.call(ctx, &wireRequest{Op: opEnsureDeps})
	if err != nil {
		return false, err.Error()
	}
	if resp.OK != nil {
		return *resp.OK, resp.Message
	}
	// older abilities answer with the result shape
	return resp.Success, firstNonEmpty(resp.Message, resp.Error)
}

func (a *stdioAbility) HandlesInputType(inputType string) bool {
	for _, t := range a.manifest.InputTypes {
		if strings.EqualFold(t, inputType) {
			return true
		}
	}
	return false
}

func (a *stdioAbility) Execute(ctx context.Context, params map[string]any, actx *Context) *Result {
	req := &wireRequest{Op: opExecute, Params: params}
	if actx != nil {
		req.Config = actx.Config
		req.Context = &wireContext{
			UserID:    actx.UserID,
			SessionID: actx.SessionID,
			Level:     actx.Level.String(),
			InputType: actx.InputType,
			InputData: actx.InputData,
		}
	}
	resp, err := a.call(ctx, req)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}
	}
	return &Result{Success: resp.Success, Result: resp.Result, Error: resp.Error, Media: resp.Media}
}

func (a *stdioAbility) PreProcess(ctx context.Context, inputType, data, prompt string, cfg map[string]any) (*Result, error) {
	resp, err := a.call(ctx, &wireRequest{
		Op:        opPreProcess,
		InputType: inputType,
		Data:      data,
		Prompt:    prompt,
		Config:    cfg,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Success: resp.Success, Result: resp.Result, Error: resp.Error, Media: resp.Media}, nil
}

// call spawns the entrypoint, writes the request line, and reads the
// single response line. Context cancellation kills the process.
func (a *stdioAbility) call(ctx context.Context, req *wireRequest) (*wireResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}

	entry := filepath.Join(a.dir, a.manifest.Entrypoint)
	cmd := exec.CommandContext(ctx, entry)
	cmd.Dir = a.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", a.manifest.Entrypoint)
	}

	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, errors.Wrap(err, "write request")
	}
	_ = stdin.Close()

	reader := bufio.NewReaderSize(stdout, 64<<10)
	line, err := readLine(reader)
	waitErr := cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "read response")
	}
	if waitErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		logging.G(ctx).WithField("ability", a.manifest.Name).Debug(s)
	}

	var resp wireResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, errors.Wrapf(err, "ability %q returned a malformed response", a.manifest.Name)
	}
	return &resp, nil
}

// readLine reads one newline-terminated response. bufio.Reader instead of
// a Scanner so large responses are not clipped at the scanner buffer; a
// process that exits without the trailing newline is still accepted.
func readLine(r *bufio.Reader) ([]byte, error) {
	data, err := r.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(data) > 0) {
		return nil, err
	}
	if len(data) > maxLineLength {
		return nil, errors.New("response exceeds line limit")
	}
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, errors.New("empty response")
	}
	return data, nil
}

func missingConfig(required []string, cfg map[string]any) []string {
	var missing []string
	for _, key := range required {
		v, ok := cfg[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
