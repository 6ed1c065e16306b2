package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hearthlabs/hearth/internal/agent/access"
)

const (
	shellDefaultTimeout = 120 * time.Second
	shellMaxOutput      = 50000
)

type shellExecArgs struct {
	Command string `json:"command" jsonschema:"required,description=The shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds,default=120"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory for the command"`
}

func shellExecTool() *Tool {
	return &Tool{
		Name:          "shell_exec",
		Description:   "Execute a shell command on the host and return its output. Destructive commands are blocked.",
		Parameters:    GenerateSchema[shellExecArgs](),
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         ScrubAggressive,
		Handler:       shellExecHandler,
	}
}

func shellExecHandler(ctx context.Context, raw json.RawMessage) (string, error) {
	var args shellExecArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", fmt.Errorf("command is required")
	}
	if matched, blocked := access.CommandBlocked(args.Command); blocked {
		return "", fmt.Errorf("command blocked: matches %q", matched)
	}

	timeout := shellDefaultTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
	if args.Cwd != "" {
		cmd.Dir = args.Cwd
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var out strings.Builder
	out.WriteString(stdout.String())
	if stderr.Len() > 0 {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("STDERR:\n")
		out.WriteString(stderr.String())
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %v\n%s", timeout, out.String())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("command exited with code %d\n%s", exitErr.ExitCode(), out.String())
		}
		return "", fmt.Errorf("command failed: %v\n%s", err, out.String())
	}

	output := out.String()
	if output == "" {
		output = "(no output)"
	}
	if len(output) > shellMaxOutput {
		output = output[:shellMaxOutput] + "\n... (output truncated)"
	}
	return output, nil
}
