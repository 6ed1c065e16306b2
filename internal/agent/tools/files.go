package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hearthlabs/hearth/internal/agent/access"
)

const fileReadMax = 100000

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=File path inside the agent workspace"`
}

func readFileTool(d Deps) *Tool {
	return &Tool{
		Name:             "read_file",
		Description:      "Read a text file from the agent workspace.",
		Parameters:       GenerateSchema[readFileArgs](),
		RequiresLevel:    access.Family,
		RequiresApproval: true,
		Enabled:          true,
		Scrub:            ScrubSafe,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args readFileArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			path, err := d.resolveWorkspacePath(args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			if len(data) > fileReadMax {
				return string(data[:fileReadMax]) + "\n... (file truncated)", nil
			}
			return string(data), nil
		},
	}
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path inside the agent workspace"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

func writeFileTool(d Deps) *Tool {
	return &Tool{
		Name:             "write_file",
		Description:      "Write a text file inside the agent workspace, creating parent directories as needed.",
		Parameters:       GenerateSchema[writeFileArgs](),
		RequiresLevel:    access.Family,
		RequiresApproval: true,
		Enabled:          true,
		Scrub:            ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args writeFileArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			path, err := d.resolveWorkspacePath(args.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s.", len(args.Content), path), nil
		},
	}
}

// resolveWorkspacePath interprets relative paths against the workspace
// root and refuses anything that escapes it.
func (d Deps) resolveWorkspacePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.Workspace.Root(), path)
	}
	path = filepath.Clean(path)
	if !d.Workspace.Contains(path) {
		return "", fmt.Errorf("path %q is outside the agent workspace", path)
	}
	return path, nil
}
