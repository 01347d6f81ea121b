package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/strandlabs/strand/internal/tools"
)

// WriteTool writes a file inside the workspace.
type WriteTool struct {
	allowWrite bool
}

// NewWriteTool builds the write tool.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{allowWrite: cfg.AllowWrite}
}

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories. Overwrites unless append is set."
}

func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to write, relative to the workspace."},
			"content": {"type": "string", "description": "File contents to write."},
			"append": {"type": "boolean", "description": "Append instead of overwrite (default false)."}
		},
		"required": ["path", "content"]
	}`)
}

// Execute writes the file and reports the byte count.
func (t *WriteTool) Execute(ctx context.Context, input map[string]any, tc tools.Context) (string, error) {
	if !t.allowWrite {
		return "", fmt.Errorf("file writes are disabled by sandbox policy")
	}
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := tools.DecodeInput(input, &params); err != nil {
		return "", err
	}

	resolved, err := resolve(tc.WorkspaceDir, params.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if params.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	n, err := file.WriteString(params.Content)
	if err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if params.Append {
		return fmt.Sprintf("Appended %d bytes to %s", n, params.Path), nil
	}
	return fmt.Sprintf("Wrote %d bytes to %s", n, params.Path), nil
}
