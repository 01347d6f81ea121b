package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/strandlabs/strand/internal/tools"
)

// EditTool applies a find/replace edit to a workspace file.
type EditTool struct {
	allowWrite bool
}

// NewEditTool builds the edit tool.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{allowWrite: cfg.AllowWrite}
}

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Replace text in a file in the workspace. old_text must occur in the file."
}

func (t *EditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to edit, relative to the workspace."},
			"old_text": {"type": "string", "description": "Text to replace."},
			"new_text": {"type": "string", "description": "Replacement text."},
			"replace_all": {"type": "boolean", "description": "Replace every occurrence (default: first only)."}
		},
		"required": ["path", "old_text", "new_text"]
	}`)
}

// Execute rewrites the file with the replacement applied.
func (t *EditTool) Execute(ctx context.Context, input map[string]any, tc tools.Context) (string, error) {
	if !t.allowWrite {
		return "", fmt.Errorf("file edits are disabled by sandbox policy")
	}
	var params struct {
		Path       string `json:"path"`
		OldText    string `json:"old_text"`
		NewText    string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := tools.DecodeInput(input, &params); err != nil {
		return "", err
	}
	if params.OldText == "" {
		return "", fmt.Errorf("old_text is required")
	}

	resolved, err := resolve(tc.WorkspaceDir, params.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)
	if !strings.Contains(content, params.OldText) {
		return "", fmt.Errorf("old_text not found in %s", params.Path)
	}

	replacements := 1
	if params.ReplaceAll {
		replacements = strings.Count(content, params.OldText)
		content = strings.ReplaceAll(content, params.OldText, params.NewText)
	} else {
		content = strings.Replace(content, params.OldText, params.NewText, 1)
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Applied %d replacement(s) in %s", replacements, params.Path), nil
}
