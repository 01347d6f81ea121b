package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/strandlabs/strand/internal/tools"
)

// DefaultMaxReadBytes caps a single read when none is configured.
const DefaultMaxReadBytes = 200_000

// Config controls filesystem tool behavior.
type Config struct {
	// MaxReadBytes bounds read output size. Zero means DefaultMaxReadBytes.
	MaxReadBytes int

	// AllowWrite permits the write and edit tools to modify files. When
	// false they refuse with a sandbox error.
	AllowWrite bool
}

// ReadTool reads a file from the workspace.
type ReadTool struct {
	maxReadBytes int
}

// NewReadTool builds the read tool.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = DefaultMaxReadBytes
	}
	return &ReadTool{maxReadBytes: limit}
}

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace with optional byte offset and limit."
}

func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path to the file, relative to the workspace."},
			"offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start reading from (default 0)."},
			"max_bytes": {"type": "integer", "minimum": 0, "description": "Maximum bytes to read, capped by the tool default."}
		},
		"required": ["path"]
	}`)
}

// Execute returns the file contents, marking truncation when the limit or
// requested window cuts the file short.
func (t *ReadTool) Execute(ctx context.Context, input map[string]any, tc tools.Context) (string, error) {
	var params struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := tools.DecodeInput(input, &params); err != nil {
		return "", err
	}

	resolved, err := resolve(tc.WorkspaceDir, params.Path)
	if err != nil {
		return "", err
	}

	file, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	if params.Offset > 0 {
		if _, err := file.Seek(params.Offset, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek file: %w", err)
		}
	}

	limit := t.maxReadBytes
	if params.MaxBytes > 0 && params.MaxBytes < limit {
		limit = params.MaxBytes
	}
	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	content := string(buf)
	if remaining := info.Size() - params.Offset - int64(len(buf)); remaining > 0 {
		content += fmt.Sprintf("\n[truncated: %d more bytes]", remaining)
	}
	return content, nil
}
