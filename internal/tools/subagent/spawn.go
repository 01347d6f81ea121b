// Package subagent provides the tool for delegating a task to a child agent
// session. The child runs in its own session lane; its outcome is reported
// back to the parent as a follow-up message.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strandlabs/strand/internal/tools"
)

// Spawner starts a child run for a task. The runtime implements this; the
// tool stays decoupled from the loop machinery.
type Spawner interface {
	// SpawnSubagent launches a child session owned by parentSessionKey and
	// returns the child's session key. It rejects parents that are
	// themselves subagent sessions.
	SpawnSubagent(ctx context.Context, parentSessionKey, task string) (string, error)
}

// SpawnTool exposes subagent delegation to the model.
type SpawnTool struct {
	spawner Spawner
}

// NewSpawnTool builds the spawn tool.
func NewSpawnTool(spawner Spawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string { return "spawn_subagent" }

func (t *SpawnTool) Description() string {
	return "Delegate a task to a subagent running in its own session. The subagent's summary arrives as a follow-up message when it finishes."
}

func (t *SpawnTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "The task for the subagent to complete."}
		},
		"required": ["task"]
	}`)
}

// Execute launches the child run and reports its session key.
func (t *SpawnTool) Execute(ctx context.Context, input map[string]any, tc tools.Context) (string, error) {
	var params struct {
		Task string `json:"task"`
	}
	if err := tools.DecodeInput(input, &params); err != nil {
		return "", err
	}
	if strings.TrimSpace(params.Task) == "" {
		return "", fmt.Errorf("task is required")
	}

	childKey, err := t.spawner.SpawnSubagent(ctx, tc.SessionKey, params.Task)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Subagent started in session %s. Its summary will arrive as a follow-up message.", childKey), nil
}
