package subagent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/strandlabs/strand/internal/tools"
)

type fakeSpawner struct {
	parentKey string
	task      string
	childKey  string
	err       error
}

func (f *fakeSpawner) SpawnSubagent(_ context.Context, parentSessionKey, task string) (string, error) {
	f.parentKey = parentSessionKey
	f.task = task
	if f.err != nil {
		return "", f.err
	}
	return f.childKey, nil
}

func TestSpawnToolLaunchesChild(t *testing.T) {
	spawner := &fakeSpawner{childKey: "agent:main:subagent:abc"}
	tool := NewSpawnTool(spawner)

	out, err := tool.Execute(context.Background(),
		map[string]any{"task": "summarize the logs"},
		tools.Context{SessionKey: "agent:main:session:s1"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if spawner.parentKey != "agent:main:session:s1" || spawner.task != "summarize the logs" {
		t.Fatalf("spawner saw %q / %q", spawner.parentKey, spawner.task)
	}
	if !strings.Contains(out, spawner.childKey) {
		t.Fatalf("out = %q", out)
	}
}

func TestSpawnToolRequiresTask(t *testing.T) {
	tool := NewSpawnTool(&fakeSpawner{})
	if _, err := tool.Execute(context.Background(), map[string]any{"task": "  "}, tools.Context{}); err == nil {
		t.Fatal("blank task accepted")
	}
}

func TestSpawnToolPropagatesRejection(t *testing.T) {
	rejection := errors.New("subagent sessions cannot spawn subagents")
	tool := NewSpawnTool(&fakeSpawner{err: rejection})
	_, err := tool.Execute(context.Background(),
		map[string]any{"task": "go deeper"},
		tools.Context{SessionKey: "agent:main:subagent:abc"},
	)
	if !errors.Is(err, rejection) {
		t.Fatalf("err = %v", err)
	}
}
