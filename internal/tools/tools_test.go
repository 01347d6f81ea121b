package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type stubTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, input map[string]any, tc Context) (string, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.name + " stub" }

func (s *stubTool) Schema() json.RawMessage {
	if s.schema == "" {
		return nil
	}
	return json.RawMessage(s.schema)
}

func (s *stubTool) Execute(ctx context.Context, input map[string]any, tc Context) (string, error) {
	if s.execute == nil {
		return "ok", nil
	}
	return s.execute(ctx, input, tc)
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	tool := &stubTool{
		name:   "echo",
		schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		execute: func(_ context.Context, input map[string]any, _ Context) (string, error) {
			return input["text"].(string), nil
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hi" {
		t.Fatalf("out = %q", out)
	}
}

func TestRegistryValidatesInput(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{
		name:   "strict",
		schema: `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Execute(context.Background(), "strict", map[string]any{}, Context{}); err == nil {
		t.Fatal("missing required field accepted")
	}
	if _, err := r.Execute(context.Background(), "strict", map[string]any{"n": "NaN"}, Context{}); err == nil {
		t.Fatal("wrong type accepted")
	}
	if _, err := r.Execute(context.Background(), "strict", map[string]any{"n": 3}, Context{}); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
}

func TestRegistryRejectsDuplicatesAndBadSchemas(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubTool{name: "a"}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if err := r.Register(&stubTool{name: "bad", schema: `{`}); err == nil {
		t.Fatal("invalid schema accepted")
	}
	if err := r.Register(&stubTool{name: ""}); err == nil {
		t.Fatal("empty name accepted")
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "ghost", nil, Context{})
	if err == nil || !strings.Contains(err.Error(), "tool not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestRegistryRecoversPanics(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{
		name: "bomb",
		execute: func(context.Context, map[string]any, Context) (string, error) {
			panic("kaboom")
		},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Execute(context.Background(), "bomb", nil, Context{})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("err = %v", err)
	}
}

func TestRegistryDefinitionsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name}); err != nil {
			t.Fatal(err)
		}
	}
	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Name != "zeta" || defs[1].Name != "alpha" || defs[2].Name != "mid" {
		t.Fatalf("definitions = %+v", defs)
	}
	// Names() sorts for display.
	names := r.Names()
	if names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Fatalf("names = %v", names)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "gone"}); err != nil {
		t.Fatal(err)
	}
	r.Unregister("gone")
	if _, ok := r.Get("gone"); ok {
		t.Fatal("tool still registered")
	}
	if len(r.Definitions()) != 0 {
		t.Fatal("definitions not empty")
	}
	// Unregistering twice is a no-op.
	r.Unregister("gone")
}

func TestDecodeInput(t *testing.T) {
	var params struct {
		Path  string `json:"path"`
		Count int    `json:"count"`
	}
	err := DecodeInput(map[string]any{"path": "a.txt", "count": 3}, &params)
	if err != nil {
		t.Fatal(err)
	}
	if params.Path != "a.txt" || params.Count != 3 {
		t.Fatalf("params = %+v", params)
	}
}
