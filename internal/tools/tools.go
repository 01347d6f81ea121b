// Package tools defines the tool contract consumed by the agent loop and a
// registry that validates tool inputs against their JSON schemas before
// dispatch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strandlabs/strand/internal/providers"
)

// Context carries the per-run environment a tool executes in. Cancellation
// travels on the context.Context passed to Execute.
type Context struct {
	WorkspaceDir string
	SessionKey   string
	AgentID      string
	RunID        string
	Metadata     map[string]string
}

// Tool is one executable capability offered to the model.
//
// Execute returns the tool_result content. A returned error is converted by
// the loop into an error-prefixed tool_result rather than failing the run.
type Tool interface {
	// Name is the function name exposed to the model.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON Schema for the tool's input object.
	Schema() json.RawMessage

	// Execute runs the tool. input is the decoded arguments object.
	Execute(ctx context.Context, input map[string]any, tc Context) (string, error)
}

// Registry holds registered tools with their compiled schemas.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema. Registering a name twice or a
// tool with an invalid schema is rejected.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tools: tool has empty name")
	}
	schema := tool.Schema()
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: %s already registered", name)
	}
	r.order = append(r.order, name)
	r.tools[name] = tool
	r.schemas[name] = compiled
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	delete(r.schemas, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Definitions returns provider-facing tool definitions in registration
// order, which is the order they are presented to the model.
func (r *Registry) Definitions() []providers.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, providers.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// Execute validates the input against the tool's schema and runs it. Tool
// panics are recovered into errors so one misbehaving tool cannot take down
// the run.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, tc Context) (content string, err error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	if err := validateInput(schema, input); err != nil {
		return "", err
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()
	return tool.Execute(ctx, input, tc)
}

// validateInput round-trips the arguments through JSON so the value shape
// matches what the schema compiler expects, then validates.
func validateInput(schema *jsonschema.Schema, input map[string]any) error {
	if schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode tool input: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode tool input: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

// DecodeInput unmarshals a tool's arguments map into a typed parameter
// struct.
func DecodeInput(input map[string]any, dst any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}
