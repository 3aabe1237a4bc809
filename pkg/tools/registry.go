package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnknownTool means no tool is registered under the requested id.
var ErrUnknownTool = errors.New("unknown tool")

type entry struct {
	tool   Tool
	schema *jsonschema.Schema // nil when the tool declares no schema
}

// Registry maps tool ids to tools. Schemas are compiled once at
// registration; validation failures at call time surface as failed results
// in the interpreter.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool, compiling its args schema eagerly. An invalid schema
// is a programming error in the tool and rejects registration.
func (r *Registry) Register(t Tool) error {
	var compiled *jsonschema.Schema
	if raw := t.Schema(); len(raw) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("tool %s: failed to unmarshal schema: %w", t.ID(), err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("tool %s: failed to add schema resource: %w", t.ID(), err)
		}
		compiled, err = c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tool %s: failed to compile schema: %w", t.ID(), err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.ID()] = entry{tool: t, schema: compiled}
	return nil
}

// Get returns the tool registered under id.
func (r *Registry) Get(id string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", id, ErrUnknownTool)
	}
	return e.tool, nil
}

// ValidateArgs checks parsed args against the tool's compiled schema.
// Tools without a schema accept anything.
func (r *Registry) ValidateArgs(id string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool %q: %w", id, ErrUnknownTool)
	}
	if e.schema == nil {
		return nil
	}
	// Round-trip through JSON so numeric types match what the schema
	// library expects regardless of how the args were produced.
	normalized, err := normalizeArgs(args)
	if err != nil {
		return fmt.Errorf("tool %q: failed to normalize args: %w", id, err)
	}
	if err := e.schema.Validate(normalized); err != nil {
		return fmt.Errorf("tool %q args rejected by schema: %w", id, err)
	}
	return nil
}

// IDs returns all registered tool ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeArgs(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
