// Package tools declares the callable tools, validates their arguments
// against JSON schemas, and dispatches tool calls to local handlers or the
// IDE-side remote bridge.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/devrelay/devrelay/internal/llm"
)

// Handler executes a local tool. The returned string becomes the tool
// message content.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Declaration is a static tool definition.
type Declaration struct {
	Name        string
	Description string
	// Schema is the JSON-schema document for the arguments object.
	Schema json.RawMessage
	// Remote tools execute on the IDE across the transport edge.
	Remote bool

	compiled *jsonschema.Schema
}

// Registry holds the tool declarations and local handlers.
type Registry struct {
	mu       sync.RWMutex
	decls    map[string]*Declaration
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		decls:    make(map[string]*Declaration),
		handlers: make(map[string]Handler),
	}
}

// RegisterLocal adds a locally-executed tool.
func (r *Registry) RegisterLocal(decl Declaration, h Handler) error {
	if h == nil {
		return fmt.Errorf("tool %s: nil handler", decl.Name)
	}
	decl.Remote = false
	if err := r.register(&decl); err != nil {
		return err
	}
	r.mu.Lock()
	r.handlers[strings.ToLower(decl.Name)] = h
	r.mu.Unlock()
	return nil
}

// RegisterRemote adds a tool executed on the IDE.
func (r *Registry) RegisterRemote(decl Declaration) error {
	decl.Remote = true
	return r.register(&decl)
}

func (r *Registry) register(decl *Declaration) error {
	if decl.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(decl.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		url := "tool://" + decl.Name
		if err := compiler.AddResource(url, strings.NewReader(string(decl.Schema))); err != nil {
			return fmt.Errorf("tool %s: invalid schema: %w", decl.Name, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s: schema does not compile: %w", decl.Name, err)
		}
		decl.compiled = compiled
	}

	key := strings.ToLower(decl.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decls[key]; exists {
		return fmt.Errorf("tool %s already registered", decl.Name)
	}
	r.decls[key] = decl
	return nil
}

// Get returns a declaration by name, case-insensitively.
func (r *Registry) Get(name string) (*Declaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decls[strings.ToLower(name)]
	return d, ok
}

func (r *Registry) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(name)]
	return h, ok
}

// ValidateArgs checks an argument payload against the tool's schema.
func (d *Declaration) ValidateArgs(args json.RawMessage) error {
	if d.compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v interface{}
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := d.compiled.Validate(v); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

// Manifest returns the tool definitions visible to the given allow-list, for
// inclusion in LLM requests. A nil allow-list exposes everything.
func (r *Registry) Manifest(allowed []string) []llm.ToolDefinition {
	allowSet := map[string]bool{}
	for _, name := range allowed {
		allowSet[strings.ToLower(name)] = true
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.decls))
	for name := range r.decls {
		if allowed == nil || allowSet[name] {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		d, _ := r.Get(name)
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema,
		})
	}
	return out
}
