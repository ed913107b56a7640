// Package agent defines the closed set of specialist agents, their prompts,
// tool allow-lists, and file restrictions, plus the turn classifier that
// routes between them.
package agent

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in agent identifiers.
const (
	Orchestrator = "orchestrator"
	Coder        = "coder"
	Architect    = "architect"
	Debug        = "debug"
	Ask          = "ask"
)

// Definition describes one agent persona.
type Definition struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	AllowedTools []string `yaml:"allowed_tools"`
	// FilePatterns restricts which paths the agent's file tools may touch.
	// Empty means unrestricted.
	FilePatterns []string `yaml:"file_patterns"`
}

// AllowsTool reports whether the tool is on the agent's allow-list.
func (d *Definition) AllowsTool(name string) bool {
	for _, t := range d.AllowedTools {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// AllowsPath reports whether a file path passes the agent's restrictions.
// Patterns match against the path's base name, case-insensitively.
func (d *Definition) AllowsPath(p string) bool {
	if len(d.FilePatterns) == 0 {
		return true
	}
	base := strings.ToLower(path.Base(p))
	for _, pattern := range d.FilePatterns {
		if ok, err := path.Match(strings.ToLower(pattern), base); err == nil && ok {
			return true
		}
	}
	return false
}

// Registry holds the agent definitions. The set is closed at startup; a YAML
// file may override prompts and allow-lists but cannot invent agents that the
// router will never select.
type Registry struct {
	agents map[string]*Definition
}

// NewRegistry returns the built-in agents, with overrides applied from the
// YAML file at configPath when non-empty.
func NewRegistry(configPath string) (*Registry, error) {
	r := &Registry{agents: builtins()}
	if configPath != "" {
		if err := r.applyOverrides(configPath); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Get returns an agent definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	d, ok := r.agents[strings.ToLower(name)]
	return d, ok
}

// Names returns the agent identifiers, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// List returns all definitions, sorted by name.
func (r *Registry) List() []*Definition {
	out := make([]*Definition, 0, len(r.agents))
	for _, name := range r.Names() {
		out = append(out, r.agents[name])
	}
	return out
}

func (r *Registry) applyOverrides(configPath string) error {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read agent config: %w", err)
	}
	var overrides struct {
		Agents []Definition `yaml:"agents"`
	}
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("failed to parse agent config: %w", err)
	}
	for i := range overrides.Agents {
		o := overrides.Agents[i]
		name := strings.ToLower(o.Name)
		base, ok := r.agents[name]
		if !ok {
			return fmt.Errorf("unknown agent %q in config; the agent set is closed", o.Name)
		}
		if o.Description != "" {
			base.Description = o.Description
		}
		if o.SystemPrompt != "" {
			base.SystemPrompt = o.SystemPrompt
		}
		if len(o.AllowedTools) > 0 {
			base.AllowedTools = o.AllowedTools
		}
		if len(o.FilePatterns) > 0 {
			base.FilePatterns = o.FilePatterns
		}
	}
	return nil
}

func builtins() map[string]*Definition {
	return map[string]*Definition{
		Orchestrator: {
			Name:        Orchestrator,
			Description: "Routes requests to specialist agents and coordinates multi-step work.",
			SystemPrompt: "You are the orchestrator of a team of specialist coding agents. " +
				"Understand the user's request, answer simple questions directly, and hand " +
				"complex work to the right specialist.",
			AllowedTools: []string{"read_file", "list_files", "search_files"},
		},
		Coder: {
			Name:        Coder,
			Description: "Writes and modifies code.",
			SystemPrompt: "You are an expert software engineer. Implement the requested change " +
				"with minimal, correct edits. Read before you write. Prefer small diffs.",
			AllowedTools: []string{"read_file", "write_file", "list_files", "search_files", "execute_command"},
		},
		Architect: {
			Name:        Architect,
			Description: "Designs systems and produces technical plans.",
			SystemPrompt: "You are a software architect. Analyze the codebase and produce design " +
				"documents and plans. You may only write markdown files.",
			AllowedTools: []string{"read_file", "write_file", "list_files", "search_files"},
			FilePatterns: []string{"*.md"},
		},
		Debug: {
			Name:        Debug,
			Description: "Diagnoses failures and proposes fixes.",
			SystemPrompt: "You are a debugging specialist. Reproduce the failure, isolate the " +
				"cause, and propose the smallest fix. Show your reasoning from evidence.",
			AllowedTools: []string{"read_file", "list_files", "search_files", "execute_command"},
		},
		Ask: {
			Name:        Ask,
			Description: "Answers questions about the codebase without modifying it.",
			SystemPrompt: "You answer questions about the codebase. You never modify files. " +
				"Cite the files you base your answers on.",
			AllowedTools: []string{"read_file", "list_files", "search_files"},
		},
	}
}
