package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	maxReadBytes    = 256 * 1024
	maxSearchHits   = 200
	commandTimeout  = 60 * time.Second
	maxOutputBytes  = 64 * 1024
	truncatedMarker = "\n... [output truncated]"
)

// Workspace executes the built-in local tools rooted at a directory. Paths
// are resolved relative to the root and may not escape it.
type Workspace struct {
	root string
}

// NewWorkspace anchors the local tools at root.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Workspace{root: abs}, nil
}

// RegisterBuiltins adds the five local tools to the registry.
func (w *Workspace) RegisterBuiltins(r *Registry) error {
	for _, t := range []struct {
		decl    Declaration
		handler Handler
	}{
		{
			Declaration{
				Name:        "read_file",
				Description: "Read a file from the workspace.",
				Schema: json.RawMessage(`{
					"type": "object",
					"properties": {"path": {"type": "string", "description": "Workspace-relative file path"}},
					"required": ["path"]
				}`),
			},
			w.readFile,
		},
		{
			Declaration{
				Name:        "write_file",
				Description: "Create or overwrite a file in the workspace.",
				Schema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "Workspace-relative file path"},
						"content": {"type": "string", "description": "Full file content"}
					},
					"required": ["path", "content"]
				}`),
			},
			w.writeFile,
		},
		{
			Declaration{
				Name:        "list_files",
				Description: "List files under a workspace directory.",
				Schema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "Workspace-relative directory, default root"},
						"recursive": {"type": "boolean"}
					}
				}`),
			},
			w.listFiles,
		},
		{
			Declaration{
				Name:        "search_files",
				Description: "Search file contents with a regular expression.",
				Schema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"pattern": {"type": "string", "description": "Go regular expression"},
						"path": {"type": "string", "description": "Workspace-relative directory, default root"}
					},
					"required": ["pattern"]
				}`),
			},
			w.searchFiles,
		},
		{
			Declaration{
				Name:        "execute_command",
				Description: "Run a shell command in the workspace root.",
				Schema: json.RawMessage(`{
					"type": "object",
					"properties": {"command": {"type": "string", "description": "Shell command line"}},
					"required": ["command"]
				}`),
			},
			w.executeCommand,
		},
	} {
		if err := r.RegisterLocal(t.decl, t.handler); err != nil {
			return err
		}
	}
	return nil
}

// resolve maps a workspace-relative path to an absolute one, rejecting
// escapes.
func (w *Workspace) resolve(rel string) (string, error) {
	if rel == "" {
		return w.root, nil
	}
	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	abs = filepath.Clean(abs)
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

func (w *Workspace) readFile(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	abs, err := w.resolve(in.Path)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	if len(raw) > maxReadBytes {
		return string(raw[:maxReadBytes]) + truncatedMarker, nil
	}
	return string(raw), nil
}

func (w *Workspace) writeFile(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	abs, err := w.resolve(in.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(in.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

func (w *Workspace) listFiles(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", err
		}
	}
	abs, err := w.resolve(in.Path)
	if err != nil {
		return "", err
	}

	var lines []string
	if in.Recursive {
		err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && strings.HasPrefix(d.Name(), ".") && p != abs {
				return filepath.SkipDir
			}
			if !d.IsDir() {
				rel, _ := filepath.Rel(w.root, p)
				lines = append(lines, filepath.ToSlash(rel))
			}
			return nil
		})
	} else {
		var entries []os.DirEntry
		entries, err = os.ReadDir(abs)
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			lines = append(lines, name)
		}
	}
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "(empty)", nil
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Workspace) searchFiles(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	abs, err := w.resolve(in.Path)
	if err != nil {
		return "", err
	}

	var hits []string
	err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != abs {
				return filepath.SkipDir
			}
			return nil
		}
		raw, err := os.ReadFile(p)
		if err != nil || len(raw) > maxReadBytes {
			return nil
		}
		rel, _ := filepath.Rel(w.root, p)
		for i, line := range strings.Split(string(raw), "\n") {
			if re.MatchString(line) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", filepath.ToSlash(rel), i+1, strings.TrimSpace(line)))
				if len(hits) >= maxSearchHits {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no matches", nil
	}
	return strings.Join(hits, "\n"), nil
}

func (w *Workspace) executeCommand(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", fmt.Errorf("command is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
	cmd.Dir = w.root
	out, err := cmd.CombinedOutput()
	if len(out) > maxOutputBytes {
		out = append(out[:maxOutputBytes], []byte(truncatedMarker)...)
	}
	if err != nil {
		return fmt.Sprintf("%s\nexit error: %v", out, err), nil
	}
	return string(out), nil
}
