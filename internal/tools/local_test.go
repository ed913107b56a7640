package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) (*Workspace, *Registry, string) {
	t.Helper()
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	require.NoError(t, err)
	r := NewRegistry()
	require.NoError(t, ws.RegisterBuiltins(r))
	return ws, r, root
}

func TestWorkspace_ReadWriteRoundTrip(t *testing.T) {
	ws, _, root := newTestWorkspace(t)
	ctx := context.Background()

	out, err := ws.writeFile(ctx, json.RawMessage(`{"path":"docs/note.md","content":"hello"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 5 bytes")

	raw, err := os.ReadFile(filepath.Join(root, "docs", "note.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))

	out, err = ws.readFile(ctx, json.RawMessage(`{"path":"docs/note.md"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestWorkspace_RejectsEscape(t *testing.T) {
	ws, _, _ := newTestWorkspace(t)
	ctx := context.Background()

	_, err := ws.readFile(ctx, json.RawMessage(`{"path":"../../etc/passwd"}`))
	assert.Error(t, err)

	_, err = ws.writeFile(ctx, json.RawMessage(`{"path":"../evil.sh","content":"x"}`))
	assert.Error(t, err)
}

func TestWorkspace_ListAndSearch(t *testing.T) {
	ws, _, root := newTestWorkspace(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.go"), []byte("package main\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("# hi\n"), 0o644))

	out, err := ws.listFiles(ctx, json.RawMessage(`{"recursive":true}`))
	require.NoError(t, err)
	assert.Contains(t, out, "src/a.go")
	assert.Contains(t, out, "readme.md")

	out, err = ws.searchFiles(ctx, json.RawMessage(`{"pattern":"func main"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "src/a.go:2")

	out, err = ws.searchFiles(ctx, json.RawMessage(`{"pattern":"nothing_matches_this"}`))
	require.NoError(t, err)
	assert.Equal(t, "no matches", out)

	_, err = ws.searchFiles(ctx, json.RawMessage(`{"pattern":"(unclosed"}`))
	assert.Error(t, err)
}

func TestWorkspace_ExecuteCommand(t *testing.T) {
	ws, _, _ := newTestWorkspace(t)
	ctx := context.Background()

	out, err := ws.executeCommand(ctx, json.RawMessage(`{"command":"echo hello"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	// Non-zero exit is reported in the reply, not as a Go error.
	out, err = ws.executeCommand(ctx, json.RawMessage(`{"command":"exit 3"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "exit error")
}

func TestRegistry_SchemaValidation(t *testing.T) {
	_, r, _ := newTestWorkspace(t)

	decl, ok := r.Get("read_file")
	require.True(t, ok)

	assert.NoError(t, decl.ValidateArgs(json.RawMessage(`{"path":"a.go"}`)))
	assert.Error(t, decl.ValidateArgs(json.RawMessage(`{}`)), "path is required")
	assert.Error(t, decl.ValidateArgs(json.RawMessage(`{"path":42}`)))
	assert.Error(t, decl.ValidateArgs(json.RawMessage(`not json`)))
}

func TestRegistry_Manifest(t *testing.T) {
	_, r, _ := newTestWorkspace(t)

	all := r.Manifest(nil)
	assert.Len(t, all, 5)

	limited := r.Manifest([]string{"read_file", "list_files"})
	require.Len(t, limited, 2)
	assert.Equal(t, "list_files", limited[0].Name)
	assert.Equal(t, "read_file", limited[1].Name)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	_, r, _ := newTestWorkspace(t)
	err := r.RegisterRemote(Declaration{Name: "read_file"})
	assert.Error(t, err)
}
