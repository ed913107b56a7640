package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Builtins(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	assert.Equal(t, []string{Architect, Ask, Coder, Debug, Orchestrator}, r.Names())

	coder, ok := r.Get("coder")
	require.True(t, ok)
	assert.True(t, coder.AllowsTool("write_file"))
	assert.True(t, coder.AllowsTool("EXECUTE_COMMAND"))
	assert.True(t, coder.AllowsPath("src/main.py"))

	ask, ok := r.Get("ask")
	require.True(t, ok)
	assert.False(t, ask.AllowsTool("write_file"))

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_ArchitectMarkdownOnly(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	architect, ok := r.Get(Architect)
	require.True(t, ok)
	assert.True(t, architect.AllowsPath("docs/design.md"))
	assert.True(t, architect.AllowsPath("README.MD"))
	assert.False(t, architect.AllowsPath("src/main.go"))
	assert.False(t, architect.AllowsPath("design.md.bak"))
}

func TestRegistry_YAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - name: coder
    system_prompt: "Custom coder prompt."
    allowed_tools: [read_file, write_file]
`), 0o644))

	r, err := NewRegistry(path)
	require.NoError(t, err)

	coder, ok := r.Get(Coder)
	require.True(t, ok)
	assert.Equal(t, "Custom coder prompt.", coder.SystemPrompt)
	assert.False(t, coder.AllowsTool("execute_command"))

	// Untouched agents keep their defaults.
	debug, ok := r.Get(Debug)
	require.True(t, ok)
	assert.True(t, debug.AllowsTool("execute_command"))
}

func TestRegistry_RejectsUnknownAgentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - name: hacker
    system_prompt: "nope"
`), 0o644))

	_, err := NewRegistry(path)
	assert.Error(t, err)
}
