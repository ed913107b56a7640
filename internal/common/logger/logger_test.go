package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEntries parses the JSON log lines written to path.
func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		out = append(out, entry)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestLogger_SessionAndAgentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.WithSessionID("s1").WithAgent("coder").Info("turn routed")
	require.NoError(t, log.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0]["session_id"])
	assert.Equal(t, "coder", entries[0]["agent"])
	assert.Equal(t, "turn routed", entries[0]["msg"])
}

func TestLogger_WithContextCorrelation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), CorrelationIDKey, "corr-1")
	log.WithContext(ctx).Info("correlated")

	// A context without the keys adds nothing.
	log.WithContext(context.Background()).Info("bare")
	require.NoError(t, log.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "corr-1", entries[0]["correlation_id"])
	_, ok := entries[1]["correlation_id"]
	assert.False(t, ok)
}
