package agent

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/llm"
)

// scriptedClient returns a fixed reply, or an error.
type scriptedClient struct {
	reply string
	err   error
}

type scriptedStream struct {
	chunks []llm.Chunk
}

func (s *scriptedStream) Recv() (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptedStream) Close() error { return nil }

func (c *scriptedClient) Stream(_ context.Context, _ llm.Request) (llm.StreamReader, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &scriptedStream{chunks: []llm.Chunk{
		{Kind: llm.ChunkDelta, Delta: c.reply},
		{Kind: llm.ChunkDone},
	}}, nil
}

func newTestClassifier(t *testing.T, client llm.Client) *Classifier {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	r, err := NewRegistry("")
	require.NoError(t, err)
	return NewClassifier(client, r, "", log)
}

func TestClassifier_ParsesLLMVerdict(t *testing.T) {
	c := newTestClassifier(t, &scriptedClient{
		reply: `{"is_atomic": true, "agent": "coder", "confidence": 0.92, "reason": "implementation request"}`,
	})

	out := c.Classify(context.Background(), "refactor main.py")
	assert.True(t, out.IsAtomic)
	assert.Equal(t, Coder, out.Agent)
	assert.InDelta(t, 0.92, out.Confidence, 0.001)
}

func TestClassifier_StripsCodeFences(t *testing.T) {
	c := newTestClassifier(t, &scriptedClient{
		reply: "```json\n{\"is_atomic\": true, \"agent\": \"Debug\", \"confidence\": 0.8, \"reason\": \"crash\"}\n```",
	})

	out := c.Classify(context.Background(), "it crashes on startup")
	assert.Equal(t, Debug, out.Agent)
}

func TestClassifier_FallsBackOnGarbage(t *testing.T) {
	c := newTestClassifier(t, &scriptedClient{reply: "I think the coder should handle this one."})

	out := c.Classify(context.Background(), "please implement a parser")
	assert.Equal(t, Coder, out.Agent)
	assert.Contains(t, out.Reason, "keyword")
}

func TestClassifier_FallsBackOnLLMError(t *testing.T) {
	c := newTestClassifier(t, &scriptedClient{err: errors.New("provider down")})

	out := c.Classify(context.Background(), "why does the build fail with this error?")
	assert.Equal(t, Debug, out.Agent)
}

func TestClassifier_FallsBackOnUnknownAgent(t *testing.T) {
	c := newTestClassifier(t, &scriptedClient{
		reply: `{"is_atomic": true, "agent": "janitor", "confidence": 0.9, "reason": "x"}`,
	})

	out := c.Classify(context.Background(), "what does this module do?")
	assert.Equal(t, Ask, out.Agent)
}

func TestKeywordClassify_Defaults(t *testing.T) {
	c := newTestClassifier(t, &scriptedClient{err: errors.New("down")})

	out := c.Classify(context.Background(), "hmm")
	assert.Equal(t, Ask, out.Agent)
	assert.Equal(t, "no keyword matched", out.Reason)
}
