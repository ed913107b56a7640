package llm

import (
	"errors"
	"io"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRaw replays a scripted provider stream.
type fakeRaw struct {
	responses []openai.ChatCompletionStreamResponse
	err       error
	closed    bool
}

func (f *fakeRaw) Recv() (openai.ChatCompletionStreamResponse, error) {
	if len(f.responses) == 0 {
		if f.err != nil {
			return openai.ChatCompletionStreamResponse{}, f.err
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeRaw) Close() error {
	f.closed = true
	return nil
}

func contentDelta(text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: text}},
		},
	}
}

func toolCallDelta(index int, id, name, args string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &index,
					ID:       id,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			}},
		},
	}
}

func drain(t *testing.T, s *Stream) []Chunk {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
}

func TestStream_TextDeltasPassThrough(t *testing.T) {
	s := newStream(&fakeRaw{responses: []openai.ChatCompletionStreamResponse{
		contentDelta("Hel"),
		contentDelta("lo"),
	}}, nil)

	chunks := drain(t, s)
	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkDelta, chunks[0].Kind)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, "lo", chunks[1].Delta)
	assert.Equal(t, ChunkDone, chunks[2].Kind)
}

func TestStream_CoalescesFragmentedToolCalls(t *testing.T) {
	s := newStream(&fakeRaw{responses: []openai.ChatCompletionStreamResponse{
		contentDelta("Let me check. "),
		toolCallDelta(0, "call_1", "read_file", `{"pa`),
		toolCallDelta(0, "", "", `th":"a.go"}`),
		toolCallDelta(1, "call_2", "list_files", ""),
	}}, nil)

	chunks := drain(t, s)
	require.Len(t, chunks, 4)

	assert.Equal(t, ChunkDelta, chunks[0].Kind)

	require.Equal(t, ChunkToolCall, chunks[1].Kind)
	assert.Equal(t, "call_1", chunks[1].ToolCall.ID)
	assert.Equal(t, "read_file", chunks[1].ToolCall.Name)
	assert.JSONEq(t, `{"path":"a.go"}`, string(chunks[1].ToolCall.Arguments))

	require.Equal(t, ChunkToolCall, chunks[2].Kind)
	assert.Equal(t, "call_2", chunks[2].ToolCall.ID)
	// Empty argument bodies normalize to an empty object.
	assert.JSONEq(t, `{}`, string(chunks[2].ToolCall.Arguments))

	assert.Equal(t, ChunkDone, chunks[3].Kind)
}

func TestStream_UsageBeforeDone(t *testing.T) {
	s := newStream(&fakeRaw{responses: []openai.ChatCompletionStreamResponse{
		contentDelta("hi"),
		{Usage: &openai.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
	}}, nil)

	chunks := drain(t, s)
	require.Len(t, chunks, 3)
	require.Equal(t, ChunkUsage, chunks[1].Kind)
	assert.Equal(t, 10, chunks[1].Usage.PromptTokens)
	assert.Equal(t, 12, chunks[1].Usage.TotalTokens)
	assert.Equal(t, ChunkDone, chunks[2].Kind)
}

func TestStream_MidStreamErrorSurfaces(t *testing.T) {
	wantErr := errors.New("connection reset")
	s := newStream(&fakeRaw{
		responses: []openai.ChatCompletionStreamResponse{contentDelta("par")},
		err:       wantErr,
	}, nil)

	c, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "par", c.Delta)

	_, err = s.Recv()
	assert.ErrorIs(t, err, wantErr)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_CloseCancelsUpstream(t *testing.T) {
	raw := &fakeRaw{responses: []openai.ChatCompletionStreamResponse{contentDelta("x")}}
	cancelled := false
	s := newStream(raw, func() { cancelled = true })

	require.NoError(t, s.Close())
	assert.True(t, raw.closed)
	assert.True(t, cancelled)

	_, err := s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestBreaker_OpensAndHalfOpens(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.Failure()
	b.Failure()
	require.NoError(t, b.Allow())
	b.Failure()

	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Cooldown elapses: one trial is admitted.
	now = now.Add(time.Minute)
	require.NoError(t, b.Allow())

	// Trial failure reopens immediately.
	b.Failure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Trial success closes.
	now = now.Add(time.Minute)
	require.NoError(t, b.Allow())
	b.Success()
	require.NoError(t, b.Allow())
	b.Failure()
	require.NoError(t, b.Allow(), "a single failure after reset must not open")
}
