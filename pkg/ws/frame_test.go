package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RejectsUntypedFrames(t *testing.T) {
	_, err := Parse([]byte(`{"content":"hi"}`))
	assert.ErrorContains(t, err, "missing type")

	_, err = Parse([]byte(`not json`))
	assert.ErrorContains(t, err, "invalid frame")

	f, err := Parse([]byte(`{"type":"user_message","content":"hi","role":"user"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameUserMessage, f.Type)
	assert.Equal(t, "hi", f.Content)
	assert.True(t, f.Type.Inbound())
	assert.False(t, FrameAssistantMessage.Inbound())
}

func TestFrame_OmitsUnusedFields(t *testing.T) {
	data, err := json.Marshal(NewSessionInfo("s1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session_info","session_id":"s1"}`, string(data))

	// A mid-stream token omits is_final; the terminal frame carries it.
	data, err = json.Marshal(NewAssistantMessage("s1", "Hi ", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"assistant_message","session_id":"s1","token":"Hi "}`, string(data))

	data, err = json.Marshal(NewAssistantMessage("s1", "", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"assistant_message","session_id":"s1","is_final":true}`, string(data))
}

func TestFrame_AgentSwitchedKeepsZeroConfidence(t *testing.T) {
	data, err := json.Marshal(NewAgentSwitched("s1", "orchestrator", "ask", "fallback", 0))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"confidence":0`)
}

func TestDispatcher_RoutesByFrameType(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(FrameUserMessage, func(_ context.Context, f *Frame) (*Frame, error) {
		return NewSessionInfo(f.SessionID), nil
	})
	d.RegisterFunc(FrameToolResult, func(_ context.Context, _ *Frame) (*Frame, error) {
		return nil, errors.New("boom")
	})

	reply, err := d.Dispatch(context.Background(), &Frame{Type: FrameUserMessage, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, FrameSessionInfo, reply.Type)

	_, err = d.Dispatch(context.Background(), &Frame{Type: FrameToolResult})
	assert.ErrorContains(t, err, "boom")

	// Unknown frame types come back as error frames, not errors.
	reply, err = d.Dispatch(context.Background(), &Frame{Type: "bogus", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, FrameError, reply.Type)
	assert.Contains(t, reply.Error, "unknown frame type")

	assert.True(t, d.HasHandler(FrameUserMessage))
	assert.False(t, d.HasHandler(FrameSwitchAgent))
}
