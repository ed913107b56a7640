package llm

import (
	"encoding/json"
	"errors"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// rawStream is the slice of openai.ChatCompletionStream the coalescer needs.
type rawStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Stream yields normalized chunks for one completion. Recv returns io.EOF
// after the ChunkDone chunk has been delivered.
type Stream struct {
	raw     rawStream
	cancel  func()
	pending []Chunk
	acc     map[int]*toolCallAcc
	usage   *Usage
	done    bool
	eof     bool
}

type toolCallAcc struct {
	index int
	id    string
	name  string
	args  []byte
}

func newStream(raw rawStream, cancel func()) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	return &Stream{raw: raw, cancel: cancel, acc: make(map[int]*toolCallAcc)}
}

// Recv returns the next chunk. Text deltas pass through as they arrive; tool
// call fragments are held back and emitted whole once the provider finishes.
func (s *Stream) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.eof {
			return Chunk{}, io.EOF
		}
		if s.done {
			s.eof = true
			return Chunk{Kind: ChunkDone}, nil
		}

		resp, err := s.raw.Recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			continue
		}
		if err != nil {
			s.eof = true
			return Chunk{}, err
		}

		if resp.Usage != nil {
			s.usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			a, ok := s.acc[idx]
			if !ok {
				a = &toolCallAcc{index: idx}
				s.acc[idx] = a
			}
			if tc.ID != "" {
				a.id = tc.ID
			}
			if tc.Function.Name != "" {
				a.name += tc.Function.Name
			}
			a.args = append(a.args, tc.Function.Arguments...)
		}

		if delta.Content != "" {
			return Chunk{Kind: ChunkDelta, Delta: delta.Content}, nil
		}
	}
}

// finish queues the coalesced tool calls, usage, and the done marker.
func (s *Stream) finish() {
	accs := make([]*toolCallAcc, 0, len(s.acc))
	for _, a := range s.acc {
		accs = append(accs, a)
	}
	sort.Slice(accs, func(i, j int) bool { return accs[i].index < accs[j].index })

	for _, a := range accs {
		args := a.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		s.pending = append(s.pending, Chunk{
			Kind: ChunkToolCall,
			ToolCall: &ToolCall{
				ID:        a.id,
				Name:      a.name,
				Arguments: json.RawMessage(args),
			},
		})
	}
	s.acc = make(map[int]*toolCallAcc)

	if s.usage != nil {
		s.pending = append(s.pending, Chunk{Kind: ChunkUsage, Usage: s.usage})
	}
	s.done = true
}

// Close tears down the upstream connection. Safe to call at any point; the
// contract for abandoned streams.
func (s *Stream) Close() error {
	s.eof = true
	s.cancel()
	return s.raw.Close()
}
