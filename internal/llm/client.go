package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/config"
	"github.com/devrelay/devrelay/internal/common/logger"
)

// StreamReader is the consumer side of a completion stream. Recv returns
// io.EOF after the ChunkDone chunk; Close abandons the stream and tears down
// the upstream connection.
type StreamReader interface {
	Recv() (Chunk, error)
	Close() error
}

// Client streams completions. The stream must be Closed (or drained to EOF)
// by the caller.
type Client interface {
	Stream(ctx context.Context, req Request) (StreamReader, error)
}

// retryBackoff is the attempt schedule: 0.5s, 1s, 2s, each with jitter.
var retryBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// OpenAIClient talks to any OpenAI-compatible endpoint.
type OpenAIClient struct {
	api         *openai.Client
	model       string
	temperature float64
	timeout     time.Duration
	maxRetries  int
	breaker     *Breaker
	logger      *logger.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds the client from config.
func NewOpenAIClient(cfg config.LLMConfig, log *logger.Logger) *OpenAIClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = len(retryBackoff)
	}

	return &OpenAIClient{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.RequestTimeoutDuration(),
		maxRetries:  maxRetries,
		breaker:     NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldownDuration()),
		logger:      log.WithFields(zap.String("component", "llm_client")),
	}
}

// Stream opens a streaming completion, retrying connection establishment with
// bounded exponential backoff. Mid-stream failures are not retried; the
// caller sees them from Recv.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (StreamReader, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toAPIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if apiReq.Temperature == 0 {
		apiReq.Temperature = float32(c.temperature)
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	// The per-call timeout lives for the whole stream; its cancel is handed
	// to the Stream so Close releases it. An earlier deadline on the caller's
	// context still wins; the per-call bound only ever tightens it.
	cancel := func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(attempt - 1)):
			case <-ctx.Done():
				cancel()
				return nil, ctx.Err()
			}
		}

		raw, err := c.api.CreateChatCompletionStream(ctx, apiReq)
		if err == nil {
			c.breaker.Success()
			return newStream(raw, cancel), nil
		}
		lastErr = err
		c.logger.Warn("llm stream attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("model", model),
			zap.Error(err))

		if ctx.Err() != nil {
			cancel()
			return nil, ctx.Err()
		}
	}

	cancel()
	c.breaker.Failure()
	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.maxRetries, lastErr)
}

// backoffDelay returns the schedule entry plus up to 25% jitter.
func backoffDelay(i int) time.Duration {
	if i >= len(retryBackoff) {
		i = len(retryBackoff) - 1
	}
	base := retryBackoff[i]
	return base + time.Duration(rand.Int63n(int64(base)/4+1))
}

func toAPIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		am := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			am.ToolCalls = append(am.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, am)
	}
	return out
}
