package agent

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/llm"
)

// Classification is the routing verdict for one user turn.
type Classification struct {
	IsAtomic   bool    `json:"is_atomic"`
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

const classifierPrompt = `You route user requests to one of these agents: coder (writes or modifies code), architect (designs systems, writes plans), debug (diagnoses failures), ask (answers questions without modifying anything), orchestrator (coordinates multi-step work spanning several agents).

Reply with ONLY a JSON object, no prose, no code fences:
{"is_atomic": bool, "agent": "<name>", "confidence": 0.0-1.0, "reason": "<short>"}

is_atomic is true when a single agent can handle the request in one pass.`

// Classifier decides which agent should handle a turn. It asks the LLM with a
// JSON-only prompt and falls back to keyword heuristics when the reply does
// not parse.
type Classifier struct {
	client   llm.Client
	registry *Registry
	model    string
	logger   *logger.Logger
}

// NewClassifier wires the classifier. model may be empty to use the client's
// default.
func NewClassifier(client llm.Client, registry *Registry, model string, log *logger.Logger) *Classifier {
	return &Classifier{
		client:   client,
		registry: registry,
		model:    model,
		logger:   log.WithFields(zap.String("component", "classifier")),
	}
}

// Classify routes one user message.
func (c *Classifier) Classify(ctx context.Context, userMessage string) Classification {
	reply, err := c.complete(ctx, userMessage)
	if err != nil {
		c.logger.Warn("classification call failed, using keyword fallback", zap.Error(err))
		return c.keywordClassify(userMessage)
	}

	parsed, err := parseClassification(reply)
	if err != nil {
		c.logger.Warn("classification reply did not parse, using keyword fallback",
			zap.String("reply", truncate(reply, 200)), zap.Error(err))
		return c.keywordClassify(userMessage)
	}
	if _, ok := c.registry.Get(parsed.Agent); !ok {
		c.logger.Warn("classifier picked unknown agent, using keyword fallback",
			zap.String("agent", parsed.Agent))
		return c.keywordClassify(userMessage)
	}
	return parsed
}

func (c *Classifier) complete(ctx context.Context, userMessage string) (string, error) {
	stream, err := c.client.Stream(ctx, llm.Request{
		Model: c.model,
		Messages: []llm.Message{
			{Role: "system", Content: classifierPrompt},
			{Role: "user", Content: userMessage},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = stream.Close() }()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if chunk.Kind == llm.ChunkDelta {
			sb.WriteString(chunk.Delta)
		}
		if chunk.Kind == llm.ChunkDone {
			break
		}
	}
	return sb.String(), nil
}

// parseClassification accepts bare JSON and JSON wrapped in markdown fences.
func parseClassification(reply string) (Classification, error) {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	var out Classification
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return Classification{}, err
	}
	out.Agent = strings.ToLower(strings.TrimSpace(out.Agent))
	return out, nil
}

// keyword groups, checked in order; first hit wins.
var keywordRoutes = []struct {
	agent    string
	keywords []string
}{
	{Debug, []string{"error", "bug", "crash", "traceback", "exception", "broken", "fails", "failing", "stack trace"}},
	{Architect, []string{"design", "architecture", "architect", "plan ", "structure", "diagram", "adr"}},
	{Coder, []string{"implement", "refactor", "write", "add ", "fix ", "create", "code", "function", "test"}},
	{Ask, []string{"what", "how", "why", "where", "explain", "describe", "?"}},
}

func (c *Classifier) keywordClassify(userMessage string) Classification {
	lower := strings.ToLower(userMessage)
	for _, route := range keywordRoutes {
		for _, kw := range route.keywords {
			if strings.Contains(lower, kw) {
				return Classification{
					IsAtomic:   true,
					Agent:      route.agent,
					Confidence: 0.3,
					Reason:     "keyword match: " + strings.TrimSpace(kw),
				}
			}
		}
	}
	return Classification{
		IsAtomic:   true,
		Agent:      Ask,
		Confidence: 0.1,
		Reason:     "no keyword matched",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
