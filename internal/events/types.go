// Package events defines the typed event model shared across the runtime.
package events

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version stamped on new events.
const SchemaVersion = 1

// Category groups event types for coarse-grained subscriptions.
type Category string

const (
	CategoryAgent    Category = "agent"
	CategorySession  Category = "session"
	CategoryTool     Category = "tool"
	CategoryApproval Category = "approval"
	CategoryLLM      Category = "llm"
	CategorySystem   Category = "system"
	CategoryMetrics  Category = "metrics"
)

// Type is a closed enumeration of event types.
type Type string

// Agent events
const (
	AgentSwitched            Type = "agent.switched"
	AgentProcessingStarted   Type = "agent.processing_started"
	AgentProcessingCompleted Type = "agent.processing_completed"
	AgentErrorOccurred       Type = "agent.error_occurred"
)

// Session events
const (
	SessionCreated  Type = "session.created"
	SessionDeleted  Type = "session.deleted"
	MessageAppended Type = "session.message_appended"
)

// Tool events
const (
	ToolCallStarted      Type = "tool.call_started"
	ToolCallCompleted    Type = "tool.call_completed"
	ToolCallFailed       Type = "tool.call_failed"
	ToolApprovalRequired Type = "tool.approval_required"
)

// Approval events
const (
	ApprovalRequested Type = "approval.requested"
	ApprovalApproved  Type = "approval.approved"
	ApprovalRejected  Type = "approval.rejected"
)

// LLM events
const (
	LLMRequestStarted   Type = "llm.request_started"
	LLMRequestCompleted Type = "llm.request_completed"
	LLMRequestFailed    Type = "llm.request_failed"
)

// System events
const (
	SystemStarted  Type = "system.started"
	SystemShutdown Type = "system.shutdown"
)

// Metrics events
const (
	MetricsSnapshot Type = "metrics.snapshot"
)

// typeCategories maps every known event type to its category. Publish
// rejects events whose type is absent from this table.
var typeCategories = map[Type]Category{
	AgentSwitched:            CategoryAgent,
	AgentProcessingStarted:   CategoryAgent,
	AgentProcessingCompleted: CategoryAgent,
	AgentErrorOccurred:       CategoryAgent,

	SessionCreated:  CategorySession,
	SessionDeleted:  CategorySession,
	MessageAppended: CategorySession,

	ToolCallStarted:      CategoryTool,
	ToolCallCompleted:    CategoryTool,
	ToolCallFailed:       CategoryTool,
	ToolApprovalRequired: CategoryTool,

	ApprovalRequested: CategoryApproval,
	ApprovalApproved:  CategoryApproval,
	ApprovalRejected:  CategoryApproval,

	LLMRequestStarted:   CategoryLLM,
	LLMRequestCompleted: CategoryLLM,
	LLMRequestFailed:    CategoryLLM,

	SystemStarted:  CategorySystem,
	SystemShutdown: CategorySystem,

	MetricsSnapshot: CategoryMetrics,
}

// CategoryOf returns the category for a known event type.
func CategoryOf(t Type) (Category, bool) {
	c, ok := typeCategories[t]
	return c, ok
}

// Event is an immutable record published on the in-process bus.
// Subscribers receive the same pointer and must not mutate it.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	Category      Category               `json:"category"`
	Timestamp     time.Time              `json:"timestamp"`
	SessionID     string                 `json:"session_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Source        string                 `json:"source"`
	SchemaVersion int                    `json:"schema_version"`
}

// Option customizes a new event.
type Option func(*Event)

// WithSessionID attaches the originating session id.
func WithSessionID(sessionID string) Option {
	return func(e *Event) { e.SessionID = sessionID }
}

// WithCorrelationID attaches the turn-wide correlation id.
func WithCorrelationID(correlationID string) Option {
	return func(e *Event) { e.CorrelationID = correlationID }
}

// WithCausationID attaches the id of the event that caused this one.
func WithCausationID(causationID string) Option {
	return func(e *Event) { e.CausationID = causationID }
}

// New creates a new event with a UUID and current timestamp.
// The category is derived from the type; unknown types yield an event with
// an empty category, which the bus rejects at publish.
func New(eventType Type, source string, payload map[string]interface{}, opts ...Option) *Event {
	category, _ := typeCategories[eventType]
	e := &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Category:      category,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		Source:        source,
		SchemaVersion: SchemaVersion,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
