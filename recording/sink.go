// Package recording persists committed conversation messages and tool call
// outcomes for audit and replay. Callers depend only on the Sink interface;
// the storage format belongs to each implementation.
package recording

import (
	"context"
	"time"

	"google.golang.org/genai"
)

// MessageRecord is a committed user or model message.
type MessageRecord struct {
	SessionID string         `json:"session_id"`
	PromptID  string         `json:"prompt_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Role      string         `json:"role"`
	Content   *genai.Content `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolCallRecord is the terminal state of one tool call.
type ToolCallRecord struct {
	SessionID string         `json:"session_id"`
	PromptID  string         `json:"prompt_id,omitempty"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	Status    string         `json:"status"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives copies of committed messages and tool call records.
type Sink interface {
	RecordMessage(ctx context.Context, rec MessageRecord) error
	RecordToolCalls(ctx context.Context, recs []ToolCallRecord) error
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordMessage(context.Context, MessageRecord) error      { return nil }
func (NopSink) RecordToolCalls(context.Context, []ToolCallRecord) error { return nil }
func (NopSink) Close() error                                            { return nil }

var _ Sink = NopSink{}
