package chat

import (
	"fmt"
	"time"

	"google.golang.org/genai"
)

// EventKind discriminates stream events.
type EventKind int

const (
	// EventChunk carries a piece of the model response.
	EventChunk EventKind = iota
	// EventRetry is an inline retry notice, or the terminal failure of the
	// send when RetryInfo.Terminal is set.
	EventRetry
	// EventWarning is a user-visible notice such as a context trim.
	EventWarning
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventRetry:
		return "retry"
	case EventWarning:
		return "warning"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// StreamEvent is one item of a send's event sequence. Exactly one of Chunk,
// Retry or Warning is set, matching Kind.
type StreamEvent struct {
	Kind    EventKind
	Chunk   *genai.GenerateContentResponse
	Retry   *RetryInfo
	Warning string
}

// RetryInfo describes a retry notice or a terminal failure.
type RetryInfo struct {
	Attempt        int
	MaxAttempts    int
	Delay          time.Duration
	Model          string
	Fallback       bool
	Reason         string
	QuotaSuspected bool

	// Terminal marks the end of the send without a valid response.
	Terminal bool
	Failure  *Failure

	Err error
}

// Message renders the notice for a user.
func (r *RetryInfo) Message() string {
	if r.Terminal && r.Failure != nil {
		return r.Failure.Explanation()
	}
	if r.Reason == "fallback" {
		return fmt.Sprintf("Switching to fallback model %s.", r.Model)
	}
	msg := fmt.Sprintf("Model response was invalid (%s). Retrying in %s (attempt %d of %d).",
		r.Reason, r.Delay, r.Attempt+1, r.MaxAttempts)
	if r.QuotaSuspected {
		msg += " Repeated empty responses in fallback mode suggest the quota may be exhausted."
	}
	return msg
}

func chunkEvent(resp *genai.GenerateContentResponse) StreamEvent {
	return StreamEvent{Kind: EventChunk, Chunk: resp}
}

func retryEvent(info RetryInfo) StreamEvent {
	return StreamEvent{Kind: EventRetry, Retry: &info}
}

func warningEvent(msg string) StreamEvent {
	return StreamEvent{Kind: EventWarning, Warning: msg}
}

// ResponseText concatenates the non-thought text of the first candidate.
func ResponseText(resp *genai.GenerateContentResponse) string {
	var out string
	for _, p := range responseParts(resp) {
		if p != nil && !p.Thought {
			out += p.Text
		}
	}
	return out
}

// FunctionCalls returns the function calls of the first candidate.
func FunctionCalls(resp *genai.GenerateContentResponse) []*genai.FunctionCall {
	var calls []*genai.FunctionCall
	for _, p := range responseParts(resp) {
		if p != nil && p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

func responseParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content.Parts
}

func finishReasonOf(resp *genai.GenerateContentResponse) genai.FinishReason {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	return resp.Candidates[0].FinishReason
}
