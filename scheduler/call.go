package scheduler

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/ongas/gemini-cli-sub000/tools"
)

// Status is the lifecycle state of a tool call.
type Status string

const (
	StatusValidating       Status = "validating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusScheduled        Status = "scheduled"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// Request is a tool call the model asked for.
type Request struct {
	CallID   string
	Name     string
	Args     map[string]any
	PromptID string
}

// RequestFromFunctionCall converts a model function call.
func RequestFromFunctionCall(fc *genai.FunctionCall, promptID string) Request {
	return Request{CallID: fc.ID, Name: fc.Name, Args: fc.Args, PromptID: promptID}
}

// Call is a snapshot of a scheduled tool call. Snapshots are copies; changing
// one does not affect the scheduler.
type Call struct {
	Request      Request
	Status       Status
	Kind         tools.Kind
	Confirmation *tools.Confirmation
	Outcome      Outcome
	LiveOutput   string

	// Set once terminal.
	Result   string
	Display  string
	Err      error
	Response *genai.Part
	Duration time.Duration
}

// Outcome is a user's answer to a confirmation prompt.
type Outcome string

const (
	OutcomeProceedOnce       Outcome = "proceed_once"
	OutcomeProceedAlways     Outcome = "proceed_always"
	OutcomeProceedAlwaysTool Outcome = "proceed_always_tool"
	OutcomeModifyWithEditor  Outcome = "modify_with_editor"
	OutcomeCancel            Outcome = "cancel"
)

// Modification carries user-edited content for OutcomeModifyWithEditor. When
// nil the scheduler asks its Editor instead.
type Modification struct {
	NewContent string
}

// Editor lets a user rewrite a proposed file change. It returns the content
// the file should end up with.
type Editor interface {
	Edit(ctx context.Context, proposal *tools.Confirmation) (string, error)
}

// EditorFunc adapts a function to Editor.
type EditorFunc func(ctx context.Context, proposal *tools.Confirmation) (string, error)

// Edit calls f.
func (f EditorFunc) Edit(ctx context.Context, proposal *tools.Confirmation) (string, error) {
	return f(ctx, proposal)
}

// Approver answers confirmation prompts as they arise. An error resolves the
// call to StatusError.
type Approver interface {
	Approve(ctx context.Context, call Call) (Outcome, *Modification, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, call Call) (Outcome, *Modification, error)

// Approve calls f.
func (f ApproverFunc) Approve(ctx context.Context, call Call) (Outcome, *Modification, error) {
	return f(ctx, call)
}

// call is the scheduler's mutable record of one tool call.
type call struct {
	req          Request
	status       Status
	tool         tools.Tool
	confirmation *tools.Confirmation
	outcome      Outcome
	liveOutput   []byte
	result       tools.Result
	err          error
	started      time.Time
	duration     time.Duration
	response     *genai.Part
	// asked is set when the approver has been invoked for the current
	// proposal.
	asked bool
}

func (c *call) snapshot() Call {
	out := Call{
		Request:    cloneRequest(c.req),
		Status:     c.status,
		Outcome:    c.outcome,
		LiveOutput: string(c.liveOutput),
		Result:     c.result.LLMContent,
		Display:    c.result.Display,
		Err:        c.err,
		Duration:   c.duration,
	}
	if c.tool != nil {
		out.Kind = c.tool.Kind()
	}
	if c.confirmation != nil {
		conf := *c.confirmation
		out.Confirmation = &conf
	}
	if c.response != nil {
		resp := *c.response
		if c.response.FunctionResponse != nil {
			fr := *c.response.FunctionResponse
			fr.Response = tools.CloneArgs(fr.Response)
			resp.FunctionResponse = &fr
		}
		out.Response = &resp
	}
	return out
}

func cloneRequest(r Request) Request {
	r.Args = tools.CloneArgs(r.Args)
	return r
}

// functionResponse builds the part returned to the model for a terminal
// call.
func functionResponse(c *call) *genai.Part {
	var payload map[string]any
	switch c.status {
	case StatusSuccess:
		payload = map[string]any{"output": c.result.LLMContent}
	case StatusCancelled:
		reason := "User did not allow tool call"
		if c.err != nil {
			reason = c.err.Error()
		}
		payload = map[string]any{"error": fmt.Sprintf("[Operation Cancelled] Reason: %s", reason)}
	default:
		msg := "unknown error"
		if c.err != nil {
			msg = c.err.Error()
		}
		payload = map[string]any{"error": msg}
	}
	part := genai.NewPartFromFunctionResponse(c.req.Name, payload)
	part.FunctionResponse.ID = c.req.CallID
	return part
}

// ResponseContent builds the single user turn that returns a batch's results
// to the model, one function response per call in call order.
func ResponseContent(calls []Call) *genai.Content {
	content := &genai.Content{Role: genai.RoleUser}
	for _, c := range calls {
		if c.Response != nil {
			content.Parts = append(content.Parts, c.Response)
		}
	}
	return content
}
