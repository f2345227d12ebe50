package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ongas/gemini-cli-sub000/observability"
	"github.com/ongas/gemini-cli-sub000/recording"
	"github.com/ongas/gemini-cli-sub000/tools"
)

var (
	// ErrBatchActive is returned by Schedule while a batch is still running.
	ErrBatchActive = errors.New("scheduler: a batch is already running")
	// ErrAborted is returned by WaitIdle when the batch was aborted.
	ErrAborted = errors.New("scheduler: batch aborted")
	// ErrUnknownCall is returned by Confirm for a call ID not in the batch.
	ErrUnknownCall = errors.New("scheduler: unknown call")
	// ErrNotAwaiting is returned by Confirm for a call that is not awaiting
	// approval.
	ErrNotAwaiting = errors.New("scheduler: call is not awaiting approval")

	errUserCancelled = errors.New("user did not allow the tool call")
	errAbortedCall   = errors.New("tool call aborted")
)

// Scheduler runs one batch of tool calls at a time.
type Scheduler struct {
	registry  *tools.Registry
	approvals *approvals
	approver  Approver
	editor    Editor
	recorder  recording.Sink
	sessionID string
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	emitter   *emitter

	mu        sync.Mutex
	batchID   string
	calls     []*call
	byID      map[string]*call
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool
	active    bool
	aborted   bool
	done      chan struct{}
	completed []Call
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy sets the approval policy.
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.approvals = newApprovals(p) }
}

// WithApprovalMode sets the approval mode of the default policy.
func WithApprovalMode(m ApprovalMode) Option {
	return func(s *Scheduler) { s.approvals.setMode(m) }
}

// WithApprover answers confirmation prompts as they arise. Without one,
// callers answer with Confirm.
func WithApprover(a Approver) Option {
	return func(s *Scheduler) { s.approver = a }
}

// WithEditor sets the editor used for OutcomeModifyWithEditor.
func WithEditor(e Editor) Option {
	return func(s *Scheduler) { s.editor = e }
}

// WithRecorder sets the sink that receives tool call records.
func WithRecorder(r recording.Sink) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithSessionID tags tool call records.
func WithSessionID(id string) Option {
	return func(s *Scheduler) { s.sessionID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// New creates a scheduler for the tools in registry.
func New(registry *tools.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:  registry,
		approvals: newApprovals(Policy{}),
		recorder:  recording.NopSink{},
		logger:    slog.Default(),
		tracer:    observability.NewTracer(),
		emitter:   newEmitter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.recorder == nil {
		s.recorder = recording.NopSink{}
	}
	return s
}

// Events returns the ordered lifecycle event channel.
func (s *Scheduler) Events() <-chan Event { return s.emitter.Events() }

// Close aborts any running batch and closes the event channel.
func (s *Scheduler) Close() {
	s.Abort()
	s.emitter.Close()
}

// ApprovalMode returns the current approval mode.
func (s *Scheduler) ApprovalMode() ApprovalMode { return s.approvals.mode() }

// SetApprovalMode changes the approval mode. Calls already awaiting approval
// that the new mode allows proceed at once.
func (s *Scheduler) SetApprovalMode(m ApprovalMode) {
	s.approvals.setMode(m)
	s.mutate(func() {
		for _, c := range s.calls {
			if c.status == StatusAwaitingApproval && s.approvals.decide(c.tool, c.confirmation) == decisionAllow {
				c.outcome = OutcomeProceedOnce
				s.setStatusLocked(c, StatusScheduled)
			}
		}
	})
}

// Schedule starts a batch. requests is not modified; every call works on its
// own copy of the arguments. Cancelling ctx aborts the batch.
func (s *Scheduler) Schedule(ctx context.Context, requests []Request) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrBatchActive
	}
	batchCtx, cancel := context.WithCancel(ctx)
	s.batchID = uuid.New().String()
	s.ctx, s.cancel = batchCtx, cancel
	s.active, s.aborted = true, false
	s.done = make(chan struct{})
	s.completed = nil
	s.calls = make([]*call, 0, len(requests))
	s.byID = make(map[string]*call, len(requests))
	for _, req := range requests {
		r := cloneRequest(req)
		if r.CallID == "" {
			r.CallID = uuid.New().String()
		}
		c := &call{req: r, status: StatusValidating}
		if s.registry != nil {
			c.tool, _ = s.registry.Get(r.Name)
		}
		s.calls = append(s.calls, c)
		s.byID[r.CallID] = c
	}
	batchID := s.batchID
	s.stopWatch = context.AfterFunc(batchCtx, func() { s.abortBatch(batchID) })
	s.emitBatchLocked(EventBatchUpdate)
	calls := append([]*call(nil), s.calls...)
	s.mu.Unlock()

	s.logger.Debug("scheduling tool calls", "batch_id", batchID, "count", len(calls))
	if len(calls) == 0 {
		s.mutate(func() {})
		return nil
	}
	for _, c := range calls {
		s.validate(batchCtx, c)
	}
	return nil
}

// validate resolves a new call to awaiting_approval, scheduled or error.
func (s *Scheduler) validate(ctx context.Context, c *call) {
	if c.tool == nil {
		s.fail(c, fmt.Errorf("tool %q not found in registry", c.req.Name))
		return
	}
	if err := s.registry.ValidateArgs(c.req.Name, c.req.Args); err != nil {
		s.fail(c, err)
		return
	}
	conf, err := c.tool.ConfirmationDetails(ctx, tools.CloneArgs(c.req.Args))
	if err != nil {
		s.fail(c, fmt.Errorf("confirmation failed: %w", err))
		return
	}
	s.mutate(func() {
		if c.status != StatusValidating {
			return
		}
		c.confirmation = conf
		switch s.approvals.decide(c.tool, conf) {
		case decisionDeny:
			c.err = fmt.Errorf("tool %q is denied by policy", c.req.Name)
			s.setStatusLocked(c, StatusError)
		case decisionAllow:
			if conf != nil {
				c.outcome = OutcomeProceedOnce
			}
			s.setStatusLocked(c, StatusScheduled)
		default:
			s.setStatusLocked(c, StatusAwaitingApproval)
			s.askLocked(c)
		}
	})
}

// Confirm answers the confirmation prompt of an awaiting call. A failure
// while applying the answer (for example the editor failing) resolves the
// call to StatusError and is reported through events, not returned.
func (s *Scheduler) Confirm(callID string, outcome Outcome, mod *Modification) error {
	s.mu.Lock()
	c, ok := s.byID[callID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if c.status != StatusAwaitingApproval {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotAwaiting, callID, c.status)
	}
	ctx := s.ctx
	key := c.req.Name
	if c.confirmation != nil && c.confirmation.AllowKey != "" {
		key = c.confirmation.AllowKey
	}
	s.mu.Unlock()

	switch outcome {
	case OutcomeCancel:
		s.resolve(c, outcome, StatusCancelled, errUserCancelled)
	case OutcomeProceedOnce:
		s.resolve(c, outcome, StatusScheduled, nil)
	case OutcomeProceedAlways:
		s.approvals.allowKey(key)
		s.resolve(c, outcome, StatusScheduled, nil)
	case OutcomeProceedAlwaysTool:
		s.approvals.allowTool(c.req.Name)
		s.resolve(c, outcome, StatusScheduled, nil)
	case OutcomeModifyWithEditor:
		s.modify(ctx, c, mod)
	default:
		return fmt.Errorf("scheduler: unknown outcome %q", outcome)
	}
	return nil
}

// resolve moves an awaiting call to status. It is a no-op when another
// answer got there first.
func (s *Scheduler) resolve(c *call, outcome Outcome, status Status, err error) {
	s.mutate(func() {
		if c.status != StatusAwaitingApproval {
			return
		}
		c.outcome = outcome
		c.err = err
		s.setStatusLocked(c, status)
	})
}

// modify rewrites an edit proposal with user content and asks again.
func (s *Scheduler) modify(ctx context.Context, c *call, mod *Modification) {
	modifiable, ok := c.tool.(tools.Modifiable)
	if !ok {
		s.failAwaiting(c, fmt.Errorf("tool %q does not support modification", c.req.Name))
		return
	}

	s.mu.Lock()
	args := tools.CloneArgs(c.req.Args)
	var proposal *tools.Confirmation
	if c.confirmation != nil {
		conf := *c.confirmation
		proposal = &conf
	}
	s.mu.Unlock()

	var content string
	switch {
	case mod != nil:
		content = mod.NewContent
	case s.editor != nil && proposal != nil:
		edited, err := s.editor.Edit(ctx, proposal)
		if err != nil {
			s.failAwaiting(c, fmt.Errorf("editor failed: %w", err))
			return
		}
		content = edited
	default:
		s.failAwaiting(c, errors.New("no editor configured"))
		return
	}

	newArgs := modifiable.ApplyModification(args, content)
	conf, err := c.tool.ConfirmationDetails(ctx, tools.CloneArgs(newArgs))
	if err != nil {
		s.failAwaiting(c, fmt.Errorf("confirmation failed: %w", err))
		return
	}
	s.mutate(func() {
		if c.status != StatusAwaitingApproval {
			return
		}
		c.req.Args = newArgs
		c.confirmation = conf
		c.outcome = OutcomeModifyWithEditor
		c.asked = false
		s.emitBatchLocked(EventBatchUpdate)
		s.askLocked(c)
	})
}

func (s *Scheduler) failAwaiting(c *call, err error) {
	s.logger.Warn("tool confirmation failed", "call_id", c.req.CallID, "tool", c.req.Name, "error", err)
	s.resolve(c, c.outcome, StatusError, err)
}

func (s *Scheduler) fail(c *call, err error) {
	s.mutate(func() {
		if c.status.Terminal() {
			return
		}
		c.err = err
		s.setStatusLocked(c, StatusError)
	})
}

// askLocked hands an awaiting call to the approver, once per proposal.
func (s *Scheduler) askLocked(c *call) {
	if s.approver == nil || c.asked {
		return
	}
	c.asked = true
	ctx, snap := s.ctx, c.snapshot()
	go func() {
		outcome, mod, err := s.approver.Approve(ctx, snap)
		if err != nil {
			s.failAwaiting(c, fmt.Errorf("confirmation failed: %w", err))
			return
		}
		if err := s.Confirm(snap.Request.CallID, outcome, mod); err != nil && !errors.Is(err, ErrNotAwaiting) {
			s.failAwaiting(c, err)
		}
	}()
}

// Abort cancels every call of the running batch that is not yet terminal.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	batchID := s.batchID
	s.mu.Unlock()
	s.abortBatch(batchID)
}

func (s *Scheduler) abortBatch(batchID string) {
	s.mutate(func() {
		if !s.active || s.batchID != batchID {
			return
		}
		s.aborted = true
		s.cancel()
		for _, c := range s.calls {
			if !c.status.Terminal() {
				c.err = errAbortedCall
				s.setStatusLocked(c, StatusCancelled)
			}
		}
	})
}

// WaitIdle blocks until the running batch is complete and returns its calls
// in request order. It returns ErrAborted alongside the calls when the batch
// was aborted. Without a batch it returns the last completed one.
func (s *Scheduler) WaitIdle(ctx context.Context) ([]Call, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil, nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := append([]Call(nil), s.completed...)
	if s.aborted {
		return calls, ErrAborted
	}
	return calls, nil
}

// Calls returns snapshots of the current batch.
func (s *Scheduler) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Busy reports whether a batch is running.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// batchResult is what a completed batch leaves for post-processing outside
// the lock.
type batchResult struct {
	calls []Call
	done  chan struct{}
	stop  func() bool
}

// mutate applies fn under the lock, starts calls that became runnable and
// completes the batch when every call is terminal.
func (s *Scheduler) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.startReadyLocked()
	res := s.completeLocked()
	s.mu.Unlock()
	if res != nil {
		s.finish(res)
	}
}

func (s *Scheduler) setStatusLocked(c *call, status Status) {
	c.status = status
	switch {
	case status == StatusExecuting:
		c.started = time.Now()
	case status.Terminal():
		if !c.started.IsZero() {
			c.duration = time.Since(c.started)
		}
		c.response = functionResponse(c)
	}
	s.emitBatchLocked(EventBatchUpdate)
}

// startReadyLocked runs every scheduled call once no call of the batch is
// still validating or awaiting approval.
func (s *Scheduler) startReadyLocked() {
	if !s.active {
		return
	}
	for _, c := range s.calls {
		if c.status == StatusValidating || c.status == StatusAwaitingApproval {
			return
		}
	}
	for _, c := range s.calls {
		if c.status == StatusScheduled {
			s.setStatusLocked(c, StatusExecuting)
			go s.execute(s.ctx, c, tools.CloneArgs(c.req.Args))
		}
	}
}

func (s *Scheduler) completeLocked() *batchResult {
	if !s.active {
		return nil
	}
	for _, c := range s.calls {
		if !c.status.Terminal() {
			return nil
		}
	}
	s.active = false
	s.completed = s.snapshotLocked()
	s.emitBatchLocked(EventAllComplete)
	s.cancel()
	return &batchResult{calls: s.completed, done: s.done, stop: s.stopWatch}
}

func (s *Scheduler) finish(res *batchResult) {
	if res.stop != nil {
		res.stop()
	}
	records := make([]recording.ToolCallRecord, 0, len(res.calls))
	now := time.Now()
	for _, c := range res.calls {
		s.metrics.ToolCall(c.Request.Name, string(c.Status), c.Duration)
		rec := recording.ToolCallRecord{
			SessionID: s.sessionID,
			PromptID:  c.Request.PromptID,
			CallID:    c.Request.CallID,
			Name:      c.Request.Name,
			Args:      c.Request.Args,
			Status:    string(c.Status),
			Result:    c.Result,
			Duration:  c.Duration,
			Timestamp: now,
		}
		if c.Err != nil {
			rec.Error = c.Err.Error()
		}
		records = append(records, rec)
	}
	if len(records) > 0 {
		if err := s.recorder.RecordToolCalls(context.Background(), records); err != nil {
			s.logger.Warn("failed to record tool calls", "error", err)
		}
	}
	close(res.done)
}

func (s *Scheduler) execute(ctx context.Context, c *call, args map[string]any) {
	ctx, span := s.tracer.Start(ctx, "tool.execute",
		attribute.String("tool.name", c.req.Name),
		attribute.String("tool.call_id", c.req.CallID),
	)
	defer span.End()

	output := func(chunk string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c.status != StatusExecuting {
			return
		}
		c.liveOutput = append(c.liveOutput, chunk...)
		s.emitter.Emit(Event{Kind: EventOutput, BatchID: s.batchID, CallID: c.req.CallID, Output: chunk})
	}

	result, err := c.tool.Execute(ctx, args, output)
	if err != nil {
		observability.RecordError(span, err)
	}

	s.mutate(func() {
		if c.status != StatusExecuting {
			return
		}
		switch {
		case ctx.Err() != nil:
			c.err = errAbortedCall
			s.setStatusLocked(c, StatusCancelled)
		case err != nil:
			c.err = err
			s.setStatusLocked(c, StatusError)
		default:
			result.LLMContent = tools.LimitFor(c.req.Name).Apply(result.LLMContent)
			if result.Display == "" {
				result.Display = result.LLMContent
			}
			c.result = result
			s.setStatusLocked(c, StatusSuccess)
		}
	})
	s.logger.Debug("tool call finished", "call_id", c.req.CallID, "tool", c.req.Name, "error", err)
}

func (s *Scheduler) snapshotLocked() []Call {
	out := make([]Call, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.snapshot()
	}
	return out
}

func (s *Scheduler) emitBatchLocked(kind EventKind) {
	s.emitter.Emit(Event{Kind: kind, BatchID: s.batchID, Calls: s.snapshotLocked()})
}
