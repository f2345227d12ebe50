package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ongas/gemini-cli-sub000/contentgen"
	"github.com/ongas/gemini-cli-sub000/observability"
)

// RetryPolicy bounds the attempt loop of one send.
type RetryPolicy struct {
	PrimaryMaxAttempts  int           `yaml:"primary_max_attempts"`
	FallbackMaxAttempts int           `yaml:"fallback_max_attempts"`
	PrimaryBaseDelay    time.Duration `yaml:"primary_base_delay"`
	FallbackDelay       time.Duration `yaml:"fallback_delay"`
}

// DefaultRetryPolicy returns five attempts with linear backoff on the
// primary model and two attempts with a fixed short delay in fallback mode.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		PrimaryMaxAttempts:  5,
		FallbackMaxAttempts: 2,
		PrimaryBaseDelay:    time.Second,
		FallbackDelay:       500 * time.Millisecond,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.PrimaryMaxAttempts <= 0 {
		p.PrimaryMaxAttempts = d.PrimaryMaxAttempts
	}
	if p.FallbackMaxAttempts <= 0 {
		p.FallbackMaxAttempts = d.FallbackMaxAttempts
	}
	if p.PrimaryBaseDelay < 0 {
		p.PrimaryBaseDelay = d.PrimaryBaseDelay
	}
	if p.FallbackDelay < 0 {
		p.FallbackDelay = d.FallbackDelay
	}
	return p
}

// MaxAttempts returns the attempt ceiling for the given mode.
func (p RetryPolicy) MaxAttempts(fallback bool) int {
	if fallback {
		return p.FallbackMaxAttempts
	}
	return p.PrimaryMaxAttempts
}

// Delay returns the wait after the given 1-based attempt failed.
func (p RetryPolicy) Delay(attempt int, fallback bool) time.Duration {
	if fallback {
		return p.FallbackDelay
	}
	return p.PrimaryBaseDelay * time.Duration(attempt)
}

// FallbackIntent is a fallback handler's decision.
type FallbackIntent int

const (
	// IntentRetry switches to the fallback model and keeps going.
	IntentRetry FallbackIntent = iota
	// IntentStop ends the send.
	IntentStop
	// IntentAuth ends the send so the user can change authentication.
	IntentAuth
)

func (i FallbackIntent) String() string {
	switch i {
	case IntentRetry:
		return "retry"
	case IntentStop:
		return "stop"
	case IntentAuth:
		return "auth"
	default:
		return fmt.Sprintf("FallbackIntent(%d)", int(i))
	}
}

// FallbackHandler is asked whether to switch models after a persistent
// quota error. Interactive callers can prompt a human here.
type FallbackHandler func(ctx context.Context, failedModel, fallbackModel string, err error) (FallbackIntent, error)

// FallbackState is the fallback flag and the count of consecutive invalid
// responses while in fallback mode.
type FallbackState struct {
	Active           bool
	ConsecutiveEmpty int
}

// FailureReason says why a send ended without a valid response.
type FailureReason string

const (
	FailureExhausted  FailureReason = "exhausted"
	FailureSafety     FailureReason = "safety"
	FailureRecitation FailureReason = "recitation"
	FailureQuota      FailureReason = "quota"
	FailureAuth       FailureReason = "auth"
)

// Failure is the terminal outcome of a send that produced no valid response.
type Failure struct {
	Reason         FailureReason
	Model          string
	Attempts       int
	QuotaSuspected bool
	Err            error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("send failed (%s) after %d attempt(s) on %s", f.Reason, f.Attempts, f.Model)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Explanation is the user-facing reason and suggested next step.
func (f *Failure) Explanation() string {
	switch f.Reason {
	case FailureSafety:
		return "The response was blocked by safety filters. Try rephrasing your request."
	case FailureRecitation:
		return "The response was blocked because it recited protected content. " +
			"Try rephrasing, or ask for a summary instead of verbatim text."
	case FailureQuota:
		return fmt.Sprintf("Quota for %s appears to be exhausted. Wait for it to reset, "+
			"switch models, or change your authentication method.", f.Model)
	case FailureAuth:
		return "Authentication is required to continue. Change your authentication method and try again."
	default:
		msg := fmt.Sprintf("The model did not return a valid response after %d attempt(s). "+
			"Try again, or start a new session if the problem persists.", f.Attempts)
		if f.QuotaSuspected {
			msg += " Repeated empty responses in fallback mode suggest the quota may be exhausted."
		}
		return msg
	}
}

// Attempt identifies one try within a send.
type Attempt struct {
	Index    int
	Model    string
	Fallback bool
}

// AttemptFunc runs one attempt. It returns nil on a valid response.
type AttemptFunc func(ctx context.Context, a Attempt) error

// NoticeFunc receives inline retry notices. Returning false stops the loop.
type NoticeFunc func(RetryInfo) bool

// RetryController drives the attempt loop of a send and owns the fallback
// state. Multiple sessions may share one controller.
type RetryController struct {
	policy        RetryPolicy
	fallbackModel string
	handler       FallbackHandler
	sleep         func(ctx context.Context, d time.Duration) error
	logger        *slog.Logger
	metrics       *observability.Metrics

	mu    sync.Mutex
	state FallbackState
}

// RetryOption configures a RetryController.
type RetryOption func(*RetryController)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) RetryOption {
	return func(c *RetryController) { c.policy = p.withDefaults() }
}

// WithFallbackModel sets the model used in fallback mode.
func WithFallbackModel(model string) RetryOption {
	return func(c *RetryController) { c.fallbackModel = model }
}

// WithFallbackHandler sets the handler consulted on persistent quota errors.
func WithFallbackHandler(h FallbackHandler) RetryOption {
	return func(c *RetryController) { c.handler = h }
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(c *RetryController) { c.sleep = sleep }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(c *RetryController) { c.logger = l }
}

// WithRetryMetrics sets the metrics sink.
func WithRetryMetrics(m *observability.Metrics) RetryOption {
	return func(c *RetryController) { c.metrics = m }
}

// NewRetryController creates a controller with the default policy and
// contentgen.DefaultFallbackModel.
func NewRetryController(opts ...RetryOption) *RetryController {
	c := &RetryController{
		policy:        DefaultRetryPolicy(),
		fallbackModel: contentgen.DefaultFallbackModel,
		sleep:         sleepContext,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy returns the active retry policy.
func (c *RetryController) Policy() RetryPolicy { return c.policy }

// FallbackModel returns the model used in fallback mode.
func (c *RetryController) FallbackModel() string { return c.fallbackModel }

// State returns a snapshot of the fallback state.
func (c *RetryController) State() FallbackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFallback reports whether fallback mode is active.
func (c *RetryController) InFallback() bool {
	return c.State().Active
}

// ResetFallback leaves fallback mode. It is the explicit user action that
// returns a session to the primary model.
func (c *RetryController) ResetFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = FallbackState{}
}

// ModelFor returns the model an attempt should use.
func (c *RetryController) ModelFor(requested string) string {
	if c.InFallback() && c.fallbackModel != "" {
		return c.fallbackModel
	}
	return requested
}

func (c *RetryController) activateFallback() {
	c.mu.Lock()
	c.state.Active = true
	c.state.ConsecutiveEmpty = 0
	c.mu.Unlock()
	c.metrics.FallbackActivated()
}

func (c *RetryController) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ConsecutiveEmpty = 0
}

// recordInvalid counts an invalid response and reports whether quota
// exhaustion is suspected: the second consecutive one while in fallback.
func (c *RetryController) recordInvalid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active {
		return false
	}
	c.state.ConsecutiveEmpty++
	return c.state.ConsecutiveEmpty >= 2
}

// Run calls fn until it succeeds, fails fatally, or runs out of attempts.
// It returns nil on success and *Failure when the send should end with a
// terminal notice. Other errors (aborts, non-retryable transport errors)
// are returned unchanged.
func (c *RetryController) Run(ctx context.Context, model string, fn AttemptFunc, notify NoticeFunc) error {
	attempt := 0
	quotaSuspected := false
	for {
		fallback := c.InFallback()
		maxAttempts := c.policy.MaxAttempts(fallback)
		attempt++
		current := c.ModelFor(model)

		err := fn(ctx, Attempt{Index: attempt, Model: current, Fallback: fallback})
		if err == nil {
			c.recordSuccess()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var invalid *InvalidStreamError
		switch {
		case errors.Is(err, errConsumerStopped):
			return err

		case errors.As(err, &invalid):
			if !invalid.Retryable() {
				reason := FailureSafety
				if invalid.Kind == RecitationBlock {
					reason = FailureRecitation
				}
				return &Failure{Reason: reason, Model: current, Attempts: attempt, Err: err}
			}
			if c.recordInvalid() {
				quotaSuspected = true
			}

		case contentgen.IsPersistentQuota(err):
			if fallback || c.handler == nil || c.fallbackModel == "" || current == c.fallbackModel {
				return &Failure{Reason: FailureQuota, Model: current, Attempts: attempt, Err: err}
			}
			intent, herr := c.handler(ctx, current, c.fallbackModel, err)
			if herr != nil {
				return &Failure{Reason: FailureQuota, Model: current, Attempts: attempt, Err: errors.Join(err, herr)}
			}
			switch intent {
			case IntentRetry:
				c.activateFallback()
				c.logger.Info("switching to fallback model", "failed_model", current, "fallback_model", c.fallbackModel)
				info := RetryInfo{
					Attempt:     attempt,
					MaxAttempts: maxAttempts,
					Model:       c.fallbackModel,
					Fallback:    true,
					Reason:      "fallback",
					Err:         err,
				}
				if !notify(info) {
					return errConsumerStopped
				}
				attempt = 0
				continue
			case IntentAuth:
				return &Failure{Reason: FailureAuth, Model: current, Attempts: attempt, Err: err}
			default:
				return &Failure{Reason: FailureQuota, Model: current, Attempts: attempt, Err: err}
			}

		case contentgen.IsRetryable(err):
			// Transient transport errors share the attempt budget.

		default:
			return err
		}

		if attempt >= maxAttempts {
			return &Failure{Reason: FailureExhausted, Model: current, Attempts: attempt, QuotaSuspected: quotaSuspected, Err: err}
		}

		delay := c.policy.Delay(attempt, fallback)
		kind := retryReason(err)
		c.metrics.StreamRetry(kind)
		c.logger.Warn("retrying model stream",
			"model", current,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"reason", kind,
			"quota_suspected", quotaSuspected,
		)
		info := RetryInfo{
			Attempt:        attempt,
			MaxAttempts:    maxAttempts,
			Delay:          delay,
			Model:          current,
			Fallback:       fallback,
			Reason:         kind,
			QuotaSuspected: quotaSuspected,
			Err:            err,
		}
		if !notify(info) {
			return errConsumerStopped
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func retryReason(err error) string {
	var invalid *InvalidStreamError
	if errors.As(err, &invalid) {
		return string(invalid.Kind)
	}
	return "transport"
}
