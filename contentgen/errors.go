package contentgen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"
)

// SDKError is the base error type for all content generation errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

func (e *SDKError) setCause(err error) { e.Cause = err }

// ProviderError represents an error returned by a model provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Status     string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// RetryableError reports whether the provider marked the failure as transient.
func (e *ProviderError) RetryableError() bool { return e.Retryable }

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// QuotaExceededError is a persistent 429: the quota for the current model is
// spent and retrying the same model will not help.
type QuotaExceededError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

func (e *RequestTimeoutError) RetryableError() bool { return true }
func (e *NetworkError) RetryableError() bool        { return true }
func (e *AbortError) RetryableError() bool          { return false }
func (e *ConfigurationError) RetryableError() bool  { return false }

type retryableError interface {
	RetryableError() bool
}

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, status string) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		Status:     status,
	}

	switch statusCode {
	case 400, 422:
		if isContextLengthMessage(message) {
			return &ContextLengthError{ProviderError: pe}
		}
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		if isPersistentQuotaMessage(message) {
			return &QuotaExceededError{ProviderError: pe}
		}
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

func isPersistentQuotaMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range []string{"perday", "per day", "daily limit", "quota exceeded for quota metric", "billing"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isContextLengthMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "too many tokens") ||
		strings.Contains(lower, "exceeds the maximum number of tokens")
}

// Classify converts an arbitrary backend error into the error taxonomy.
// Errors that are already classified are returned unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var known retryableError
	if errors.As(err, &known) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}

	if apiErr, ok := asGenaiAPIError(err); ok {
		classified := ErrorFromStatusCode(apiErr.Code, apiErr.Message, provider, apiErr.Status)
		attachCause(classified, err)
		return classified
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &NetworkError{SDKError: SDKError{Message: "network error", Cause: err}}
	}

	return &ProviderError{
		SDKError:  SDKError{Message: err.Error(), Cause: err},
		Provider:  provider,
		Retryable: true,
	}
}

func asGenaiAPIError(err error) (genai.APIError, bool) {
	var value genai.APIError
	if errors.As(err, &value) {
		return value, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return genai.APIError{}, false
}

func attachCause(classified, cause error) {
	if c, ok := classified.(interface{ setCause(error) }); ok {
		c.setCause(cause)
	}
}

// IsRetryable returns true if the error is safe to retry against the same
// model.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r retryableError
	if errors.As(err, &r) {
		return r.RetryableError()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Unknown errors default to retryable.
	return true
}

// IsPersistentQuota reports whether err means the current model's quota is
// exhausted and a model fallback should be considered.
func IsPersistentQuota(err error) bool {
	var q *QuotaExceededError
	return errors.As(err, &q)
}

// IsRateLimit reports whether err is a transient 429.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsInvalidRequest reports whether the provider rejected the request payload.
func IsInvalidRequest(err error) bool {
	var ir *InvalidRequestError
	return errors.As(err, &ir)
}

// IsAuthentication reports whether err is a credential failure.
func IsAuthentication(err error) bool {
	var auth *AuthenticationError
	if errors.As(err, &auth) {
		return true
	}
	var denied *AccessDeniedError
	return errors.As(err, &denied)
}

// IsAbort reports whether err stems from caller cancellation.
func IsAbort(err error) bool {
	var abort *AbortError
	return errors.As(err, &abort) || errors.Is(err, context.Canceled)
}
