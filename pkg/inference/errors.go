package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for common conditions.
var (
	// ErrQuotaExceeded marks upstream quota or rate-limit exhaustion.
	ErrQuotaExceeded = errors.New("inference: quota exceeded")

	// ErrTimeout marks a request that ran out of time.
	ErrTimeout = errors.New("inference: timeout")

	// ErrMalformedResponse is returned when a response body cannot be decoded.
	ErrMalformedResponse = errors.New("inference: malformed response")

	// ErrEmptyInput is returned for requests without text or image.
	ErrEmptyInput = errors.New("inference: empty input")
)

// Status strings used in error bodies.
const (
	StatusResourceExhausted = "RESOURCE_EXHAUSTED"
	StatusDeadlineExceeded  = "DEADLINE_EXCEEDED"
)

// APIError represents an error response from the proxy.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the API.
	Message string

	// Code is the status string (if provided), e.g. RESOURCE_EXHAUSTED.
	Code string

	// Provider identifies which endpoint returned the error.
	Provider string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("inference [%s]: API error %d (%s): %s",
			e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("inference [%s]: API error %d: %s",
		e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited returns true for HTTP 429 or an exhausted quota.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == StatusResourceExhausted
}

// IsTimeout returns true for gateway timeouts.
func (e *APIError) IsTimeout() bool {
	return e.StatusCode == http.StatusGatewayTimeout || e.StatusCode == http.StatusRequestTimeout ||
		e.Code == StatusDeadlineExceeded
}

// IsUnauthorized returns true if this is an authentication error (HTTP 401).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if the request may succeed when repeated
// immediately. Rate limits are excluded; callers back off instead.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusBadGateway || e.StatusCode == http.StatusServiceUnavailable
}

// Is lets errors.Is match the quota and timeout sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.IsRateLimited()
	case ErrTimeout:
		return e.IsTimeout()
	}
	return false
}

// ProviderError wraps an error with endpoint context.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("inference [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with endpoint context.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

// Class is the failure class used for backoff decisions.
type Class int

const (
	ClassNone Class = iota
	ClassQuota
	ClassTimeout
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassQuota:
		return "quota"
	case ClassTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Classify sorts err into quota, timeout or other. Malformed responses
// are other.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return ClassQuota
	}
	if IsTimeout(err) {
		return ClassTimeout
	}
	return ClassOther
}

// IsRateLimited reports whether err is a quota or rate-limit failure.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsTimeout reports whether err is a timeout of any layer: an upstream
// gateway timeout, a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
