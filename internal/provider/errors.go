package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a failure for the fallback decision.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnsupportedModel: no configured provider serves the model.
	KindUnsupportedModel
	// KindRateLimited: upstream 429 or quota exhaustion. Retryable.
	KindRateLimited
	// KindAuth: rejected credentials. Not retryable.
	KindAuth
	// KindUnavailable: 5xx, overloaded, connection failures. Retryable.
	KindUnavailable
	// KindInvalidRequest: the request itself is wrong. Not retryable.
	KindInvalidRequest
	// KindUnknownProvider: the tag names no known or configured provider.
	KindUnknownProvider
	// KindTimeout: the per-call deadline expired. Retryable.
	KindTimeout
	// KindDecode: the finished stream or body is malformed. Not retryable.
	KindDecode
	// KindConnectionPool: the pool could not hand out a client. Retried once.
	KindConnectionPool
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedModel:
		return "unsupported_model"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindUnavailable:
		return "provider_unavailable"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnknownProvider:
		return "unknown_provider"
	case KindTimeout:
		return "provider_timeout"
	case KindDecode:
		return "decode"
	case KindConnectionPool:
		return "connection_pool"
	default:
		return "unknown"
	}
}

// Retryable reports whether the orchestrator should move on to the next
// ranked candidate.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindUnavailable, KindTimeout, KindConnectionPool:
		return true
	}
	return false
}

// Error is the single error shape callers see from this layer.
type Error struct {
	Kind       Kind
	Provider   Tag
	Model      string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(string(e.Provider))
		b.WriteString("]")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrRateLimited) works for
// any rate-limited error regardless of provider.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Provider == "" && t.Message == "" && t.Err == nil
}

func (e *Error) Retryable() bool { return e != nil && e.Kind.Retryable() }

var (
	ErrUnsupportedModel = &Error{Kind: KindUnsupportedModel}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrAuth             = &Error{Kind: KindAuth}
	ErrUnavailable      = &Error{Kind: KindUnavailable}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrUnknownProvider  = &Error{Kind: KindUnknownProvider}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrDecode           = &Error{Kind: KindDecode}
	ErrConnectionPool   = &Error{Kind: KindConnectionPool}
)

// UnsupportedModelError builds the resolve failure for model.
func UnsupportedModelError(model string, explicit Tag) *Error {
	msg := fmt.Sprintf("no configured provider supports model %q", model)
	if explicit != "" {
		msg = fmt.Sprintf("provider %s does not support model %q", explicit, model)
	}
	return &Error{Kind: KindUnsupportedModel, Provider: explicit, Model: model, Message: msg}
}

// TimeoutError reports an expired per-call deadline.
func TimeoutError(tag Tag, timeout time.Duration, err error) *Error {
	return &Error{Kind: KindTimeout, Provider: tag, StatusCode: http.StatusRequestTimeout,
		Message: fmt.Sprintf("no response within %s", timeout), Err: err}
}

// DecodeError reports malformed upstream data.
func DecodeError(tag Tag, err error) *Error {
	return &Error{Kind: KindDecode, Provider: tag, Err: err}
}

// KindFromStatus maps an HTTP status, refined by the vendor message, to a Kind.
func KindFromStatus(statusCode int, message string) Kind {
	lower := strings.ToLower(message)
	switch {
	case statusCode == http.StatusTooManyRequests, isQuotaMessage(lower):
		return KindRateLimited
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return KindTimeout
	case statusCode == 529, statusCode >= 500:
		return KindUnavailable
	case statusCode >= 400:
		return KindInvalidRequest
	}
	return KindUnknown
}

func isQuotaMessage(lower string) bool {
	if lower == "" {
		return false
	}
	return strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "throttlingexception") ||
		strings.Contains(lower, "too many requests")
}

// Classify converts any error into *Error. Context deadline errors become
// timeouts, cancellation stays a plain context error, everything unknown is
// treated as an unavailable provider.
func Classify(tag Tag, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			cp := *pe
			cp.Provider = tag
			return &cp
		}
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: tag, Err: err}
	}
	return &Error{Kind: KindUnavailable, Provider: tag, Err: err}
}

// KindOf extracts the Kind of err, KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err allows falling back to another candidate.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Attempt is one candidate's failure inside an ExhaustedError.
type Attempt struct {
	Provider Tag
	Err      error
}

// ExhaustedError is returned when every candidate failed with a retryable
// error. It names each attempted provider and its error.
type ExhaustedError struct {
	Model    string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d provider(s) failed for model %q", len(e.Attempts), e.Model)
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", a.Provider, a.Err)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Providers lists the attempted providers in order.
func (e *ExhaustedError) Providers() []Tag {
	out := make([]Tag, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Provider)
	}
	return out
}
