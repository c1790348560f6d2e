package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorType groups fetch failures by cause.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeServer     ErrorType = "server"
	ErrorTypeClient     ErrorType = "client"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// FetchError is the error every adapter returns. Source names the adapter
// so log lines stay attributable after wrapping.
type FetchError struct {
	Source     string
	Type       ErrorType
	Retryable  bool
	StatusCode int
	Message    string
	Cause      error
}

func (e *FetchError) Error() string {
	prefix := string(e.Type)
	if e.Source != "" {
		prefix = e.Source + ": " + prefix
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", prefix, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error: %s", prefix, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// NewValidationError reports a response that arrived but carried no
// usable value.
func NewValidationError(source, message string) *FetchError {
	return &FetchError{Source: source, Type: ErrorTypeValidation, Message: message}
}

// NewConfigError reports an adapter that cannot run with its options.
func NewConfigError(source, message string) *FetchError {
	return &FetchError{Source: source, Type: ErrorTypeConfig, Message: message}
}

// ClassifyHTTPError maps a non-2xx status to a FetchError.
func ClassifyHTTPError(source string, statusCode int, body string) *FetchError {
	e := &FetchError{Source: source, StatusCode: statusCode, Message: body}
	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Type, e.Retryable = ErrorTypeRateLimit, true
		if e.Message == "" {
			e.Message = "rate limit exceeded"
		}
	case statusCode == http.StatusRequestTimeout:
		e.Type, e.Retryable = ErrorTypeTimeout, true
	case statusCode >= 500:
		e.Type, e.Retryable = ErrorTypeServer, true
		if e.Message == "" {
			e.Message = "server returned an error"
		}
	case statusCode >= 400:
		e.Type = ErrorTypeClient
		if e.Message == "" {
			e.Message = fmt.Sprintf("client error: HTTP %d", statusCode)
		}
	default:
		e.Type = ErrorTypeUnknown
		e.Message = fmt.Sprintf("unexpected status code: %d", statusCode)
	}
	return e
}

// ClassifyTransportError wraps an error raised before any response was
// read.
func ClassifyTransportError(source string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &FetchError{Source: source, Type: ErrorTypeTimeout, Retryable: true, Message: "request timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &FetchError{Source: source, Type: ErrorTypeUnknown, Message: "request cancelled", Cause: err}
	default:
		return &FetchError{Source: source, Type: ErrorTypeNetwork, Retryable: true, Message: "network request failed", Cause: err}
	}
}

// IsType reports whether err is a FetchError of type t.
func IsType(err error, t ErrorType) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Type == t
}
