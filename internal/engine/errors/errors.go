package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrRequestIDPending  = sterrors.New("crosstalk: request ID is already pending")
	ErrEngineClosed      = sterrors.New("crosstalk: correlation engine is closed")
	ErrShuttingDown      = sterrors.New("crosstalk: shutting down")
	ErrTopicRequired     = sterrors.New("crosstalk: topic is required")
	ErrHandlerRequired   = sterrors.New("crosstalk: handler is required")
	ErrPublisherRequired = sterrors.New("crosstalk: publisher is required")
	ErrLoggerRequired    = sterrors.New("crosstalk: logger is required")
	ErrConfigRequired    = sterrors.New("crosstalk: config is required")
	ErrClientIDRequired  = sterrors.New("crosstalk: client ID is required")
	ErrHubClosed         = sterrors.New("crosstalk: notification hub is closed")
)

// TimeoutError reports that a request's deadline elapsed before any matching
// resolution arrived. Callers can distinguish it from an error reply via
// errors.As or IsTimeout.
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("crosstalk: request %s timed out after %s", e.RequestID, e.Timeout)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return sterrors.As(err, &t)
}

// PublishError wraps a broker write failure.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("crosstalk: publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// CorrelationError carries the error message from an explicit error reply.
type CorrelationError struct {
	RequestID string
	Message   string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("crosstalk: request %s failed: %s", e.RequestID, e.Message)
}
