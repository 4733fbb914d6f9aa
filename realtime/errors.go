package realtime

import "fmt"

// Code categorizes client errors.
type Code int

const (
	CodeUnknown Code = iota
	// CodeAuthRejected: the server refused the handshake credential.
	CodeAuthRejected
	// CodeTransport: the connection failed or dropped; recovered internally.
	CodeTransport
	// CodeMalformedFrame: an inbound frame did not parse; the frame is skipped.
	CodeMalformedFrame
	// CodeSlowConsumer: the server evicted the connection for not keeping up.
	CodeSlowConsumer
	// CodeTopic: a topic-scoped error frame, delivered to the topic's handlers.
	CodeTopic
)

// String returns the string representation of a Code.
func (c Code) String() string {
	switch c {
	case CodeAuthRejected:
		return "auth_rejected"
	case CodeTransport:
		return "transport_error"
	case CodeMalformedFrame:
		return "malformed_frame"
	case CodeSlowConsumer:
		return "slow_consumer"
	case CodeTopic:
		return "topic_error"
	default:
		return fmt.Sprintf("unknown_code_%d", c)
	}
}

// Error is a categorized client error with optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("realtime: %s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches errors by code, so errors.Is(err, ErrAuthRejected) holds for any
// auth rejection regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func wrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}
