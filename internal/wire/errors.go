package wire

import "fmt"

// ErrorCode classifies a failed Reply.
type ErrorCode string

const (
	// CodeBadRequest indicates the frame itself could not be decoded.
	CodeBadRequest ErrorCode = "bad_request"
	// CodeValidation indicates a missing or malformed payload field.
	CodeValidation ErrorCode = "validation"
	// CodeRateLimited indicates the connection or its address is throttled.
	CodeRateLimited ErrorCode = "rate_limited"
	// CodeSession indicates the session could not be used.
	CodeSession ErrorCode = "session"
	// CodeUnauthorized indicates a creator-only operation by someone else.
	CodeUnauthorized ErrorCode = "unauthorized"
	// CodeUnknownEvent indicates no handler is registered for the event.
	CodeUnknownEvent ErrorCode = "unknown_event"
	// CodeInternal indicates a server fault.
	CodeInternal ErrorCode = "internal"
)

// Error is the error object carried by a failed Reply.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Field names the offending payload field for validation errors.
	Field string `json:"field,omitempty"`
	// RetryAfterMs hints how long a rate limited client should wait.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
