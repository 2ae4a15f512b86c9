package phyxie

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an API failure. Fatal kinds are never retried; transient
// failures are re-attempted under the retry policy and become
// KindRetryExhausted once the attempt budget runs out.
type Kind string

const (
	// KindValidation means the input was rejected before any network call.
	KindValidation Kind = "validation"
	// KindAuth means the credential was rejected (401/403). Fatal.
	KindAuth Kind = "auth"
	// KindRequest means the remote declined this specific request (400/404
	// with a structured error body). Fatal; the message is safe to relay.
	KindRequest Kind = "request"
	// KindProtocol means a success response could not be parsed. Fatal and
	// logged as a defect.
	KindProtocol Kind = "protocol"
	// KindTransient means a network error, timeout, 429 or 5xx. Retryable.
	KindTransient Kind = "transient"
	// KindRetryExhausted means transient failures exceeded the attempt
	// budget. The last underlying cause is wrapped.
	KindRetryExhausted Kind = "retry_exhausted"
)

// APIError is the classified failure returned by the client. All expected
// failure modes surface as an APIError; only programming defects propagate
// as plain errors.
type APIError struct {
	Kind       Kind
	Message    string
	StatusCode int
	// RetryAfter carries the server-provided retry hint from a 429, if any.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("phyxie: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("phyxie: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is eligible for another attempt.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient
}

// AsAPIError extracts an APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// ErrorKind returns the failure kind, or an empty Kind for unclassified errors.
func ErrorKind(err error) Kind {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Kind
	}
	return ""
}
