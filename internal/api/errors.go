package api

import (
	"errors"
	"fmt"
)

// ErrUnauthorized reports a 401. The client has already invalidated the
// local token and published the logout event by the time a caller sees it.
var ErrUnauthorized = errors.New("unauthorized")

// QuotaError reports a plan limit (402, or 403 with a structured body). It
// never clears client state; the UI surfaces it as a blocking modal.
type QuotaError struct {
	Code    string
	Message string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s: %s", e.Code, e.Message)
}

// RequestError reports any other non-2xx response.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: status %d: %s", e.Status, e.Message)
}

// TransportError reports a network-level failure before any status code was
// received.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InvalidResponseError reports a 2xx response whose payload is missing a
// required field, such as a create response without an id. The operation
// that produced it has been rolled back.
type InvalidResponseError struct {
	Reason string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid server response: %s", e.Reason)
}

// Retryable reports whether the failure is worth a retry or a transient
// notification, as opposed to quota and auth failures which are terminal for
// the operation.
func Retryable(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var request *RequestError
	if errors.As(err, &request) {
		return request.Status >= 500
	}
	return false
}
