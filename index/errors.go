package index

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/petal-labs/centralseq/identity"
)

const (
	// ErrorCodeTransportFailure is returned when the request could not be sent
	// or the response could not be read.
	ErrorCodeTransportFailure = "TRANSPORT_FAILURE"
	// ErrorCodeTimeout is returned when an attempt exceeded its deadline.
	ErrorCodeTimeout = "TIMEOUT"
	// ErrorCodeUpstreamFailure is returned for non-success index responses.
	ErrorCodeUpstreamFailure = "UPSTREAM_FAILURE"
	// ErrorCodeDecodeFailure is returned when the index response is malformed.
	ErrorCodeDecodeFailure = "DECODE_FAILURE"
	// ErrorCodeRejected is returned when the index refused individual documents.
	ErrorCodeRejected = "DOCUMENT_REJECTED"
)

// Error is a structured index client failure.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// statusError classifies a non-2xx index response. Request timeouts, rate
// limiting and server errors are worth retrying; other client errors are not.
func statusError(status int, body string) *Error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	retryable := status >= http.StatusInternalServerError ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
	return &Error{
		Code:       ErrorCodeUpstreamFailure,
		Message:    fmt.Sprintf("index returned status %d: %s", status, msg),
		StatusCode: status,
		Retryable:  retryable,
	}
}

// IsRetryable reports whether a failed attempt may succeed if repeated.
// Errors that carry no classification are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var indexErr *Error
	if errors.As(err, &indexErr) {
		return indexErr.Retryable
	}
	return true
}

// SyncFailure reports records that were committed to the store but could not
// be confirmed in the index after the retry budget.
type SyncFailure struct {
	Attempts    int
	Unconfirmed []identity.Key
	Cause       error
}

func (f *SyncFailure) Error() string {
	if f == nil {
		return ""
	}
	keys := make([]string, 0, len(f.Unconfirmed))
	for _, key := range f.Unconfirmed {
		keys = append(keys, key.String())
	}
	msg := fmt.Sprintf("index sync failed after %d attempt(s) for %s", f.Attempts, strings.Join(keys, ", "))
	if f.Cause != nil {
		msg += ": " + f.Cause.Error()
	}
	return msg
}

// Unwrap exposes the cause of the last failed attempt.
func (f *SyncFailure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// AsSyncFailure extracts a *SyncFailure from err's chain.
func AsSyncFailure(err error) (*SyncFailure, bool) {
	var failure *SyncFailure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
