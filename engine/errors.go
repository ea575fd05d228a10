package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/centralseq/identity"
)

// Kind classifies engine failures.
type Kind string

const (
	// KindValidation is returned when a request is rejected before the store
	// is touched.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindBusy is returned when conflicts persisted past the retry budget.
	KindBusy Kind = "ENGINE_BUSY"
	// KindStoreUnavailable is returned for non-conflict storage failures.
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
)

// Error is a classified engine failure. Key is the zero key when the failure
// is not tied to a single element.
type Error struct {
	Kind    Kind
	Key     identity.Key
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Key != (identity.Key{}) {
		b.WriteString(" ")
		b.WriteString(e.Key.String())
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func validationError(key identity.Key, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Key: key, Message: fmt.Sprintf(format, args...)}
}

func busyError(key identity.Key, attempts int, cause error) *Error {
	return &Error{
		Kind:    KindBusy,
		Key:     key,
		Message: fmt.Sprintf("gave up after %d conflicting attempts", attempts),
		Cause:   cause,
	}
}

func unavailableError(key identity.Key, cause error) *Error {
	return &Error{Kind: KindStoreUnavailable, Key: key, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind, true
	}
	return "", false
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindValidation
}

// IsBusy reports whether err means the retry budget was exhausted.
func IsBusy(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindBusy
}

// IsStoreUnavailable reports whether err is a fatal storage failure.
func IsStoreUnavailable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindStoreUnavailable
}
