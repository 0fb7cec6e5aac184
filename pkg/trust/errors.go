package trust

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind categorises configuration failures of the trust subsystem.
type ErrorKind string

const (
	// KindEncoding marks a failed text-to-bytes conversion.
	KindEncoding ErrorKind = "encoding"
	// KindParse marks certificate bytes that are not well formed for their format.
	KindParse ErrorKind = "parse"
	// KindStore marks a failure assembling the in-memory trust store.
	KindStore ErrorKind = "store"
	// KindTLSInit marks a failure initialising the TLS context.
	KindTLSInit ErrorKind = "tls_init"
	// KindAdmission marks a policy refused by the admission guard.
	KindAdmission ErrorKind = "admission"
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrEncoding  = &Error{Kind: KindEncoding, Message: "unsupported character encoding"}
	ErrParse     = &Error{Kind: KindParse, Message: "malformed certificate"}
	ErrStore     = &Error{Kind: KindStore, Message: "trust store construction failed"}
	ErrTLSInit   = &Error{Kind: KindTLSInit, Message: "tls initialisation failed"}
	ErrAdmission = &Error{Kind: KindAdmission, Message: "trust policy not admitted"}
)

// Error is a categorised trust configuration error. All of them are terminal:
// retrying without caller intervention cannot succeed.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(contextParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func newEncodingError(charset string, cause error) *Error {
	return newError(KindEncoding, "cannot encode certificate text", cause).
		WithContext("charset", charset)
}

func newParseError(format Format, message string, cause error) *Error {
	return newError(KindParse, message, cause).
		WithContext("format", string(format))
}

func newStoreError(message string, cause error) *Error {
	return newError(KindStore, message, cause)
}

func newTLSInitError(message string, cause error) *Error {
	return newError(KindTLSInit, message, cause)
}

// NewAdmissionError reports a policy refused by a Guard.
func NewAdmissionError(kind Kind, reason string) *Error {
	return newError(KindAdmission, "trust policy "+kind.String()+" refused", nil).
		WithContext("reason", reason)
}

// KindOf returns the ErrorKind carried by err, or "" when err is not a trust error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
