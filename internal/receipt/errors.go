package receipt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is a stable failure discriminator. Callers branch on kinds,
// never on message text.
type ErrorKind string

const (
	// Input errors, rejected before any external call.
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindCorruptInput      ErrorKind = "corrupt_input"

	// Provider errors, surfaced with provider identity attached.
	KindAuthenticationFailure ErrorKind = "authentication_failure"
	KindRateLimited           ErrorKind = "rate_limited"
	KindBackendUnavailable    ErrorKind = "backend_unavailable"
	KindBackendError          ErrorKind = "backend_error"

	// Extraction errors; the receipt is not persisted.
	KindNoJSONFound     ErrorKind = "no_json_found"
	KindMalformedJSON   ErrorKind = "malformed_json"
	KindSchemaViolation ErrorKind = "schema_violation"

	// Storage errors, fatal for the upload.
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindDuplicateKey       ErrorKind = "duplicate_key"

	// Index errors; non-fatal for uploads, retryable for searches.
	KindIndexUnavailable ErrorKind = "index_unavailable"

	KindNotFound ErrorKind = "not_found"
)

// Violation is one schema-validation failure. Validation reports every
// violation found, not just the first.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Error carries a stable kind plus structured detail.
type Error struct {
	Kind       ErrorKind
	Provider   string // set for provider errors
	Detail     string
	Violations []Violation // set for schema violations
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " (%s)", e.Provider)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Violations) > 0 {
		parts := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			parts[i] = v.String()
		}
		fmt.Fprintf(&b, ": [%s]", strings.Join(parts, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with a formatted detail message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error wrapping a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// ProviderError builds an Error attributed to a provider variant.
func ProviderError(kind ErrorKind, provider string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Provider: provider, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ViolationsOf extracts schema violations from err, or nil.
func ViolationsOf(err error) []Violation {
	var e *Error
	if errors.As(err, &e) {
		return e.Violations
	}
	return nil
}

// ProviderOf extracts the provider identity from err, or "".
func ProviderOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Provider
	}
	return ""
}
