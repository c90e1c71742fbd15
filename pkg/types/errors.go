package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error surfaced by the Locai core.
// Callers branch on the kind, never on message text.
type ErrorKind string

// Error kinds
const (
	KindConfiguration     ErrorKind = "configuration"
	KindConnection        ErrorKind = "connection"
	KindAuthentication    ErrorKind = "authentication"
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindAlreadyExists     ErrorKind = "already_exists"
	KindQuery             ErrorKind = "query"
	KindTransaction       ErrorKind = "transaction"
	KindSerialization     ErrorKind = "serialization"
	KindConversion        ErrorKind = "conversion"
	KindTypeMismatch      ErrorKind = "type_mismatch"
	KindTimeout           ErrorKind = "timeout"
	KindTemporary         ErrorKind = "temporary"
	KindEmptySearchQuery  ErrorKind = "empty_search_query"
	KindNoMemoriesFound   ErrorKind = "no_memories_found"
	KindFeatureNotEnabled ErrorKind = "feature_not_enabled"
	KindMLNotConfigured   ErrorKind = "ml_not_configured"
	KindOperation         ErrorKind = "operation"
)

// Sentinel errors for use with errors.Is. Matching is by kind only, so
// errors.Is(types.Errorf(types.KindNotFound, "memory %s", id), types.ErrNotFound)
// reports true.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrConnection        = &Error{Kind: KindConnection}
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrQuery             = &Error{Kind: KindQuery}
	ErrTransaction       = &Error{Kind: KindTransaction}
	ErrSerialization     = &Error{Kind: KindSerialization}
	ErrConversion        = &Error{Kind: KindConversion}
	ErrTypeMismatch      = &Error{Kind: KindTypeMismatch}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrTemporary         = &Error{Kind: KindTemporary}
	ErrEmptySearchQuery  = &Error{Kind: KindEmptySearchQuery}
	ErrNoMemoriesFound   = &Error{Kind: KindNoMemoriesFound}
	ErrFeatureNotEnabled = &Error{Kind: KindFeatureNotEnabled}
	ErrMLNotConfigured   = &Error{Kind: KindMLNotConfigured}
	ErrOperation         = &Error{Kind: KindOperation}
)

// Error is the single error type returned across package boundaries.
// Err keeps the underlying cause (driver error, decode error) reachable
// through errors.Unwrap.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	label := kindLabels[e.Kind]
	if label == "" {
		label = string(e.Kind)
	}
	switch {
	case e.Message == "" && e.Err == nil:
		return label
	case e.Err == nil:
		return label + ": " + e.Message
	case e.Message == "":
		return label + ": " + e.Err.Error()
	default:
		return label + ": " + e.Message + ": " + e.Err.Error()
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var kindLabels = map[ErrorKind]string{
	KindConfiguration:     "configuration error",
	KindConnection:        "connection error",
	KindAuthentication:    "authentication error",
	KindValidation:        "validation error",
	KindNotFound:          "not found",
	KindAlreadyExists:     "already exists",
	KindQuery:             "query error",
	KindTransaction:       "transaction error",
	KindSerialization:     "serialization error",
	KindConversion:        "conversion error",
	KindTypeMismatch:      "type mismatch",
	KindTimeout:           "timeout",
	KindTemporary:         "temporary failure",
	KindEmptySearchQuery:  "empty search query",
	KindNoMemoriesFound:   "no memories found",
	KindFeatureNotEnabled: "feature not enabled",
	KindMLNotConfigured:   "ml service not configured",
	KindOperation:         "operation failed",
}

// NewError builds an *Error with a fixed message.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context message to a lower-level error.
// A nil err yields nil so call sites can wrap unconditionally.
func Wrap(kind ErrorKind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err. Errors that did not originate from this
// package report KindOperation.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOperation
}

// IsKind is shorthand for KindOf(err) == kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ParseErrorKind maps a wire label back to its ErrorKind. Unknown labels map
// to KindOperation so remote errors always carry some kind.
func ParseErrorKind(s string) ErrorKind {
	k := ErrorKind(s)
	if _, ok := kindLabels[k]; ok {
		return k
	}
	return KindOperation
}
