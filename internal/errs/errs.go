// ABOUTME: Shared error taxonomy for kbm storage and query operations
// ABOUTME: Typed error kinds with errors.Is support for boundary mapping

package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling. Expected kinds are
// returned to callers as typed results; anything unclassified is treated
// as a defect and propagated with full detail.
type Kind int

const (
	// KindUnknown marks errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation marks malformed input rejected before touching storage.
	KindValidation
	// KindNotFound marks an unknown unit or record.
	KindNotFound
	// KindPermission marks an operation the active view forbids.
	KindPermission
	// KindEngine marks a backend indexing or query failure.
	KindEngine
	// KindConsistency marks a derived index that disagrees with canonical data.
	KindConsistency
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission_error"
	case KindEngine:
		return "engine_error"
	case KindConsistency:
		return "consistency_error"
	default:
		return "internal_error"
	}
}

// Error is a classified error. Use the constructors below rather than
// building one directly.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of the error.
func (e *Error) Kind() Kind { return e.kind }

// Is matches against the kind sentinels so callers can write
// errors.Is(err, errs.ErrNotFound).
func (e *Error) Is(target error) bool {
	s, ok := target.(sentinel)
	return ok && s.kind == e.kind
}

// sentinel is a comparable stand-in for a kind, used as an errors.Is target.
type sentinel struct{ kind Kind }

func (s sentinel) Error() string { return s.kind.String() }

// Sentinels for errors.Is matching.
var (
	ErrValidation  error = sentinel{KindValidation}
	ErrNotFound    error = sentinel{KindNotFound}
	ErrPermission  error = sentinel{KindPermission}
	ErrEngine      error = sentinel{KindEngine}
	ErrConsistency error = sentinel{KindConsistency}
)

// Validation reports malformed input.
func Validation(format string, args ...any) error {
	return &Error{kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown unit or record.
func NotFound(format string, args ...any) error {
	return &Error{kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

// Permission reports an operation forbidden by the active view.
func Permission(format string, args ...any) error {
	return &Error{kind: KindPermission, msg: fmt.Sprintf(format, args...)}
}

// Engine wraps a backend failure. The cause is preserved for logging.
func Engine(err error, format string, args ...any) error {
	return &Error{kind: KindEngine, msg: fmt.Sprintf(format, args...), err: err}
}

// Consistency reports a derived index that no longer matches canonical data.
func Consistency(format string, args ...any) error {
	return &Error{kind: KindConsistency, msg: fmt.Sprintf(format, args...)}
}

// KindOf classifies err, returning KindUnknown for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}
