// Package errs defines the error taxonomy from spec.md §7: a closed set of
// kinds, each wrapping an underlying cause the way the teacher wraps errors
// with fmt.Errorf("...: %w", err) — errs only adds a Kind field, read back
// through KindOf, so callers can branch on kind instead of matching message
// strings.
package errs

import "fmt"

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindParse         Kind = "parse"
	KindEmbedder      Kind = "embedder"
	KindStoreConflict Kind = "store_conflict"
	KindTimeout       Kind = "timeout"
	KindMigration     Kind = "migration"
	KindIPC           Kind = "ipc"
)

// Error is a taxonomy-tagged error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// as walks err's single-error Unwrap chain by hand, in place of errors.As,
// and reports the first *Error it finds.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsTransient reports whether a given EmbedderError / StoreConflictError
// should be retried by its caller rather than treated as permanent, per the
// §4.12 failure semantics summary. Configuration, parse, and migration
// errors are never transient.
func IsTransient(kind Kind) bool {
	switch kind {
	case KindEmbedder, KindStoreConflict, KindTimeout, KindIPC:
		return true
	default:
		return false
	}
}
