// Package errors provides Kind-classified errors and the integer status codes
// returned to management API callers.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindPermission
	KindConflict
	KindUnavailable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified error. Sentinels declared in this package are *Error
// values and can be matched with errors.Is through any amount of wrapping.
type Error struct {
	Kind       Kind
	Message    string
	Code       int
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. The error is wrapped in a new *Error
// so shared sentinels are never mutated.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	e := &Error{
		Kind:       GetKind(err),
		Message:    "",
		Underlying: err,
		Attributes: map[string]any{key: val},
	}
	if e.Kind == KindUnknown {
		e.Kind = KindInternal
	}
	return &attrError{e: e}
}

// attrError carries attributes without changing the message of the wrapped error.
type attrError struct {
	e *Error
}

func (a *attrError) Error() string { return a.e.Underlying.Error() }

func (a *attrError) Unwrap() error { return a.e.Underlying }

// GetKind returns the Kind of the outermost classified error, or KindUnknown.
func GetKind(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			if e.Kind != KindUnknown {
				return e.Kind
			}
		case *attrError:
			if e.e.Kind != KindUnknown {
				return e.e.Kind
			}
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// GetAttributes returns all attributes associated with the error and its chain.
// Outer attributes win over inner ones with the same key.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	for err != nil {
		var set map[string]any
		switch e := err.(type) {
		case *Error:
			set = e.Attributes
		case *attrError:
			set = e.e.Attributes
		}
		for k, v := range set {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		err = errors.Unwrap(err)
	}
	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
