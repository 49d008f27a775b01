// Package dartcode defines the bit-exact return codes returned across the
// DART ABI boundary and the error type used to carry one alongside a cause.
package dartcode

import "fmt"

// Code is a DART ABI return code. Every exported runtime function returns one.
type Code int

const (
	OK Code = iota
	ErrInval
	ErrNotFound
	ErrNotInit
	ErrAgain
	ErrOther
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ErrInval:
		return "ERR_INVAL"
	case ErrNotFound:
		return "ERR_NOTFOUND"
	case ErrNotInit:
		return "ERR_NOTINIT"
	case ErrAgain:
		return "ERR_AGAIN"
	case ErrOther:
		return "ERR_OTHER"
	default:
		return "ERR_OTHER"
	}
}

// Error pairs a Code with the underlying cause. Internal helpers keep
// idiomatic error values; exported entry points translate to a Code at
// the boundary.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap returns an *Error with the given code, wrapping cause. Returns nil if
// cause is nil.
func Wrap(code Code, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Cause: cause}
}

// New returns an *Error with the given code and message, no wrapped cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Cause: fmt.Errorf("%s", msg)}
}

// CodeOf extracts the Code from err, returning ErrOther for any error not
// produced by this package and OK for a nil error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var de *Error
	if e, ok := err.(*Error); ok {
		de = e
		return de.Code
	}
	return ErrOther
}
