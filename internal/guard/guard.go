// Package guard converts panics raised by collaborators into ordinary errors
// so that a defect never unwinds past a component boundary.
package guard

import (
	"errors"
	"fmt"
)

// ErrPanic is wrapped by every error produced from a recovered panic.
var ErrPanic = errors.New("recovered panic")

// Recover must be deferred directly. If the surrounding function is
// panicking, the panic value is converted into an error stored in *err,
// prefixed with where.
//
//	func (a *Allocator) Generate(...) (id string, err error) {
//		defer guard.Recover(&err, "ids.Generate")
//		...
//	}
func Recover(err *error, where string) {
	if r := recover(); r != nil {
		*err = FromPanic(r, where)
	}
}

// FromPanic builds the error for a recovered panic value.
func FromPanic(r any, where string) error {
	if e, ok := r.(error); ok {
		return fmt.Errorf("%s: %w: %w", where, ErrPanic, e)
	}
	return fmt.Errorf("%s: %w: %v", where, ErrPanic, r)
}

// Call runs fn and returns its error, or the converted panic if fn panics.
func Call(where string, fn func() error) (err error) {
	defer Recover(&err, where)
	return fn()
}
