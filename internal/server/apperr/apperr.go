// Package apperr defines the error classes shared by every server component.
//
// Components keep their own sentinel errors and wrap them with one of these
// classes, so callers can tell an expected, retryable rejection from a bug
// without matching on every sentinel.
package apperr

import (
	"errors"

	"github.com/zeebo/errs"
)

var (
	// Capacity marks user-visible, retryable rejections: no account available,
	// admission denied, quota exceeded.
	Capacity = errs.Class("capacity")

	// Remote marks non-success responses from a storage provider.
	Remote = errs.Class("remote")

	// Stream marks read or write failures while moving file bytes.
	Stream = errs.Class("stream")

	// Internal marks failures that should alert an operator.
	Internal = errs.Class("internal")
)

// IsCapacity reports whether err is a capacity rejection.
func IsCapacity(err error) bool {
	return Capacity.Has(err)
}

// Transient is implemented by errors that are worth retrying.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether any error in the chain declares itself transient.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}
