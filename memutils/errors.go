package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvariantViolation marks errors caused by a caller breaking one of the structural rules of the
	// heap: merging a node that still has children, moving a frontier outside its chunk, reusing a retired
	// node, and so on. These represent logic defects and are never retried.
	ErrInvariantViolation = cerrors.New("invariant violation")
	// ErrResourceExhaustion marks errors caused by the block pool or the raw memory source being unable to
	// supply more memory.
	ErrResourceExhaustion = cerrors.New("resource exhaustion")
)

// InvariantViolationf builds an error marked with ErrInvariantViolation
func InvariantViolationf(format string, args ...any) error {
	return cerrors.Mark(cerrors.Newf(format, args...), ErrInvariantViolation)
}

// ResourceExhaustionf builds an error marked with ErrResourceExhaustion
func ResourceExhaustionf(format string, args ...any) error {
	return cerrors.Mark(cerrors.Newf(format, args...), ErrResourceExhaustion)
}

// WrapResourceExhaustion wraps err with a message and marks it with ErrResourceExhaustion. It returns nil
// if err is nil.
func WrapResourceExhaustion(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return cerrors.Mark(cerrors.Wrapf(err, format, args...), ErrResourceExhaustion)
}

// IsInvariantViolation reports whether err carries the ErrInvariantViolation mark
func IsInvariantViolation(err error) bool {
	return cerrors.Is(err, ErrInvariantViolation)
}

// IsResourceExhaustion reports whether err carries the ErrResourceExhaustion mark
func IsResourceExhaustion(err error) bool {
	return cerrors.Is(err, ErrResourceExhaustion)
}
