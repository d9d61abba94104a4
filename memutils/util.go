package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type the alignment helpers accept
type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// Log2Ceil returns the smallest k such that 1<<k >= n. n must be positive.
func Log2Ceil[T Number](n T) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(uint64(n - 1))
}

// Log2Floor returns the largest k such that 1<<k <= n. n must be positive.
func Log2Floor[T Number](n T) int {
	return bits.Len64(uint64(n)) - 1
}

// DivCeil returns ceil(a/b) for positive b
func DivCeil[T Number](a, b T) T {
	return (a + b - 1) / b
}
