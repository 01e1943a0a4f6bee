package common

import (
	"math"
	"math/big"
	"math/bits"

	"github.com/hermeznetwork/tracerr"
)

// Wrap wraps an error with a stack trace
var Wrap = tracerr.Wrap

// Unwrap returns the original error of a wrapped error
var Unwrap = tracerr.Unwrap

// CopyBigInt returns a copy of the big int, or nil if the input is nil
func CopyBigInt(a *big.Int) *big.Int {
	if a == nil {
		return nil
	}
	return new(big.Int).Set(a)
}

// BigIntEqual compares two *big.Int treating nil as zero
func BigIntEqual(a, b *big.Int) bool {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b) == 0
}

// DivCeil returns ceil(a/b) for non negative a and positive b
func DivCeil(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}

// SatAdd returns a+b, or math.MaxUint64 when the sum overflows
func SatAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
