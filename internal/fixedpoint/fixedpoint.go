// Package fixedpoint implements Q16.16 fixed-point arithmetic, used in place
// of floating point by the SRT scheduler's burst estimator (spec §4.E) and
// anywhere else the kernel would otherwise need a fractional weight.
//
// The source this kernel is based on ships variants that reinterpret float
// bits as integers to work around the absence of an FPU in some build
// configurations; the Design Notes call that out as a historical wart and
// recommend fixed point instead. golang.org/x/exp/constraints supplies the
// generic integer constraint FromInt is built against, mirroring how the
// teacher repo's catrate package uses the same package for its generic ring
// buffer.
package fixedpoint

import "golang.org/x/exp/constraints"

// Shift is the number of fractional bits: Q16.16.
const Shift = 16

// One represents the fixed-point value 1.0.
const One Q = 1 << Shift

// Q is a signed Q16.16 fixed-point number.
type Q int64

// FromInt converts an integer to fixed point.
func FromInt[T constraints.Integer](v T) Q {
	return Q(int64(v) << Shift)
}

// FromFloat converts a float64 literal to fixed point. Reserved for
// compile-time constants such as the CFSD decay table and SRT's alpha;
// runtime values should flow through FromInt, never through a float
// computed at runtime.
func FromFloat(v float64) Q {
	return Q(v * float64(One))
}

// Int returns the integer part of q, rounding toward negative infinity
// (an arithmetic shift), so -0.5 becomes -1.
func (q Q) Int() int64 {
	return int64(q) >> Shift
}

// Mul returns q*r, rounding toward negative infinity.
func (q Q) Mul(r Q) Q {
	return Q((int64(q) * int64(r)) >> Shift)
}

// Div returns q/r, rounding toward zero. Div panics if r is zero.
func (q Q) Div(r Q) Q {
	if r == 0 {
		panic(`fixedpoint: division by zero`)
	}
	return Q((int64(q) << Shift) / int64(r))
}

// Lerp returns the exponential smoothing alpha*actual + (1-alpha)*previous, used by the
// SRT estimator: tau' = alpha*actual + (1-alpha)*tau.
func Lerp(alpha, actual, previous Q) Q {
	return alpha.Mul(actual) + (One - alpha).Mul(previous)
}
