// Package filter implements the one-euro adaptive low-pass filter used to
// smooth head and controller poses before they are sent upstream.
//
// The filter algorithm is written once against [Ops], which supplies the
// type-specific identity, derivative, magnitude and blend. [Vec3Ops] covers
// positions and [QuatOps] covers unit-quaternion orientations.
package filter

import "math"

// Ops are the operations the filter needs from a value type.
type Ops[T any] interface {
	// Identity is the zero rate of change.
	Identity() T
	// Derivative is the rate of change from prev to cur over dt seconds.
	Derivative(prev, cur T, dt float64) T
	// Magnitude is the speed carried by a derivative.
	Magnitude(d T) float64
	// Blend moves prev toward cur by alpha in [0, 1]. Blend(v, v, a) must
	// return v unchanged.
	Blend(prev, cur T, alpha float64) T
}

// Params configures a filter.
type Params struct {
	// MinCutoff is the cutoff frequency in Hz at zero speed.
	MinCutoff float64
	// Beta scales how fast the cutoff rises with speed.
	Beta float64
	// DerivativeCutoff is the cutoff frequency used to smooth the derivative.
	DerivativeCutoff float64
}

// DefaultParams returns MinCutoff 1, Beta 0.5 and DerivativeCutoff 1.
func DefaultParams() Params {
	return Params{MinCutoff: 1, Beta: 0.5, DerivativeCutoff: 1}
}

// OneEuro is a one-euro filter over values of type T. It is not safe for
// concurrent use.
type OneEuro[T any] struct {
	ops    Ops[T]
	params Params

	x      T
	dx     T
	seeded bool
}

// New returns a filter in the reset state.
func New[T any](ops Ops[T], p Params) *OneEuro[T] {
	return &OneEuro[T]{ops: ops, params: p}
}

// Params returns the filter configuration.
func (f *OneEuro[T]) Params() Params { return f.params }

// Reset drops the filter history. The next call to Filter seeds it.
func (f *OneEuro[T]) Reset() {
	var zero T
	f.x, f.dx = zero, zero
	f.seeded = false
}

// Filter smooths x, sampled dt seconds after the previous call, and returns
// the filtered value. The first call after New or Reset returns x unchanged.
// Callers guard against non-positive dt; the filter answers such a call with
// the previous output and leaves its state untouched.
func (f *OneEuro[T]) Filter(dt float64, x T) T {
	if !f.seeded {
		f.x = x
		f.dx = f.ops.Identity()
		f.seeded = true
		return x
	}
	if !(dt > 0) {
		return f.x
	}

	d := f.ops.Derivative(f.x, x, dt)
	f.dx = f.ops.Blend(f.dx, d, alpha(dt, f.params.DerivativeCutoff))

	cutoff := f.params.MinCutoff + f.params.Beta*f.ops.Magnitude(f.dx)
	f.x = f.ops.Blend(f.x, x, alpha(dt, cutoff))
	return f.x
}

// alpha is the smoothing factor of a first-order low-pass with the given
// cutoff frequency, sampled every dt seconds.
func alpha(dt, cutoff float64) float64 {
	tau := 1 / (2 * math.Pi * cutoff)
	return 1 / (1 + tau/dt)
}
