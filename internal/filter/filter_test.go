package filter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/zsiec/xrstream/internal/media"
)

const dt = 1.0 / 90

func axisAngle(axis r3.Vec, angle float64) quat.Number {
	axis = r3.Unit(axis)
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

func TestFirstCallReturnsInput(t *testing.T) {
	t.Parallel()
	v := r3.Vec{X: 1, Y: -2, Z: 0.5}
	assert.Equal(t, v, New[r3.Vec](Vec3Ops{}, DefaultParams()).Filter(dt, v))

	q := axisAngle(r3.Vec{Y: 1}, 0.7)
	assert.Equal(t, q, New[quat.Number](QuatOps{}, DefaultParams()).Filter(dt, q))
}

func TestConstantInputIsFixedPoint(t *testing.T) {
	t.Parallel()
	v := r3.Vec{X: 0.3, Y: 1.7, Z: -0.2}
	fv := New[r3.Vec](Vec3Ops{}, DefaultParams())
	q := axisAngle(r3.Vec{X: 1, Y: 1}, 1.1)
	fq := New[quat.Number](QuatOps{}, DefaultParams())

	for range 100 {
		if got := fv.Filter(dt, v); got != v {
			t.Fatalf("vector drifted: %v, want %v", got, v)
		}
		if got := fq.Filter(dt, q); got != q {
			t.Fatalf("quaternion drifted: %v, want %v", got, q)
		}
	}
}

func TestVec3ConvergesToConstant(t *testing.T) {
	t.Parallel()
	f := New[r3.Vec](Vec3Ops{}, DefaultParams())
	f.Filter(dt, r3.Vec{})

	target := r3.Vec{X: 1, Y: 2, Z: 3}
	var got r3.Vec
	for range 2000 {
		got = f.Filter(dt, target)
	}
	assert.InDelta(t, target.X, got.X, 1e-9)
	assert.InDelta(t, target.Y, got.Y, 1e-9)
	assert.InDelta(t, target.Z, got.Z, 1e-9)
	assert.InDelta(t, 0, r3.Norm(f.dx), 1e-6, "derivative should decay")
}

func TestStepIsMonotonicWithoutOvershoot(t *testing.T) {
	t.Parallel()
	f := New[r3.Vec](Vec3Ops{}, DefaultParams())
	f.Filter(dt, r3.Vec{})

	step := r3.Vec{X: 1}
	prev := 0.0
	for i := range 500 {
		got := f.Filter(dt, step).X
		if got < prev {
			t.Fatalf("step %d: output decreased %v -> %v", i, prev, got)
		}
		if got > 1 {
			t.Fatalf("step %d: output overshot to %v", i, got)
		}
		prev = got
	}
	assert.InDelta(t, 1, prev, 1e-6)
}

func TestBetaReducesLag(t *testing.T) {
	t.Parallel()
	slow := New[r3.Vec](Vec3Ops{}, Params{MinCutoff: 1, Beta: 0, DerivativeCutoff: 1})
	fast := New[r3.Vec](Vec3Ops{}, Params{MinCutoff: 1, Beta: 10, DerivativeCutoff: 1})
	slow.Filter(dt, r3.Vec{})
	fast.Filter(dt, r3.Vec{})

	var s, f r3.Vec
	for range 5 {
		s = slow.Filter(dt, r3.Vec{X: 1})
		f = fast.Filter(dt, r3.Vec{X: 1})
	}
	assert.Greater(t, f.X, s.X)
}

func TestQuatConverges(t *testing.T) {
	t.Parallel()
	f := New[quat.Number](QuatOps{}, DefaultParams())
	f.Filter(dt, identityQuat)

	target := axisAngle(r3.Vec{Y: 1}, math.Pi/2)
	var got quat.Number
	for range 2000 {
		got = f.Filter(dt, target)
		require.InDelta(t, 1, quat.Abs(got), 1e-9, "output must stay unit length")
	}
	assert.InDelta(t, 1, math.Abs(dot(got, target)), 1e-9)
}

func TestQuatOps(t *testing.T) {
	t.Parallel()
	ops := QuatOps{}
	q := axisAngle(r3.Vec{Z: 1}, 0.4)

	assert.InDelta(t, 0.4, ops.Magnitude(q), 1e-12)
	assert.InDelta(t, 0, ops.Magnitude(ops.Identity()), 1e-12)

	d := ops.Derivative(q, q, dt)
	assert.InDelta(t, 1, d.Real, 1e-12)
	assert.InDelta(t, 0, ops.Magnitude(d), 1e-5)

	// A small rotation over dt reads back as roughly its angular speed.
	step := axisAngle(r3.Vec{Z: 1}, 0.001)
	d = ops.Derivative(identityQuat, step, dt)
	assert.InDelta(t, 0.09, ops.Magnitude(d), 5e-3)
}

func TestSlerp(t *testing.T) {
	t.Parallel()
	a := axisAngle(r3.Vec{X: 1}, 0.2)
	b := axisAngle(r3.Vec{X: 1}, 1.4)

	start := slerp(a, b, 0)
	end := slerp(a, b, 1)
	mid := slerp(a, b, 0.5)
	assert.InDelta(t, 1, math.Abs(dot(start, a)), 1e-12)
	assert.InDelta(t, 1, math.Abs(dot(end, b)), 1e-12)
	assert.InDelta(t, 0.8, QuatOps{}.Magnitude(mid), 1e-9)

	// -b is the same rotation; interpolation takes the short arc.
	neg := slerp(a, quat.Scale(-1, b), 0.5)
	assert.InDelta(t, 1, math.Abs(dot(neg, mid)), 1e-12)
}

func TestNonPositiveDtHoldsState(t *testing.T) {
	t.Parallel()
	f := New[r3.Vec](Vec3Ops{}, DefaultParams())
	f.Filter(dt, r3.Vec{X: 1})
	for _, bad := range []float64{0, -dt, math.NaN()} {
		got := f.Filter(bad, r3.Vec{X: 5})
		assert.Equal(t, r3.Vec{X: 1}, got, "dt=%v", bad)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	p := Params{MinCutoff: 2, Beta: 0.1, DerivativeCutoff: 3}
	f := New[r3.Vec](Vec3Ops{}, p)
	f.Filter(dt, r3.Vec{})
	f.Filter(dt, r3.Vec{X: 1})

	f.Reset()
	assert.Equal(t, p, f.Params())
	v := r3.Vec{Y: 9}
	assert.Equal(t, v, f.Filter(dt, v))
}

func TestPoseFilter(t *testing.T) {
	t.Parallel()
	f := NewPoseFilter(DefaultParams())
	p := media.Pose{Orientation: axisAngle(r3.Vec{Y: 1}, 0.3), Position: r3.Vec{Y: 1.6}}
	assert.Equal(t, p, f.Filter(dt, p))
	assert.Equal(t, p, f.Filter(dt, p))

	moved := media.Pose{Orientation: p.Orientation, Position: r3.Vec{X: 0.1, Y: 1.6}}
	got := f.Filter(dt, moved)
	assert.Equal(t, p.Orientation, got.Orientation)
	assert.Greater(t, got.Position.X, 0.0)
	assert.Less(t, got.Position.X, 0.1)

	f.Reset()
	assert.Equal(t, moved, f.Filter(dt, moved))
}
