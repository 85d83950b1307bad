package filter

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/zsiec/xrstream/internal/media"
)

// Vec3Ops filters positions.
type Vec3Ops struct{}

func (Vec3Ops) Identity() r3.Vec { return r3.Vec{} }

func (Vec3Ops) Derivative(prev, cur r3.Vec, dt float64) r3.Vec {
	return r3.Scale(1/dt, r3.Sub(cur, prev))
}

func (Vec3Ops) Magnitude(d r3.Vec) float64 { return r3.Norm(d) }

func (Vec3Ops) Blend(prev, cur r3.Vec, alpha float64) r3.Vec {
	return r3.Add(prev, r3.Scale(alpha, r3.Sub(cur, prev)))
}

// QuatOps filters unit-quaternion orientations. The derivative is the
// relative rotation from prev to cur with its vector part scaled by 1/dt,
// and blending is spherical.
type QuatOps struct{}

var identityQuat = quat.Number{Real: 1}

func (QuatOps) Identity() quat.Number { return identityQuat }

func (QuatOps) Derivative(prev, cur quat.Number, dt float64) quat.Number {
	rate := 1 / dt
	d := quat.Mul(cur, quat.Inv(prev))
	d.Imag *= rate
	d.Jmag *= rate
	d.Kmag *= rate
	d.Real = d.Real*rate + (1 - rate)
	return normalize(d)
}

// Magnitude is the rotation angle of d in radians.
func (QuatOps) Magnitude(d quat.Number) float64 {
	return 2 * math.Acos(math.Max(-1, math.Min(1, d.Real)))
}

func (QuatOps) Blend(prev, cur quat.Number, alpha float64) quat.Number {
	return slerp(prev, cur, alpha)
}

func dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return identityQuat
	}
	return quat.Scale(1/n, q)
}

// slerp interpolates along the shorter arc from a to b.
func slerp(a, b quat.Number, t float64) quat.Number {
	if a == b {
		return a
	}
	cos := dot(a, b)
	if cos < 0 {
		b = quat.Scale(-1, b)
		cos = -cos
	}
	if cos > 0.9995 {
		return normalize(quat.Add(a, quat.Scale(t, quat.Sub(b, a))))
	}
	theta := math.Acos(cos)
	sin := math.Sin(theta)
	return quat.Add(
		quat.Scale(math.Sin((1-t)*theta)/sin, a),
		quat.Scale(math.Sin(t*theta)/sin, b),
	)
}

// PoseFilter smooths a pose with independent orientation and position
// filters.
type PoseFilter struct {
	rot *OneEuro[quat.Number]
	pos *OneEuro[r3.Vec]
}

// NewPoseFilter returns a pose filter using p for both components.
func NewPoseFilter(p Params) *PoseFilter {
	return &PoseFilter{
		rot: New[quat.Number](QuatOps{}, p),
		pos: New[r3.Vec](Vec3Ops{}, p),
	}
}

// Filter smooths p, sampled dt seconds after the previous call.
func (f *PoseFilter) Filter(dt float64, p media.Pose) media.Pose {
	return media.Pose{
		Orientation: f.rot.Filter(dt, p.Orientation),
		Position:    f.pos.Filter(dt, p.Position),
	}
}

// Reset drops the history of both component filters.
func (f *PoseFilter) Reset() {
	f.rot.Reset()
	f.pos.Reset()
}
