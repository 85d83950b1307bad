// Package foveation computes the parameters used to reverse-map a foveated
// (center-preserving, edge-compressed) video frame back to display space.
//
// The stream encodes each eye at a reduced size: a center region at full
// resolution and edge regions compressed by EdgeRatio. [Solve] aligns the
// requested geometry to encoder block and size constraints and derives the
// closed-form coefficients of the piecewise sampling function: linear in the
// center, the inverse of a quadratic on each edge. All values are float32 so
// they can be uploaded unchanged as a GPU constant buffer.
package foveation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// EncoderAlignment is the multiple the optimized eye size is rounded up to.
const EncoderAlignment = 32

// Validation errors.
var (
	ErrEyeSize     = errors.New("foveation: eye size must be positive")
	ErrCenterSize  = errors.New("foveation: center size must be in (0, 1)")
	ErrCenterShift = errors.New("foveation: center shift must be in (-1, 1)")
	ErrEdgeRatio   = errors.New("foveation: edge ratio must be >= 1")
	ErrDegenerate  = errors.New("foveation: aligned geometry is degenerate")
)

// Vec2 is a per-axis pair.
type Vec2 struct {
	X, Y float32
}

// Config is the foveation part of a render configuration.
type Config struct {
	EyeWidth    uint32
	EyeHeight   uint32
	CenterSize  Vec2
	CenterShift Vec2
	EdgeRatio   Vec2
}

// BaseParams is the aligned geometry from which the sampling coefficients
// are derived.
type BaseParams struct {
	EyeSizeRatio Vec2
	CenterSize   Vec2
	CenterShift  Vec2
	EdgeRatio    Vec2
	// IdealWidth and IdealHeight are the unrounded optimized eye size.
	IdealWidth  float32
	IdealHeight float32
	// OptimizedWidth and OptimizedHeight are the encoded eye size, rounded up
	// to EncoderAlignment.
	OptimizedWidth  uint32
	OptimizedHeight uint32
}

// DecodeParams holds the per-axis coefficients of the display sampling
// function. The first eleven fields mirror the GPU constant buffer layout.
type DecodeParams struct {
	EyeSizeRatio Vec2
	EdgeRatio    Vec2
	C1           Vec2
	C2           Vec2
	LoBound      Vec2
	HiBound      Vec2
	ALeft        Vec2
	BLeft        Vec2
	ARight       Vec2
	BRight       Vec2
	CRight       Vec2

	OptimizedWidth  uint32
	OptimizedHeight uint32
}

// Validate reports whether c lies in the domain where Solve is defined.
func (c Config) Validate() error {
	if c.EyeWidth == 0 || c.EyeHeight == 0 {
		return ErrEyeSize
	}
	for _, v := range []float32{c.CenterSize.X, c.CenterSize.Y} {
		if !(v > 0 && v < 1) {
			return fmt.Errorf("%w: got %v", ErrCenterSize, v)
		}
	}
	for _, v := range []float32{c.CenterShift.X, c.CenterShift.Y} {
		if !(v > -1 && v < 1) {
			return fmt.Errorf("%w: got %v", ErrCenterShift, v)
		}
	}
	for _, v := range []float32{c.EdgeRatio.X, c.EdgeRatio.Y} {
		if !(v >= 1) {
			return fmt.Errorf("%w: got %v", ErrEdgeRatio, v)
		}
	}
	return nil
}

type baseAxis struct {
	ratio, center, shift, edge, ideal float32
	optimized                         uint32
}

// alignAxis snaps one axis so the edge region spans a whole number of
// 2*edge texel blocks and the optimized size is a multiple of
// EncoderAlignment.
func alignAxis(target, center, shift, edge float32) baseAxis {
	block := float64(edge) * 2

	edgeSize := target - float32(center*target)
	centerAligned := float32(1 - math.Ceil(float64(edgeSize)/block)*block/float64(target))
	edgeAligned := target - float32(centerAligned*target)
	shiftAligned := float32(math.Ceil(float64(float32(shift*edgeAligned))/block) * block / float64(edgeAligned))

	scale := centerAligned + float32((1-centerAligned)/edge)
	ideal := float32(scale * target)
	optimized := uint32(math.Ceil(float64(ideal/EncoderAlignment))) * EncoderAlignment

	return baseAxis{
		ratio:     ideal / float32(optimized),
		center:    centerAligned,
		shift:     shiftAligned,
		edge:      edge,
		ideal:     ideal,
		optimized: optimized,
	}
}

// SolveBase aligns the configured geometry without deriving coefficients.
func SolveBase(c Config) (BaseParams, error) {
	if err := c.Validate(); err != nil {
		return BaseParams{}, err
	}
	x := alignAxis(float32(c.EyeWidth), c.CenterSize.X, c.CenterShift.X, c.EdgeRatio.X)
	y := alignAxis(float32(c.EyeHeight), c.CenterSize.Y, c.CenterShift.Y, c.EdgeRatio.Y)
	if x.center <= 0 || y.center <= 0 || x.shift <= -1 || x.shift >= 1 || y.shift <= -1 || y.shift >= 1 {
		return BaseParams{}, ErrDegenerate
	}
	return BaseParams{
		EyeSizeRatio:    Vec2{x.ratio, y.ratio},
		CenterSize:      Vec2{x.center, y.center},
		CenterShift:     Vec2{x.shift, y.shift},
		EdgeRatio:       Vec2{x.edge, y.edge},
		IdealWidth:      x.ideal,
		IdealHeight:     y.ideal,
		OptimizedWidth:  x.optimized,
		OptimizedHeight: y.optimized,
	}, nil
}

type axisCoeffs struct {
	c1, c2, lo, hi, aL, bL, aR, bR, cR float32
}

func solveAxis(center, shift, edge float32) axisCoeffs {
	c0 := (1 - center) * 0.5
	c1 := (edge - 1) * c0 * (shift + 1) / edge
	c2 := (edge-1)*center + 1

	// Breakpoints in display space.
	lo := c0 * (shift + 1)
	hi := c0*(shift-1) + 1

	// The same breakpoints in the compressed image.
	loC := c0 * (shift + 1) / c2
	hiC := c0*(shift-1)/c2 + 1
	kC := 1 - hiC

	return axisCoeffs{
		c1: c1,
		c2: c2,
		lo: lo,
		hi: hi,
		aL: c2 * (1 - edge) / (edge * loC),
		bL: (c1 + c2*loC) / loC,
		aR: c2 * (edge - 1) / (edge * kC),
		bR: (c2 - edge*c1 - 2*edge*c2 + c2*edge*kC + edge) / (edge * kC),
		cR: ((c2*edge - c2) * (c1 - hiC + c2*hiC)) / (edge * kC * kC),
	}
}

// Solve derives the display sampling coefficients for c. It is a pure
// function: identical inputs give bit-identical outputs.
func Solve(c Config) (DecodeParams, error) {
	base, err := SolveBase(c)
	if err != nil {
		return DecodeParams{}, err
	}
	x := solveAxis(base.CenterSize.X, base.CenterShift.X, base.EdgeRatio.X)
	y := solveAxis(base.CenterSize.Y, base.CenterShift.Y, base.EdgeRatio.Y)

	p := DecodeParams{
		EyeSizeRatio:    base.EyeSizeRatio,
		EdgeRatio:       base.EdgeRatio,
		C1:              Vec2{x.c1, y.c1},
		C2:              Vec2{x.c2, y.c2},
		LoBound:         Vec2{x.lo, y.lo},
		HiBound:         Vec2{x.hi, y.hi},
		ALeft:           Vec2{x.aL, y.aL},
		BLeft:           Vec2{x.bL, y.bL},
		ARight:          Vec2{x.aR, y.aR},
		BRight:          Vec2{x.bR, y.bR},
		CRight:          Vec2{x.cR, y.cR},
		OptimizedWidth:  base.OptimizedWidth,
		OptimizedHeight: base.OptimizedHeight,
	}
	for _, v := range p.floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return DecodeParams{}, ErrDegenerate
		}
	}
	return p, nil
}

func (p DecodeParams) floats() []float32 {
	vs := []Vec2{
		p.EyeSizeRatio, p.EdgeRatio, p.C1, p.C2, p.LoBound, p.HiBound,
		p.ALeft, p.BLeft, p.ARight, p.BRight, p.CRight,
	}
	out := make([]float32, 0, 2*len(vs))
	for _, v := range vs {
		out = append(out, v.X, v.Y)
	}
	return out
}

// ConstantBufferSize is the size of the GPU constant buffer image, padded to
// 16 bytes.
const ConstantBufferSize = 96

// MarshalBinary encodes the eleven coefficient pairs as little-endian float32
// in declaration order, zero-padded to ConstantBufferSize.
func (p DecodeParams) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ConstantBufferSize)
	for i, v := range p.floats() {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf, nil
}

type axis struct {
	ratio, edge, c1, c2, lo, hi, aL, bL, aR, bR, cR float32
}

func (p DecodeParams) axis(i int) axis {
	pick := func(v Vec2) float32 {
		if i == 0 {
			return v.X
		}
		return v.Y
	}
	return axis{
		ratio: pick(p.EyeSizeRatio), edge: pick(p.EdgeRatio),
		c1: pick(p.C1), c2: pick(p.C2), lo: pick(p.LoBound), hi: pick(p.HiBound),
		aL: pick(p.ALeft), bL: pick(p.BLeft),
		aR: pick(p.ARight), bR: pick(p.BRight), cR: pick(p.CRight),
	}
}

func sqrt32(v float32) float32 {
	if v < 0 {
		v = 0
	}
	return float32(math.Sqrt(float64(v)))
}

// remap maps a normalized display coordinate to the normalized coordinate in
// the compressed eye image.
func (a axis) remap(x float32) float32 {
	if a.edge == 1 {
		return x
	}
	switch {
	case x < a.lo:
		return (-a.bL + sqrt32(a.bL*a.bL+4*a.aL*x)) / (2 * a.aL)
	case x > a.hi:
		return (-a.bR + sqrt32(a.bR*a.bR-4*(a.cR-a.aR*x))) / (2 * a.aR)
	default:
		return (x - a.c1) * a.edge / a.c2
	}
}

// Remap maps a normalized display coordinate of one eye to the coordinate in
// the compressed eye image, before correcting for encoder alignment.
func (p DecodeParams) Remap(uv Vec2) Vec2 {
	return Vec2{p.axis(0).remap(uv.X), p.axis(1).remap(uv.Y)}
}

// Sample maps a normalized display coordinate of one eye to the texture
// coordinate inside that eye's region of the decoded frame. The right eye is
// encoded horizontally mirrored, so its x axis is flipped around the remap.
func (p DecodeParams) Sample(uv Vec2, rightEye bool) Vec2 {
	x, y := p.axis(0), p.axis(1)
	u := uv.X
	if rightEye {
		u = 1 - x.remap(1-u)
	} else {
		u = x.remap(u)
	}
	return Vec2{u * x.ratio, y.remap(uv.Y) * y.ratio}
}
