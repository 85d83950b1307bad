package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/zsiec/xrstream/internal/latency"
	"github.com/zsiec/xrstream/internal/media"
)

// maxMeshFloats bounds a hidden area mesh so a corrupt count cannot force a
// huge allocation.
const maxMeshFloats = 1 << 16

// LatencyReport is the periodic client latency summary sent upstream.
type LatencyReport struct {
	LastFrame  uint64
	Inputs     uint64
	Outputs    uint64
	Rendered   uint64
	Missed     uint64
	MeanDecode time.Duration
	MaxDecode  time.Duration
	MeanTotal  time.Duration
}

// ReportFromSnapshot converts a collector snapshot to a wire report.
func ReportFromSnapshot(s latency.Snapshot) LatencyReport {
	return LatencyReport{
		LastFrame:  s.LastFrame,
		Inputs:     uint64(s.Inputs),
		Outputs:    uint64(s.Outputs),
		Rendered:   uint64(s.Rendered),
		Missed:     uint64(s.Missed),
		MeanDecode: s.MeanDecode,
		MaxDecode:  s.MaxDecode,
		MeanTotal:  s.MeanTotal,
	}
}

// SerializeViewConfig serializes a VIEW_CONFIG payload:
// per eye [left right top bottom (float32)], [ipd (float32)], then per eye
// [float_count (varint)] [floats...] for the hidden area mesh.
func SerializeViewConfig(e media.EyeInfo) []byte {
	buf := make([]byte, 0, 36+len(e.HiddenAreaMeshes[0])*4+len(e.HiddenAreaMeshes[1])*4+4)
	for _, f := range e.EyeFov {
		buf = appendFloat(buf, f.Left)
		buf = appendFloat(buf, f.Right)
		buf = appendFloat(buf, f.Top)
		buf = appendFloat(buf, f.Bottom)
	}
	buf = appendFloat(buf, e.IPD)
	for _, mesh := range e.HiddenAreaMeshes {
		buf = quicvarint.Append(buf, uint64(len(mesh)))
		for _, v := range mesh {
			buf = appendFloat(buf, v)
		}
	}
	return buf
}

// ParseViewConfig parses a VIEW_CONFIG payload.
func ParseViewConfig(data []byte) (media.EyeInfo, error) {
	r := newBufReader(data)
	var e media.EyeInfo

	for i := range e.EyeFov {
		f := &e.EyeFov[i]
		for _, dst := range []*float32{&f.Left, &f.Right, &f.Top, &f.Bottom} {
			v, err := r.readFloat()
			if err != nil {
				return e, &ParseError{Field: fmt.Sprintf("eye_fov[%d]", i), Err: err}
			}
			*dst = v
		}
	}
	ipd, err := r.readFloat()
	if err != nil {
		return e, &ParseError{Field: "ipd", Err: err}
	}
	e.IPD = ipd

	for i := range e.HiddenAreaMeshes {
		n, err := r.readVarint()
		if err != nil {
			return e, &ParseError{Field: "mesh_length", Err: err}
		}
		if n > maxMeshFloats || n*4 > uint64(r.remaining()) {
			return e, &ParseError{Field: "mesh_length", Err: fmt.Errorf("%w: %d floats", ErrTooLarge, n)}
		}
		if n == 0 {
			continue
		}
		mesh := make([]float32, n)
		for j := range mesh {
			if mesh[j], err = r.readFloat(); err != nil {
				return e, &ParseError{Field: "mesh", Err: err}
			}
		}
		e.HiddenAreaMeshes[i] = mesh
	}
	if r.remaining() != 0 {
		return e, ErrTrailingData
	}
	return e, nil
}

// SerializeTracking serializes a TRACKING payload:
// [frame_index (varint)] [timestamp_ns (int64)] [buttons (uint64)]
// [device_count (byte)], then per device [valid (byte)] and, when valid,
// orientation x y z w, position, linear and angular velocity as float32.
func SerializeTracking(t media.TrackingInfo) []byte {
	buf := make([]byte, 0, 32+len(t.Devices)*53)
	buf = quicvarint.Append(buf, t.FrameIndex)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.TimestampNs))
	buf = binary.BigEndian.AppendUint64(buf, t.Buttons)
	buf = append(buf, byte(len(t.Devices)))
	for _, d := range t.Devices {
		if !d.Valid {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		q := d.Pose.Orientation
		for _, v := range []float64{q.Imag, q.Jmag, q.Kmag, q.Real} {
			buf = appendFloat(buf, float32(v))
		}
		for _, vec := range []r3.Vec{d.Pose.Position, d.LinearVelocity, d.AngularVelocity} {
			buf = appendVec(buf, vec)
		}
	}
	return buf
}

// ParseTracking parses a TRACKING payload. Devices beyond media.DeviceCount
// are rejected.
func ParseTracking(data []byte) (media.TrackingInfo, error) {
	r := newBufReader(data)
	var t media.TrackingInfo

	var err error
	if t.FrameIndex, err = r.readVarint(); err != nil {
		return t, &ParseError{Field: "frame_index", Err: err}
	}
	ts, err := r.readUint64()
	if err != nil {
		return t, &ParseError{Field: "timestamp", Err: err}
	}
	t.TimestampNs = int64(ts)
	if t.Buttons, err = r.readUint64(); err != nil {
		return t, &ParseError{Field: "buttons", Err: err}
	}
	count, err := r.readByte()
	if err != nil {
		return t, &ParseError{Field: "device_count", Err: err}
	}
	if int(count) > len(t.Devices) {
		return t, &ParseError{Field: "device_count", Err: fmt.Errorf("%d devices, max %d", count, len(t.Devices))}
	}

	for i := range int(count) {
		valid, err := r.readByte()
		if err != nil {
			return t, &ParseError{Field: "device_valid", Err: err}
		}
		if valid == 0 {
			continue
		}
		var f [13]float32
		for j := range f {
			if f[j], err = r.readFloat(); err != nil {
				return t, &ParseError{Field: media.Device(i).String(), Err: err}
			}
		}
		t.Devices[i] = media.DevicePose{
			Pose: media.Pose{
				Orientation: quat.Number{Imag: float64(f[0]), Jmag: float64(f[1]), Kmag: float64(f[2]), Real: float64(f[3])},
				Position:    vec(f[4:7]),
			},
			LinearVelocity:  vec(f[7:10]),
			AngularVelocity: vec(f[10:13]),
			Valid:           true,
		}
	}
	if r.remaining() != 0 {
		return t, ErrTrailingData
	}
	return t, nil
}

// SerializeLatencyReport serializes a LATENCY_REPORT payload as eight
// varints; durations are in microseconds, negative values clamp to zero.
func SerializeLatencyReport(l LatencyReport) []byte {
	var buf []byte
	for _, v := range []uint64{
		l.LastFrame, l.Inputs, l.Outputs, l.Rendered, l.Missed,
		micros(l.MeanDecode), micros(l.MaxDecode), micros(l.MeanTotal),
	} {
		buf = quicvarint.Append(buf, v)
	}
	return buf
}

// ParseLatencyReport parses a LATENCY_REPORT payload.
func ParseLatencyReport(data []byte) (LatencyReport, error) {
	r := newBufReader(data)
	var l LatencyReport
	var us [3]uint64
	fields := []struct {
		name string
		dst  *uint64
	}{
		{"last_frame", &l.LastFrame},
		{"inputs", &l.Inputs},
		{"outputs", &l.Outputs},
		{"rendered", &l.Rendered},
		{"missed", &l.Missed},
		{"mean_decode", &us[0]},
		{"max_decode", &us[1]},
		{"mean_total", &us[2]},
	}
	for _, f := range fields {
		v, err := r.readVarint()
		if err != nil {
			return l, &ParseError{Field: f.name, Err: err}
		}
		*f.dst = v
	}
	l.MeanDecode = time.Duration(us[0]) * time.Microsecond
	l.MaxDecode = time.Duration(us[1]) * time.Microsecond
	l.MeanTotal = time.Duration(us[2]) * time.Microsecond
	if r.remaining() != 0 {
		return l, ErrTrailingData
	}
	return l, nil
}

func micros(d time.Duration) uint64 {
	return uint64(max(d, 0).Microseconds())
}

func appendVec(buf []byte, v r3.Vec) []byte {
	buf = appendFloat(buf, float32(v.X))
	buf = appendFloat(buf, float32(v.Y))
	return appendFloat(buf, float32(v.Z))
}

func vec(f []float32) r3.Vec {
	return r3.Vec{X: float64(f[0]), Y: float64(f[1]), Z: float64(f[2])}
}
