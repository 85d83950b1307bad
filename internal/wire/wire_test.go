package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quic-go/quic-go/quicvarint"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/zsiec/xrstream/internal/latency"
	"github.com/zsiec/xrstream/internal/media"
)

func TestVideoFrameRoundTrip(t *testing.T) {
	t.Parallel()
	frames := []media.Packet{
		{Codec: media.CodecH264, TrackingFrameIndex: 42, Data: []byte{0, 0, 0, 1, 0x65, 0x88}},
		{Codec: media.CodecHEVC, TrackingFrameIndex: 1 << 40, Data: bytes.Repeat([]byte{0xab}, 300)},
		{Codec: media.CodecH264, TrackingFrameIndex: 0, Data: []byte{}},
	}
	var buf []byte
	for _, f := range frames {
		buf = AppendVideoFrame(buf, f)
	}

	r := bufio.NewReader(bytes.NewReader(buf))
	for i, want := range frames {
		got, err := ReadVideoFrame(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("frame %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if _, err := ReadVideoFrame(r); !errors.Is(err, io.EOF) {
		t.Errorf("read past end = %v, want io.EOF", err)
	}
}

func TestVideoFrameErrors(t *testing.T) {
	t.Parallel()
	valid := AppendVideoFrame(nil, media.Packet{TrackingFrameIndex: 7, Data: []byte{1, 2, 3, 4}})

	tests := []struct {
		name  string
		data  []byte
		field string
		is    error
	}{
		{"truncated codec", valid[:1], "codec", io.ErrUnexpectedEOF},
		{"truncated payload", valid[:len(valid)-1], "payload", io.ErrUnexpectedEOF},
		{"unknown codec", []byte{7, 9, 0}, "codec", ErrUnknownCodec},
		{"oversized", quicvarint.Append([]byte{7, 0}, MaxMessageSize+1), "length", ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadVideoFrame(bytes.NewReader(tt.data))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ParseError", err)
			}
			if pe.Field != tt.field {
				t.Errorf("field = %q, want %q", pe.Field, tt.field)
			}
			if !errors.Is(err, tt.is) {
				t.Errorf("error = %v, want %v", err, tt.is)
			}
		})
	}
}

func TestMsgRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteMsg(&buf, MsgTracking, []byte("pose")); err != nil {
		t.Fatal(err)
	}
	if err := WriteMsg(&buf, MsgLatencyReport, nil); err != nil {
		t.Fatal(err)
	}

	typ, payload, err := ReadMsg(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if typ != MsgTracking || string(payload) != "pose" {
		t.Errorf("got (%#x, %q), want (%#x, %q)", typ, payload, MsgTracking, "pose")
	}
	typ, payload, err = ReadMsg(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if typ != MsgLatencyReport || len(payload) != 0 {
		t.Errorf("got (%#x, %d bytes), want (%#x, 0 bytes)", typ, len(payload), MsgLatencyReport)
	}
}

func TestReadMsgTruncated(t *testing.T) {
	t.Parallel()
	full := AppendMsg(nil, MsgViewConfig, []byte{1, 2, 3, 4, 5})
	for n := 1; n < len(full); n++ {
		if _, _, err := ReadMsg(bytes.NewReader(full[:n])); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadMsg(%d of %d bytes) = %v, want io.ErrUnexpectedEOF", n, len(full), err)
		}
	}
}

func TestParseMsg(t *testing.T) {
	t.Parallel()
	dgram := AppendMsg(nil, MsgTracking, []byte{9, 8})
	typ, payload, err := ParseMsg(dgram)
	if err != nil {
		t.Fatal(err)
	}
	if typ != MsgTracking || !bytes.Equal(payload, []byte{9, 8}) {
		t.Errorf("ParseMsg = (%#x, %v)", typ, payload)
	}
	if _, _, err := ParseMsg(append(dgram, 0)); !errors.Is(err, ErrTrailingData) {
		t.Errorf("trailing byte: err = %v, want ErrTrailingData", err)
	}
	if _, _, err := ParseMsg(dgram[:len(dgram)-1]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short datagram: err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestViewConfigRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		eye  media.EyeInfo
	}{
		{"no meshes", media.EyeInfo{
			EyeFov: [2]media.Fov{{Left: -0.875, Right: 0.75, Top: 0.875, Bottom: -0.875}, {Left: -0.75, Right: 0.875, Top: 0.875, Bottom: -0.875}},
			IPD:    0.0625,
		}},
		{"left mesh only", media.EyeInfo{
			IPD:              0.0625,
			HiddenAreaMeshes: [2][]float32{{0, 0, 0.25, 0, 0, 0.25}, nil},
		}},
		{"both meshes", media.EyeInfo{
			IPD:              0.0625,
			HiddenAreaMeshes: [2][]float32{{0, 0, 1, 0, 0, 1}, {1, 1, 0.5, 1, 1, 0.5}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseViewConfig(SerializeViewConfig(tt.eye))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.eye, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseViewConfigErrors(t *testing.T) {
	t.Parallel()
	data := SerializeViewConfig(media.EyeInfo{IPD: 0.06})

	if _, err := ParseViewConfig(data[:10]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated: err = %v, want io.ErrUnexpectedEOF", err)
	}

	// Mesh length claims more floats than the payload carries.
	bad := append(append([]byte{}, data[:36]...), quicvarint.Append(nil, 1000)...)
	bad = append(bad, 0)
	if _, err := ParseViewConfig(bad); !errors.Is(err, ErrTooLarge) {
		t.Errorf("bogus mesh length: err = %v, want ErrTooLarge", err)
	}

	if _, err := ParseViewConfig(append(data, 1)); !errors.Is(err, ErrTrailingData) {
		t.Errorf("trailing data: err = %v, want ErrTrailingData", err)
	}
}

func TestTrackingRoundTrip(t *testing.T) {
	t.Parallel()
	in := media.TrackingInfo{
		FrameIndex:  123456,
		TimestampNs: -5,
		Buttons:     1<<63 | 0b101,
	}
	in.Devices[media.DeviceHead] = media.DevicePose{
		Pose: media.Pose{
			Orientation: quat.Number{Real: 0.5, Imag: 0.5, Jmag: -0.5, Kmag: 0.5},
			Position:    r3.Vec{X: 0.25, Y: 1.5, Z: -2},
		},
		LinearVelocity:  r3.Vec{X: 0.125},
		AngularVelocity: r3.Vec{Z: -0.5},
		Valid:           true,
	}
	in.Devices[media.DeviceRightHand] = media.DevicePose{
		Pose:  media.IdentityPose(),
		Valid: true,
	}

	got, err := ParseTracking(SerializeTracking(in))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTrackingErrors(t *testing.T) {
	t.Parallel()
	var in media.TrackingInfo
	in.Devices[media.DeviceHead] = media.DevicePose{Pose: media.IdentityPose(), Valid: true}
	data := SerializeTracking(in)

	for n := range len(data) {
		if _, err := ParseTracking(data[:n]); err == nil {
			t.Errorf("ParseTracking(%d of %d bytes) succeeded", n, len(data))
		}
	}

	tooMany := append([]byte{}, data[:17]...)
	tooMany = append(tooMany, byte(media.DeviceCount)+1)
	var pe *ParseError
	if _, err := ParseTracking(tooMany); !errors.As(err, &pe) || pe.Field != "device_count" {
		t.Errorf("device overflow: err = %v, want device_count ParseError", err)
	}
}

func TestLatencyReportRoundTrip(t *testing.T) {
	t.Parallel()
	snap := latency.Snapshot{
		Inputs:     100,
		Outputs:    98,
		Rendered:   97,
		Missed:     2,
		LastFrame:  4096,
		MeanDecode: 6 * time.Millisecond,
		MaxDecode:  11*time.Millisecond + 250*time.Microsecond,
		MeanTotal:  14 * time.Millisecond,
	}
	want := ReportFromSnapshot(snap)
	got, err := ParseLatencyReport(SerializeLatencyReport(want))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	neg, err := ParseLatencyReport(SerializeLatencyReport(LatencyReport{MeanDecode: -time.Second}))
	if err != nil {
		t.Fatal(err)
	}
	if neg.MeanDecode != 0 {
		t.Errorf("negative duration decoded as %v, want 0", neg.MeanDecode)
	}
}
