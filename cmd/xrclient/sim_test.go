package main

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"github.com/zsiec/xrstream/internal/media"
)

func TestSimHeadsetSamples(t *testing.T) {
	t.Parallel()
	h := newSimHeadset(120)
	base := h.start.Add(2 * time.Second)
	h.now = func() time.Time { return base }

	a, ok := h.TrackingInfo(false)
	if !ok {
		t.Fatal("no sample")
	}
	b, _ := h.TrackingInfo(true)
	if b.FrameIndex != a.FrameIndex+1 {
		t.Errorf("frame index %d after %d", b.FrameIndex, a.FrameIndex)
	}
	if got, want := b.TimestampNs-a.TimestampNs, int64(time.Second/120); got != want {
		t.Errorf("prediction offset = %d ns, want %d", got, want)
	}

	head := a.Devices[media.DeviceHead]
	if !head.Valid {
		t.Fatal("head pose not valid")
	}
	if n := quat.Abs(head.Pose.Orientation); math.Abs(n-1) > 1e-9 {
		t.Errorf("orientation norm = %v, want 1", n)
	}
	// A quarter period in, the sway is at its peak.
	if got := 2 * math.Asin(head.Pose.Orientation.Jmag); math.Abs(got-swayAmplitude) > 1e-9 {
		t.Errorf("yaw = %v, want %v", got, swayAmplitude)
	}
	if a.Devices[media.DeviceLeftHand].Valid {
		t.Error("hands should not be tracked")
	}
}

func TestYawQuat(t *testing.T) {
	t.Parallel()
	q := yawQuat(math.Pi)
	if math.Abs(q.Real) > 1e-12 || math.Abs(q.Jmag-1) > 1e-12 {
		t.Errorf("yawQuat(pi) = %v", q)
	}
}
