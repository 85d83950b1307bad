package main

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/zsiec/xrstream/internal/media"
)

// Head sway used by the simulated headset.
const (
	swayAmplitude = 0.35 // radians
	swayPeriod    = 8 * time.Second
	headHeight    = 1.6 // meters
)

// simHeadset is a TrackingProvider that sweeps the head slowly left and
// right. It lets the client run end to end without an XR runtime.
type simHeadset struct {
	mu           sync.Mutex
	start        time.Time
	frame        uint64
	displayDelay time.Duration
	now          func() time.Time
}

func newSimHeadset(refreshRate float64) *simHeadset {
	if refreshRate <= 0 {
		refreshRate = 90
	}
	return &simHeadset{
		start:        time.Now(),
		displayDelay: time.Duration(float64(time.Second) / refreshRate),
		now:          time.Now,
	}
}

func (h *simHeadset) EyeInfo() (media.EyeInfo, bool) {
	fov := media.Fov{Left: -0.8, Right: 0.8, Top: 0.8, Bottom: -0.8}
	return media.EyeInfo{EyeFov: [2]media.Fov{fov, fov}, IPD: 0.063}, true
}

func (h *simHeadset) PollActions() {}

func (h *simHeadset) TrackingInfo(clientPrediction bool) (media.TrackingInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.now()
	if clientPrediction {
		t = t.Add(h.displayDelay)
	}
	h.frame++

	phase := 2 * math.Pi * t.Sub(h.start).Seconds() / swayPeriod.Seconds()
	yaw := swayAmplitude * math.Sin(phase)
	yawRate := swayAmplitude * 2 * math.Pi / swayPeriod.Seconds() * math.Cos(phase)

	info := media.TrackingInfo{FrameIndex: h.frame, TimestampNs: t.UnixNano()}
	info.Devices[media.DeviceHead] = media.DevicePose{
		Pose: media.Pose{
			Orientation: yawQuat(yaw),
			Position:    r3.Vec{Y: headHeight},
		},
		AngularVelocity: r3.Vec{Y: yawRate},
		Valid:           true,
	}
	return info, true
}

// yawQuat is a rotation of angle radians about +Y.
func yawQuat(angle float64) quat.Number {
	s, c := math.Sincos(angle / 2)
	return quat.Number{Real: c, Jmag: s}
}
