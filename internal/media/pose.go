package media

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid transform: a unit quaternion orientation and a position in
// meters. Quaternion components follow gonum: Real is w, Imag/Jmag/Kmag are x/y/z.
type Pose struct {
	Orientation quat.Number
	Position    r3.Vec
}

// IdentityPose returns the pose with no rotation at the origin.
func IdentityPose() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// Fov is a per-eye field of view as four angles in radians.
type Fov struct {
	Left, Right, Top, Bottom float32
}

// EyeInfo is the view configuration sent upstream whenever it changes.
type EyeInfo struct {
	EyeFov [2]Fov
	IPD    float32
	// HiddenAreaMeshes are per-eye triangle lists of the display area the
	// lenses hide, as x,y pairs in normalized eye coordinates. Either may be
	// empty.
	HiddenAreaMeshes [2][]float32
}

// Device identifies a tracked device.
type Device uint8

// Tracked devices.
const (
	DeviceHead Device = iota
	DeviceLeftHand
	DeviceRightHand
	DeviceCount
)

func (d Device) String() string {
	switch d {
	case DeviceHead:
		return "head"
	case DeviceLeftHand:
		return "left_hand"
	case DeviceRightHand:
		return "right_hand"
	default:
		return "unknown"
	}
}

// DevicePose is the tracking state of one device in a sample.
type DevicePose struct {
	Pose            Pose
	LinearVelocity  r3.Vec
	AngularVelocity r3.Vec
	Valid           bool
}

// TrackingInfo is one polled tracking sample. FrameIndex is the tracking
// frame index the server echoes back inside the video packet rendered for it.
type TrackingInfo struct {
	FrameIndex  uint64
	TimestampNs int64
	Devices     [DeviceCount]DevicePose
	// Buttons is a bitmask of pressed inputs, opaque to the runtime.
	Buttons uint64
}
