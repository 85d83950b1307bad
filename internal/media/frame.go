// Package media defines the packet, frame and pose types that flow through the
// xrstream client runtime, from network ingress through decode and tracking.
package media

import "fmt"

// Queue depths shared by the decode pipeline and the hardware codec adapters.
// 120 entries absorb more than a second of bursty delivery at 90 Hz without
// letting a stalled decoder accumulate unbounded state.
const (
	InputQueueDepth  = 120
	OutputQueueDepth = 120
)

// Codec identifies the video codec family of an access unit.
type Codec uint8

// Supported codec families.
const (
	CodecH264 Codec = iota
	CodecHEVC
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "h265"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// MIMEType returns the decoder MIME type for the codec.
func (c Codec) MIMEType() string {
	if c == CodecHEVC {
		return "video/hevc"
	}
	return "video/avc"
}

// Packet is a borrowed view over one encoded access unit in Annex B format.
// Data may begin with codec configuration NAL units (VPS/SPS/PPS) followed by
// the coded picture. Data is only valid for the duration of the call that
// receives the packet; consumers copy what they keep.
type Packet struct {
	Codec              Codec
	TrackingFrameIndex uint64
	Data               []byte
}

// DecodedFrame is a decoded picture handed to the renderer. Buffer is an
// opaque handle into decoder-owned memory and stays valid only for the
// duration of the OnDecodedFrame call.
type DecodedFrame struct {
	Buffer     int
	Width      int
	Height     int
	PTS        uint64
	FrameIndex uint64
	// Resolved is false when the correlation lookup found no tracking frame
	// for PTS; FrameIndex is then zero and must not be used for pose lookup.
	Resolved bool
}
