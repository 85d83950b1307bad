package decoder

import "github.com/zsiec/xrstream/internal/media"

// Flags annotate a submitted input buffer or a produced output buffer.
type Flags uint32

const (
	// FlagCodecConfig marks a buffer that carries only parameter sets. It
	// has presentation timestamp 0 and produces no picture.
	FlagCodecConfig Flags = 1 << iota
	// FlagKeyFrame marks an IDR picture.
	FlagKeyFrame
)

// Format describes the pictures a session produces.
type Format struct {
	Width  int
	Height int
}

// Callbacks receives the asynchronous events of a hardware decode session.
// Implementations are called from the codec's own goroutines and must not
// block for long.
type Callbacks interface {
	// OnInputAvailable reports that input buffer index may be filled.
	OnInputAvailable(index int)
	// OnOutputAvailable reports that output buffer index holds the picture
	// submitted with pts.
	OnOutputAvailable(index int, pts uint64, flags Flags)
	// OnFormatChanged reports the output picture format.
	OnFormatChanged(f Format)
	// OnError reports a session failure. Errors wrapping ErrHardwareContract
	// are fatal to the pipeline; anything else abandons the session.
	OnError(err error)
}

// Codec is a started hardware decode session. Buffer indices are owned by the
// hardware between being reported available and being handed back through
// QueueInput or ReleaseOutput.
type Codec interface {
	// InputBuffer returns the memory backing input buffer index. The slice
	// is valid until QueueInput is called for index.
	InputBuffer(index int) ([]byte, error)
	// QueueInput submits the first size bytes of input buffer index.
	QueueInput(index, size int, pts uint64, flags Flags) error
	// ReleaseOutput returns output buffer index to the hardware, presenting
	// it to the output surface when render is true.
	ReleaseOutput(index int, render bool) error
	// Stop blocks until pending hardware work completes and releases the
	// session. No callbacks are delivered after Stop returns.
	Stop() error
}

// Factory constructs a session for codec from its parameter sets (Annex B,
// start codes included) and starts it. A nil error means the session accepted
// the configuration and owns an output surface.
type Factory func(codec media.Codec, config []byte, cb Callbacks) (Codec, error)

// FrameConsumer receives decoded pictures. OnDecodedFrame is a single
// handoff: the buffer handle is released as soon as it returns.
type FrameConsumer interface {
	OnDecodedFrame(f media.DecodedFrame)
}

// LatencyTracker receives per-frame pipeline timestamps. Calls must not block.
type LatencyTracker interface {
	DecoderInput(frameIndex uint64)
	DecoderOutput(frameIndex uint64)
}

// IDRWaiter is the packet-loss recovery collaborator that stops requesting
// keyframes once an IDR has been submitted.
type IDRWaiter interface {
	ClearWaitingForIDR()
}
