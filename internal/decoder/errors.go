package decoder

import (
	"errors"
	"fmt"
)

// Errors returned by QueuePacket. ErrNotReady, ErrInputStarved, ErrSubmit,
// ErrPayloadTooLarge and ErrSessionFailed leave the pipeline usable: the
// caller drops the packet and continues with the next one.
// ErrHardwareContract is process-fatal and is also returned from Run.
var (
	ErrNotReady         = errors.New("decoder: no session, waiting for codec configuration")
	ErrInputStarved     = errors.New("decoder: no input buffer available")
	ErrSubmit           = errors.New("decoder: submission rejected")
	ErrPayloadTooLarge  = errors.New("decoder: payload exceeds input buffer")
	ErrSessionFailed    = errors.New("decoder: session failed")
	ErrHardwareContract = errors.New("decoder: hardware contract violated")
	ErrStopped          = errors.New("decoder: pipeline stopped")
)

// CodecError records which codec operation failed. Codec implementations
// wrap ErrHardwareContract in a CodecError to report a fatal violation.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("decoder: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}
