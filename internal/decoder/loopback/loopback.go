// Package loopback is a software stand-in for a hardware decoder. Every
// submitted picture is returned as an output buffer carrying the same
// presentation timestamp; configuration buffers produce no output. It is
// used by tests and by the client when no hardware backend is available.
package loopback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/xrstream/internal/decoder"
	"github.com/zsiec/xrstream/internal/media"
	"github.com/zsiec/xrstream/internal/nal"
)

// Name is the backend name the loopback codec registers under.
const Name = "loopback"

var errStopped = errors.New("loopback: codec stopped")

// Options sizes the simulated hardware.
type Options struct {
	InputBuffers  int
	OutputBuffers int
	BufferSize    int
	// DecodeDelay is added before each picture is reported.
	DecodeDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.InputBuffers <= 0 {
		o.InputBuffers = 8
	}
	if o.OutputBuffers <= 0 {
		o.OutputBuffers = 8
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1 << 20
	}
	return o
}

type job struct {
	input int
	pts   uint64
	flags decoder.Flags
}

// Codec implements decoder.Codec.
type Codec struct {
	opts   Options
	cb     decoder.Callbacks
	inputs [][]byte

	mu   sync.Mutex
	held []bool

	jobs    chan job
	free    chan int
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	decoded atomic.Int64
}

// Factory returns a decoder.Factory producing loopback codecs.
func Factory(opts Options) decoder.Factory {
	return func(codec media.Codec, config []byte, cb decoder.Callbacks) (decoder.Codec, error) {
		return New(codec, config, cb, opts)
	}
}

// New starts a loopback codec. The output format is taken from the H.264
// SPS in config when one is present.
func New(codec media.Codec, config []byte, cb decoder.Callbacks, opts Options) (*Codec, error) {
	if len(config) == 0 {
		return nil, errors.New("loopback: empty codec configuration")
	}
	opts = opts.withDefaults()

	c := &Codec{
		opts:    opts,
		cb:      cb,
		inputs:  make([][]byte, opts.InputBuffers),
		held:    make([]bool, opts.OutputBuffers),
		jobs:    make(chan job, opts.InputBuffers),
		free:    make(chan int, opts.OutputBuffers),
		stopped: make(chan struct{}),
	}
	for i := range c.inputs {
		c.inputs[i] = make([]byte, opts.BufferSize)
	}
	for i := range opts.OutputBuffers {
		c.free <- i
	}

	var format decoder.Format
	if sps := nal.FindSPS(codec, config); sps != nil {
		if info, err := nal.ParseSPS(codec, sps); err == nil {
			format = decoder.Format{Width: info.Width, Height: info.Height}
		}
	}

	c.wg.Add(1)
	go c.run(format)
	return c, nil
}

func (c *Codec) run(format decoder.Format) {
	defer c.wg.Done()

	if format.Width > 0 {
		c.cb.OnFormatChanged(format)
	}
	for i := range c.inputs {
		c.cb.OnInputAvailable(i)
	}

	for {
		var j job
		select {
		case <-c.stopped:
			return
		case j = <-c.jobs:
		}

		if j.flags&decoder.FlagCodecConfig != 0 {
			c.cb.OnInputAvailable(j.input)
			continue
		}

		if c.opts.DecodeDelay > 0 {
			select {
			case <-c.stopped:
				return
			case <-time.After(c.opts.DecodeDelay):
			}
		}

		var out int
		select {
		case <-c.stopped:
			return
		case out = <-c.free:
		}
		c.mu.Lock()
		c.held[out] = true
		c.mu.Unlock()

		c.decoded.Add(1)
		c.cb.OnOutputAvailable(out, j.pts, j.flags)
		c.cb.OnInputAvailable(j.input)
	}
}

func contract(op string, index int) error {
	return &decoder.CodecError{Op: op, Err: fmt.Errorf("%w: buffer index %d", decoder.ErrHardwareContract, index)}
}

// InputBuffer implements decoder.Codec.
func (c *Codec) InputBuffer(index int) ([]byte, error) {
	if index < 0 || index >= len(c.inputs) {
		return nil, contract("input buffer", index)
	}
	return c.inputs[index], nil
}

// QueueInput implements decoder.Codec.
func (c *Codec) QueueInput(index, size int, pts uint64, flags decoder.Flags) error {
	if index < 0 || index >= len(c.inputs) {
		return contract("queue input", index)
	}
	if size < 0 || size > len(c.inputs[index]) {
		return &decoder.CodecError{Op: "queue input", Err: fmt.Errorf("%w: size %d", decoder.ErrHardwareContract, size)}
	}
	select {
	case <-c.stopped:
		return errStopped
	default:
	}
	select {
	case c.jobs <- job{input: index, pts: pts, flags: flags}:
		return nil
	case <-c.stopped:
		return errStopped
	}
}

// ReleaseOutput implements decoder.Codec. Releasing a buffer the codec does
// not consider held violates the contract.
func (c *Codec) ReleaseOutput(index int, render bool) error {
	if index < 0 || index >= len(c.held) {
		return contract("release output", index)
	}
	c.mu.Lock()
	held := c.held[index]
	c.held[index] = false
	c.mu.Unlock()
	if !held {
		return contract("release output", index)
	}
	c.free <- index
	return nil
}

// Stop implements decoder.Codec.
func (c *Codec) Stop() error {
	c.once.Do(func() { close(c.stopped) })
	c.wg.Wait()
	return nil
}

// Decoded returns the number of pictures produced.
func (c *Codec) Decoded() int64 { return c.decoded.Load() }
