// Package decoder drives an asynchronous hardware video decoder: it feeds
// encoded access units into the session's input buffers, collects decoded
// pictures from its output buffers, and tags each picture with the tracking
// frame index of the packet that produced it.
//
// Codec callbacks only push events onto two bounded queues. All decisions
// about ordering and buffer ownership are made by QueuePacket (the network
// side) and Run (the consumer side). Sessions are torn down by Run, or by Stop
// when Run never started, and only after in-flight QueuePacket calls return.
package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/xrstream/internal/framemap"
	"github.com/zsiec/xrstream/internal/media"
	"github.com/zsiec/xrstream/internal/nal"
)

// Reference waits for the bounded queues.
const (
	DefaultInputWait    = 100 * time.Millisecond
	DefaultCallbackWait = 50 * time.Millisecond
	DefaultOutputWait   = 100 * time.Millisecond
)

// State is the lifecycle state of the current decode session.
type State int32

const (
	StateUninitialized State = iota
	StateConfiguring
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// OversizePolicy selects what happens to a payload larger than the input
// buffer it was assigned.
type OversizePolicy int

const (
	// OversizeTruncate submits the prefix that fits and logs a warning.
	OversizeTruncate OversizePolicy = iota
	// OversizeReject drops the packet with ErrPayloadTooLarge.
	OversizeReject
)

// Config wires a Pipeline to its collaborators. Factory and Consumer are
// required; zero durations and depths take the package defaults.
type Config struct {
	Factory  Factory
	Consumer FrameConsumer
	Latency  LatencyTracker
	IDR      IDRWaiter
	// Table correlates timestamps with frame indices. A table with
	// framemap.DefaultCapacity slots is created when nil.
	Table *framemap.Table

	InputQueueDepth  int
	OutputQueueDepth int
	InputWait        time.Duration
	CallbackWait     time.Duration
	OutputWait       time.Duration
	Oversize         OversizePolicy

	// Clock returns monotonic elapsed time. Presentation timestamps are its
	// value in microseconds.
	Clock func() time.Duration
	Log   *slog.Logger
}

type output struct {
	index int
	pts   uint64
	flags Flags
}

type session struct {
	id      uuid.UUID
	codec   media.Codec
	hw      Codec
	log     *slog.Logger
	inputs  chan int
	outputs chan output

	width  atomic.Int32
	height atomic.Int32
	failed atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

type counters struct {
	sessions       atomic.Int64
	queued         atomic.Int64
	starved        atomic.Int64
	submitErrors   atomic.Int64
	rejected       atomic.Int64
	truncated      atomic.Int64
	configUnits    atomic.Int64
	decoded        atomic.Int64
	unresolved     atomic.Int64
	outputTimeouts atomic.Int64
	callbackDrops  atomic.Int64
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	State          State
	Session        string
	Sessions       int64
	Queued         int64
	Starved        int64
	SubmitErrors   int64
	Rejected       int64
	Truncated      int64
	ConfigUnits    int64
	Decoded        int64
	Unresolved     int64
	OutputTimeouts int64
	CallbackDrops  int64
}

// Pipeline owns one decode session at a time. QueuePacket is called from a
// single network goroutine and Run from a single consumer goroutine.
type Pipeline struct {
	cfg   Config
	log   *slog.Logger
	table *framemap.Table

	session atomic.Pointer[session]
	state   atomic.Int32
	lastPTS atomic.Uint64

	openMu    sync.Mutex
	retiredMu sync.Mutex
	retired   []*session
	wake      chan struct{}
	fatal     chan error

	accepting atomic.Bool
	inflight  sync.WaitGroup
	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}

	stats counters
}

// New creates a Pipeline. No session exists until the first packet carrying
// codec configuration arrives.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Factory == nil {
		return nil, errors.New("decoder: nil codec factory")
	}
	if cfg.Consumer == nil {
		return nil, errors.New("decoder: nil frame consumer")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Table == nil {
		cfg.Table = framemap.New(framemap.DefaultCapacity)
	}
	if cfg.InputQueueDepth <= 0 {
		cfg.InputQueueDepth = media.InputQueueDepth
	}
	if cfg.OutputQueueDepth <= 0 {
		cfg.OutputQueueDepth = media.OutputQueueDepth
	}
	if cfg.InputWait <= 0 {
		cfg.InputWait = DefaultInputWait
	}
	if cfg.CallbackWait <= 0 {
		cfg.CallbackWait = DefaultCallbackWait
	}
	if cfg.OutputWait <= 0 {
		cfg.OutputWait = DefaultOutputWait
	}
	if cfg.Clock == nil {
		start := time.Now()
		cfg.Clock = func() time.Duration { return time.Since(start) }
	}

	p := &Pipeline{
		cfg:    cfg,
		log:    cfg.Log.With("component", "decoder"),
		table:  cfg.Table,
		wake:   make(chan struct{}, 1),
		fatal:  make(chan error, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.accepting.Store(true)
	return p, nil
}

// Table returns the correlation table the pipeline writes to.
func (p *Pipeline) Table() *framemap.Table { return p.table }

// State returns the state of the current session.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) { p.state.Store(int32(s)) }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		State:          p.State(),
		Sessions:       p.stats.sessions.Load(),
		Queued:         p.stats.queued.Load(),
		Starved:        p.stats.starved.Load(),
		SubmitErrors:   p.stats.submitErrors.Load(),
		Rejected:       p.stats.rejected.Load(),
		Truncated:      p.stats.truncated.Load(),
		ConfigUnits:    p.stats.configUnits.Load(),
		Decoded:        p.stats.decoded.Load(),
		Unresolved:     p.stats.unresolved.Load(),
		OutputTimeouts: p.stats.outputTimeouts.Load(),
		CallbackDrops:  p.stats.callbackDrops.Load(),
	}
	if s := p.session.Load(); s != nil {
		st.Session = s.id.String()
	}
	return st
}

// QueuePacket submits one access unit. Leading parameter sets create the
// decode session when none is usable; a packet made only of parameter sets
// is submitted as codec configuration with timestamp 0. The packet data is
// copied before QueuePacket returns.
func (p *Pipeline) QueuePacket(pkt media.Packet) error {
	if !p.enter() {
		return ErrStopped
	}
	defer p.inflight.Done()

	cfgLen := nal.ConfigPrefix(pkt.Codec, pkt.Data)
	config, payload := pkt.Data[:cfgLen], pkt.Data[cfgLen:]

	s := p.session.Load()
	if cfgLen > 0 && (s == nil || s.failed.Load() || s.codec != pkt.Codec) {
		var err error
		if s, err = p.openSession(pkt.Codec, config); err != nil {
			return err
		}
	}
	if s == nil {
		return ErrNotReady
	}
	if s.failed.Load() {
		return ErrSessionFailed
	}

	if nal.IsConfigOnly(pkt.Codec, pkt.Data) {
		return p.submit(s, config, pkt.TrackingFrameIndex, true)
	}
	return p.submit(s, payload, pkt.TrackingFrameIndex, false)
}

// enter registers a QueuePacket call that teardown must wait for. It fails
// once the pipeline has stopped accepting packets.
func (p *Pipeline) enter() bool {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	if !p.accepting.Load() {
		return false
	}
	p.inflight.Add(1)
	return true
}

func (p *Pipeline) openSession(codec media.Codec, config []byte) (*session, error) {
	p.openMu.Lock()
	defer p.openMu.Unlock()

	if !p.accepting.Load() {
		return nil, ErrStopped
	}

	s := &session{
		id:      uuid.New(),
		codec:   codec,
		inputs:  make(chan int, p.cfg.InputQueueDepth),
		outputs: make(chan output, p.cfg.OutputQueueDepth),
		closed:  make(chan struct{}),
	}
	s.log = p.log.With("session", s.id.String(), "codec", codec.String())
	p.setState(StateConfiguring)

	if sps := nal.FindSPS(codec, config); sps != nil {
		if info, err := nal.ParseSPS(codec, sps); err == nil {
			s.width.Store(int32(info.Width))
			s.height.Store(int32(info.Height))
			s.log.Info("codec configuration", "width", info.Width, "height", info.Height, "profile", info.Profile, "level", info.Level)
		} else {
			s.log.Warn("unparseable SPS", "error", err)
		}
	}

	hw, err := p.cfg.Factory(codec, bytes.Clone(config), &callbacks{p: p, s: s})
	if err != nil {
		p.setState(StateClosed)
		s.log.Error("decode session construction failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSessionFailed, err)
	}
	s.hw = hw

	if old := p.session.Swap(s); old != nil {
		p.retire(old)
	}
	p.stats.sessions.Add(1)
	p.setState(StateRunning)
	p.signal()
	s.log.Info("decode session started")
	return s, nil
}

func (p *Pipeline) submit(s *session, data []byte, frameIndex uint64, config bool) error {
	slot, err := p.awaitInput(s)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrStopped
	default:
	}

	buf, err := s.hw.InputBuffer(slot)
	if err != nil {
		return p.codecFailure(err)
	}

	idr := !config && nal.IsIDR(s.codec, data)
	if len(data) > len(buf) {
		if p.cfg.Oversize == OversizeReject {
			p.stats.rejected.Add(1)
			p.requeueInput(s, slot)
			return fmt.Errorf("%w: %d bytes, buffer holds %d", ErrPayloadTooLarge, len(data), len(buf))
		}
		p.stats.truncated.Add(1)
		s.log.Warn("truncating oversized payload", "size", len(data), "capacity", len(buf))
		data = data[:len(buf)]
	}

	var pts uint64
	flags := FlagCodecConfig
	if config {
		p.stats.configUnits.Add(1)
	} else {
		flags = 0
		if idr {
			flags = FlagKeyFrame
			if p.cfg.IDR != nil {
				p.cfg.IDR.ClearWaitingForIDR()
			}
		}
		pts = p.nextPTS()
		// The mapping must exist before the hardware can report the output.
		p.table.Set(pts, frameIndex)
		if p.cfg.Latency != nil {
			p.cfg.Latency.DecoderInput(frameIndex)
		}
	}

	n := copy(buf, data)
	if err := s.hw.QueueInput(slot, n, pts, flags); err != nil {
		return p.codecFailure(err)
	}
	p.stats.queued.Add(1)
	return nil
}

func (p *Pipeline) awaitInput(s *session) (int, error) {
	select {
	case slot := <-s.inputs:
		return slot, nil
	default:
	}

	t := time.NewTimer(p.cfg.InputWait)
	defer t.Stop()
	select {
	case slot := <-s.inputs:
		return slot, nil
	case <-s.closed:
		return 0, ErrStopped
	case <-p.stopCh:
		return 0, ErrStopped
	case <-t.C:
		p.stats.starved.Add(1)
		s.log.Debug("input starved, dropping packet")
		return 0, ErrInputStarved
	}
}

func (p *Pipeline) requeueInput(s *session, slot int) {
	select {
	case s.inputs <- slot:
	default:
		s.log.Warn("input queue full, input buffer lost", "index", slot)
	}
}

// codecFailure classifies an error returned by a codec call.
func (p *Pipeline) codecFailure(err error) error {
	if errors.Is(err, ErrHardwareContract) {
		p.fail(err)
		return err
	}
	p.stats.submitErrors.Add(1)
	return fmt.Errorf("%w: %w", ErrSubmit, err)
}

// nextPTS returns a strictly increasing, non-zero microsecond timestamp.
func (p *Pipeline) nextPTS() uint64 {
	now := uint64(p.cfg.Clock() / time.Microsecond)
	for {
		last := p.lastPTS.Load()
		pts := max(now, last+1)
		if p.lastPTS.CompareAndSwap(last, pts) {
			return pts
		}
	}
}

// fail records a process-fatal error for Run to return.
func (p *Pipeline) fail(err error) {
	p.log.Error("decoder hardware contract violated", "error", err)
	select {
	case p.fatal <- err:
	default:
	}
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) retire(s *session) {
	p.retiredMu.Lock()
	p.retired = append(p.retired, s)
	p.retiredMu.Unlock()
	p.signal()
}

func (p *Pipeline) reapRetired() {
	p.retiredMu.Lock()
	old := p.retired
	p.retired = nil
	p.retiredMu.Unlock()
	for _, s := range old {
		p.teardown(s)
	}
}

func (p *Pipeline) teardown(s *session) {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.hw.Stop(); err != nil {
			s.log.Warn("decode session stop failed", "error", err)
			return
		}
		s.log.Info("decode session closed")
	})
}

// closeAll stops accepting packets, waits for QueuePacket calls already in
// progress to return, and then tears down every session.
func (p *Pipeline) closeAll() {
	p.openMu.Lock()
	p.accepting.Store(false)
	p.openMu.Unlock()
	p.inflight.Wait()

	p.openMu.Lock()
	defer p.openMu.Unlock()
	p.reapRetired()
	if s := p.session.Swap(nil); s != nil {
		p.teardown(s)
	}
	p.setState(StateClosed)
}

// Run consumes decoded pictures until ctx is cancelled, Stop is called, or the
// hardware violates its contract, in which case that error is returned. On
// exit Run stops accepting packets and tears down every session.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("decoder: Run called more than once")
	}
	defer close(p.done)
	defer p.closeAll()

	wait := time.NewTimer(p.cfg.OutputWait)
	defer wait.Stop()

	for {
		p.reapRetired()

		s := p.session.Load()
		var outputs <-chan output
		if s != nil {
			outputs = s.outputs
		}
		wait.Reset(p.cfg.OutputWait)

		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case err := <-p.fatal:
			return err
		case <-p.wake:
		case out := <-outputs:
			if err := p.deliver(s, out); err != nil {
				return err
			}
		case <-wait.C:
			p.stats.outputTimeouts.Add(1)
		}
	}
}

func (p *Pipeline) deliver(s *session, out output) error {
	if out.flags&FlagCodecConfig != 0 {
		return p.release(s, out.index, false)
	}

	idx, ok := p.table.Get(out.pts)
	if ok {
		if p.cfg.Latency != nil {
			p.cfg.Latency.DecoderOutput(idx)
		}
	} else {
		p.stats.unresolved.Add(1)
		s.log.Debug("no tracking frame for decoded picture", "pts", out.pts)
	}

	p.cfg.Consumer.OnDecodedFrame(media.DecodedFrame{
		Buffer:     out.index,
		Width:      int(s.width.Load()),
		Height:     int(s.height.Load()),
		PTS:        out.pts,
		FrameIndex: idx,
		Resolved:   ok,
	})
	p.stats.decoded.Add(1)
	return p.release(s, out.index, true)
}

func (p *Pipeline) release(s *session, index int, render bool) error {
	err := s.hw.ReleaseOutput(index, render)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHardwareContract) {
		p.log.Error("decoder hardware contract violated", "error", err)
		return err
	}
	s.log.Warn("release output buffer failed", "index", index, "error", err)
	return nil
}

// Stop stops accepting packets, ends Run and waits until every session has
// been torn down. A QueuePacket call already in progress finishes before its
// session is released. It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.accepting.Store(false)
		p.setState(StateDraining)
		close(p.stopCh)
	})
	if p.started.Load() {
		<-p.done
		return
	}
	p.closeAll()
}

// callbacks adapts codec events for one session onto its queues.
type callbacks struct {
	p *Pipeline
	s *session
}

func contractError(op string, index int) error {
	return &CodecError{Op: op, Err: fmt.Errorf("%w: buffer index %d", ErrHardwareContract, index)}
}

func (c *callbacks) OnInputAvailable(index int) {
	if index < 0 {
		c.p.fail(contractError("input available", index))
		return
	}
	if !enqueue(c.s.inputs, index, c.s.closed, c.p.cfg.CallbackWait) {
		c.p.stats.callbackDrops.Add(1)
		c.s.log.Warn("input queue full, dropping input buffer", "index", index)
	}
}

func (c *callbacks) OnOutputAvailable(index int, pts uint64, flags Flags) {
	if index < 0 {
		c.p.fail(contractError("output available", index))
		return
	}
	if !enqueue(c.s.outputs, output{index: index, pts: pts, flags: flags}, c.s.closed, c.p.cfg.CallbackWait) {
		c.p.stats.callbackDrops.Add(1)
		c.s.log.Warn("output queue full, dropping output buffer", "index", index, "pts", pts)
	}
}

func (c *callbacks) OnFormatChanged(f Format) {
	c.s.width.Store(int32(f.Width))
	c.s.height.Store(int32(f.Height))
	c.s.log.Info("output format changed", "width", f.Width, "height", f.Height)
}

func (c *callbacks) OnError(err error) {
	if errors.Is(err, ErrHardwareContract) {
		c.p.fail(err)
		return
	}
	c.s.failed.Store(true)
	if c.p.session.Load() == c.s {
		c.p.setState(StateClosed)
	}
	c.s.log.Error("decode session failed, waiting for codec configuration", "error", err)
}

// enqueue sends v on ch, waiting at most wait for room.
func enqueue[T any](ch chan<- T, v T, closed <-chan struct{}, wait time.Duration) bool {
	select {
	case ch <- v:
		return true
	default:
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case ch <- v:
		return true
	case <-closed:
		return false
	case <-t.C:
		return false
	}
}
