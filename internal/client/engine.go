// Package client ties the decode pipeline, foveation, tracking loop and
// latency reporting into the streaming client engine.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/xrstream/internal/config"
	"github.com/zsiec/xrstream/internal/decoder"
	"github.com/zsiec/xrstream/internal/foveation"
	"github.com/zsiec/xrstream/internal/framemap"
	"github.com/zsiec/xrstream/internal/input"
	"github.com/zsiec/xrstream/internal/latency"
	"github.com/zsiec/xrstream/internal/media"
	"github.com/zsiec/xrstream/internal/nal"
	"github.com/zsiec/xrstream/internal/wire"
)

// Sentinel errors returned by Engine.
var (
	ErrClosed         = errors.New("client: engine closed")
	ErrNoStream       = errors.New("client: no stream configured")
	ErrCodecMismatch  = errors.New("client: packet codec differs from stream codec")
	ErrWaitingForIDR  = errors.New("client: waiting for IDR frame")
	ErrUnknownBackend = errors.New("client: unknown decoder backend")
	ErrNotConnected   = errors.New("client: upstream not connected")
)

// Renderer is the display side. Methods that touch GPU resources are called
// with the engine's render lock held.
type Renderer interface {
	// SetFoveation installs the sampling parameters for decoded frames, or
	// nil when foveation is disabled.
	SetFoveation(params *foveation.DecodeParams)
	ClearVideoTextures()
	// RenderFrame hands over a decoded picture. The buffer is only valid
	// for the duration of the call.
	RenderFrame(frame media.DecodedFrame)
}

// Upstream is the connected channel back to the server.
type Upstream interface {
	input.Sink
	SendLatencyReport(r wire.LatencyReport) error
}

// Config configures an Engine.
type Config struct {
	Decoders *decoder.Registry
	Renderer Renderer
	Tracking input.TrackingProvider
	// Latency is created with the default window when nil.
	Latency        *latency.Collector
	ReportInterval time.Duration
	Log            *slog.Logger
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Packets       int64
	Dropped       int64
	AwaitingIDR   int64
	Rendered      int64
	StaleFrames   int64
	Reports       int64
	WaitingForIDR bool
	Decoder       decoder.Stats
	Latency       latency.Snapshot
}

// Engine is the client runtime. OnVideoPacket is called from the network
// goroutine, SetStreamConfig and Close from the control goroutine.
type Engine struct {
	log      *slog.Logger
	decoders *decoder.Registry
	renderer Renderer
	latency  *latency.Collector
	poller   *input.Poller
	interval time.Duration

	// controlMu serializes SetStreamConfig and Close.
	controlMu sync.Mutex
	// renderMu guards renderer calls.
	renderMu sync.Mutex

	mu       sync.Mutex
	group    *errgroup.Group
	groupCtx context.Context
	running  bool
	cancel   context.CancelFunc
	pending  *decoder.Pipeline

	pipe     atomic.Pointer[decoder.Pipeline]
	stream   atomic.Pointer[config.StreamConfig]
	codec    atomic.Int32
	upstream atomic.Pointer[upstreamRef]
	closed   atomic.Bool
	waitIDR  atomic.Bool

	packets     atomic.Int64
	dropped     atomic.Int64
	awaitingIDR atomic.Int64
	rendered    atomic.Int64
	stale       atomic.Int64
	reports     atomic.Int64
}

type upstreamRef struct{ Upstream }

// New creates an Engine. Decoders, Renderer and Tracking are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Decoders == nil || cfg.Renderer == nil || cfg.Tracking == nil {
		return nil, errors.New("client: decoders, renderer and tracking are required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Latency == nil {
		cfg.Latency = latency.NewCollector(latency.DefaultWindow, cfg.Log)
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = time.Second
	}
	e := &Engine{
		log:      cfg.Log.With("component", "engine"),
		decoders: cfg.Decoders,
		renderer: cfg.Renderer,
		latency:  cfg.Latency,
		interval: cfg.ReportInterval,
	}
	e.poller = input.New(cfg.Tracking, e, input.Config{Log: cfg.Log})
	e.waitIDR.Store(true)
	return e, nil
}

// Poller returns the tracking loop.
func (e *Engine) Poller() *input.Poller { return e.poller }

// Run starts the tracking loop and latency reporting and hosts decode
// pipelines until ctx is cancelled, Close is called, or a pipeline reports a
// hardware contract violation, which Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	e.mu.Lock()
	if e.group != nil {
		e.mu.Unlock()
		return errors.New("client: Run called more than once")
	}
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrClosed
	}
	e.group, e.groupCtx, e.cancel, e.running = g, gctx, cancel, true
	if p := e.pending; p != nil {
		e.pending = nil
		g.Go(func() error { return p.Run(gctx) })
	}
	e.mu.Unlock()

	// Keeps the group alive until cancellation so pipelines started later by
	// SetStreamConfig never join a finished group.
	g.Go(func() error {
		<-gctx.Done()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		e.reportLoop(gctx)
		return nil
	})

	e.poller.Start(gctx)
	defer e.poller.Stop()

	e.log.Info("engine running")
	err := g.Wait()
	e.log.Info("engine stopped", "error", err)
	return err
}

// SetStreamConfig applies a stream configuration: the current decoder is
// stopped, foveation is recomputed and installed under the render lock, a
// fresh pipeline is started and the tracking loop is retuned.
func (e *Engine) SetStreamConfig(sc config.StreamConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	factory, ok := e.decoders.Lookup(sc.Decoder.Backend)
	if !ok {
		return fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, sc.Decoder.Backend, e.decoders.Names())
	}
	codec, err := sc.Decoder.MediaCodec()
	if err != nil {
		return err
	}
	oversize, err := sc.Decoder.OversizePolicy()
	if err != nil {
		return err
	}

	var params *foveation.DecodeParams
	if sc.Render.Foveation.Enabled {
		p, err := foveation.Solve(sc.Render.FoveationParams())
		if err != nil {
			return fmt.Errorf("client: foveation: %w", err)
		}
		params = &p
	}

	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}

	if old := e.pipe.Swap(nil); old != nil {
		old.Stop()
	}

	e.renderMu.Lock()
	e.renderer.ClearVideoTextures()
	e.renderer.SetFoveation(params)
	e.renderMu.Unlock()

	table := framemap.New(framemap.DefaultCapacity)
	pipe, err := decoder.New(decoder.Config{
		Factory:          factory,
		Consumer:         &handoff{e: e, table: table},
		Latency:          e.latency,
		IDR:              e,
		Table:            table,
		InputQueueDepth:  sc.Decoder.QueueDepth,
		OutputQueueDepth: sc.Decoder.QueueDepth,
		InputWait:        sc.Decoder.InputWait,
		OutputWait:       sc.Decoder.OutputWait,
		Oversize:         oversize,
		Log:              e.log,
	})
	if err != nil {
		return err
	}

	e.latency.Reset()
	e.waitIDR.Store(true)
	e.codec.Store(int32(codec))
	e.stream.Store(&sc)
	e.pipe.Store(pipe)
	e.startPipeline(pipe)

	e.poller.SetTargetFrameRate(sc.Render.RefreshRate)
	e.poller.SetClientPrediction(sc.ClientPrediction)
	e.poller.SetSmoothing(sc.Smoothing)

	attrs := []any{
		"backend", sc.Decoder.Backend,
		"codec", codec.String(),
		"eye", fmt.Sprintf("%dx%d", sc.Render.EyeWidth, sc.Render.EyeHeight),
		"refresh_rate", sc.Render.RefreshRate,
	}
	if params != nil {
		attrs = append(attrs, "optimized", fmt.Sprintf("%dx%d", params.OptimizedWidth, params.OptimizedHeight))
	}
	e.log.Info("stream configured", attrs...)
	return nil
}

func (e *Engine) startPipeline(p *decoder.Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		e.pending = p
		return
	}
	ctx := e.groupCtx
	e.group.Go(func() error { return p.Run(ctx) })
}

// OnVideoPacket submits a received packet to the current pipeline. After a
// configuration change or a reconnect, packets are dropped until one carries
// codec configuration or an IDR picture.
func (e *Engine) OnVideoPacket(pkt media.Packet) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.packets.Add(1)
	p := e.pipe.Load()
	if p == nil {
		e.dropped.Add(1)
		return ErrNoStream
	}
	if pkt.Codec != media.Codec(e.codec.Load()) {
		e.dropped.Add(1)
		return fmt.Errorf("%w: got %s", ErrCodecMismatch, pkt.Codec)
	}
	if e.waitIDR.Load() && nal.ConfigPrefix(pkt.Codec, pkt.Data) == 0 && !nal.IsIDR(pkt.Codec, pkt.Data) {
		e.awaitingIDR.Add(1)
		return ErrWaitingForIDR
	}
	if err := p.QueuePacket(pkt); err != nil {
		e.dropped.Add(1)
		return err
	}
	return nil
}

// ClearWaitingForIDR is called by the pipeline when an IDR picture is
// submitted.
func (e *Engine) ClearWaitingForIDR() {
	if e.waitIDR.Swap(false) {
		e.log.Debug("IDR received, accepting all frames")
	}
}

// RequireIDR drops non-IDR packets until the next IDR picture, as after a
// video reconnect.
func (e *Engine) RequireIDR() {
	if !e.waitIDR.Swap(true) {
		e.log.Debug("waiting for IDR")
	}
}

// WaitingForIDR reports whether non-IDR packets are being dropped.
func (e *Engine) WaitingForIDR() bool { return e.waitIDR.Load() }

// OnServerConnected attaches the upstream channel and starts sending
// tracking.
func (e *Engine) OnServerConnected(up Upstream) {
	e.upstream.Store(&upstreamRef{up})
	e.poller.SetConnected(true)
	e.log.Info("server connected")
}

// OnServerDisconnect stops sending tracking and waits for an IDR picture
// before decoding resumes.
func (e *Engine) OnServerDisconnect() {
	e.poller.SetConnected(false)
	e.upstream.Store(nil)
	e.waitIDR.Store(true)
	e.log.Info("server disconnected")
}

// SendViewConfig implements input.Sink on the current upstream.
func (e *Engine) SendViewConfig(info media.EyeInfo) error {
	up := e.upstream.Load()
	if up == nil {
		return ErrNotConnected
	}
	return up.SendViewConfig(info)
}

// SendTracking implements input.Sink on the current upstream.
func (e *Engine) SendTracking(info media.TrackingInfo) error {
	up := e.upstream.Load()
	if up == nil {
		return ErrNotConnected
	}
	return up.SendTracking(info)
}

func (e *Engine) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sendReport()
		}
	}
}

func (e *Engine) sendReport() {
	up := e.upstream.Load()
	if up == nil {
		return
	}
	snap := e.latency.Snapshot()
	if snap.Inputs == 0 {
		return
	}
	if err := up.SendLatencyReport(wire.ReportFromSnapshot(snap)); err != nil {
		e.log.Debug("latency report failed", "error", err)
		return
	}
	e.reports.Add(1)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	st := Stats{
		Packets:       e.packets.Load(),
		Dropped:       e.dropped.Load(),
		AwaitingIDR:   e.awaitingIDR.Load(),
		Rendered:      e.rendered.Load(),
		StaleFrames:   e.stale.Load(),
		Reports:       e.reports.Load(),
		WaitingForIDR: e.waitIDR.Load(),
		Latency:       e.latency.Snapshot(),
	}
	if p := e.pipe.Load(); p != nil {
		st.Decoder = p.Stats()
	}
	return st
}

// Close stops the tracking loop, clears the video textures under the render
// lock, and stops the decoder, in that order. It is safe to call more than
// once.
func (e *Engine) Close() error {
	e.controlMu.Lock()
	defer e.controlMu.Unlock()
	if e.closed.Swap(true) {
		return nil
	}

	e.poller.Stop()
	e.poller.SetConnected(false)

	e.renderMu.Lock()
	e.renderer.ClearVideoTextures()
	e.renderMu.Unlock()

	if p := e.pipe.Swap(nil); p != nil {
		p.Stop()
	}

	e.mu.Lock()
	cancel := e.cancel
	e.pending = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.log.Info("engine closed")
	return nil
}

// handoff delivers decoded pictures from one pipeline to the renderer. The
// correlation entry is claimed with Take so each tracking frame is rendered
// at most once.
type handoff struct {
	e     *Engine
	table *framemap.Table
}

func (h *handoff) OnDecodedFrame(f media.DecodedFrame) {
	idx, ok := h.table.Take(f.PTS)
	f.FrameIndex, f.Resolved = idx, ok
	if !ok {
		h.e.stale.Add(1)
	}

	h.e.renderMu.Lock()
	h.e.renderer.RenderFrame(f)
	h.e.renderMu.Unlock()

	h.e.rendered.Add(1)
	if ok {
		h.e.latency.Rendered(idx)
	}
}
