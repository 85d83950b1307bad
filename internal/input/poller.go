// Package input runs the fixed-cadence loop that polls head and controller
// tracking and sends it upstream.
package input

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/xrstream/internal/filter"
	"github.com/zsiec/xrstream/internal/media"
)

// DefaultFrameRate is the nominal tracking rate when none is configured.
const DefaultFrameRate = 90

// EyeTolerance is the absolute change in IPD (meters) or any FOV angle
// (radians) that triggers a new view configuration.
const EyeTolerance = 0.01

// TrackingProvider is the XR runtime side of the loop.
type TrackingProvider interface {
	// EyeInfo returns the current view geometry, or false when the runtime
	// cannot report it yet.
	EyeInfo() (media.EyeInfo, bool)
	// PollActions processes controller input and haptics.
	PollActions()
	// TrackingInfo returns a fresh tracking sample, predicted to display time
	// when clientPrediction is set.
	TrackingInfo(clientPrediction bool) (media.TrackingInfo, bool)
}

// Sink sends tracking data upstream.
type Sink interface {
	SendViewConfig(info media.EyeInfo) error
	SendTracking(info media.TrackingInfo) error
}

// Config configures a Poller.
type Config struct {
	FrameRate        float64
	ClientPrediction bool
	// Smoothing runs each valid device pose through a one-euro filter.
	Smoothing bool
	Filter    filter.Params
	Log       *slog.Logger
}

// Stats counts loop activity.
type Stats struct {
	Ticks       int64
	ViewConfigs int64
	Tracking    int64
	SendErrors  int64
}

// Poller polls a TrackingProvider at three times the configured frame rate.
type Poller struct {
	provider TrackingProvider
	sink     Sink
	log      *slog.Logger

	interval   atomic.Int64
	smoothing  atomic.Bool
	prediction atomic.Bool
	connected  atomic.Bool
	resetState atomic.Bool
	resetPose  atomic.Bool

	// Owned by the loop goroutine.
	lastEye  media.EyeInfo
	haveEye  bool
	filters  [media.DeviceCount]*filter.PoseFilter
	lastNs   int64
	haveLast bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	ticks       atomic.Int64
	viewConfigs atomic.Int64
	tracking    atomic.Int64
	sendErrors  atomic.Int64
}

// New creates a Poller. It does not poll until Start is called.
func New(provider TrackingProvider, sink Sink, cfg Config) *Poller {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Filter == (filter.Params{}) {
		cfg.Filter = filter.DefaultParams()
	}
	p := &Poller{
		provider: provider,
		sink:     sink,
		log:      cfg.Log.With("component", "input"),
	}
	for i := range p.filters {
		p.filters[i] = filter.NewPoseFilter(cfg.Filter)
	}
	p.SetTargetFrameRate(cfg.FrameRate)
	p.prediction.Store(cfg.ClientPrediction)
	p.smoothing.Store(cfg.Smoothing)
	return p
}

// Interval returns the current wake interval.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetTargetFrameRate sets the nominal tracking rate in Hz. Non-positive
// rates select DefaultFrameRate.
func (p *Poller) SetTargetFrameRate(fps float64) {
	if !(fps > 0) || math.IsInf(fps, 0) {
		fps = DefaultFrameRate
	}
	p.interval.Store(int64(float64(time.Second) / (3 * fps)))
}

// SetClientPrediction toggles runtime-side pose prediction.
func (p *Poller) SetClientPrediction(on bool) {
	p.prediction.Store(on)
}

// SetSmoothing toggles pose filtering. Enabling it restarts the filters.
func (p *Poller) SetSmoothing(on bool) {
	if p.smoothing.Swap(on) != on && on {
		p.resetPose.Store(true)
	}
}

// SetConnected marks the upstream link up or down. Any change forgets the
// last sent view configuration, so it is re-sent on the next connected tick.
func (p *Poller) SetConnected(connected bool) {
	p.connected.Store(connected)
	p.resetState.Store(true)
}

// Connected reports whether tracking is being sent.
func (p *Poller) Connected() bool { return p.connected.Load() }

// Stats returns loop counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Ticks:       p.ticks.Load(),
		ViewConfigs: p.viewConfigs.Load(),
		Tracking:    p.tracking.Load(),
		SendErrors:  p.sendErrors.Load(),
	}
}

// Start launches the polling goroutine. Calling Start on a running Poller
// does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.log.Info("input polling started", "interval", p.Interval())
}

// Stop ends the polling goroutine and waits for it to exit. No sends happen
// after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.log.Info("input polling stopped")
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	next := time.Now()
	for {
		p.tick()

		now := time.Now()
		next = nextWake(next, now, p.Interval())
		timer.Reset(next.Sub(now))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// nextWake advances next by one interval. When that is not after now the
// loop has fallen behind, and the wake time skips forward to the first
// interval boundary after now instead of firing the missed ticks. The
// boundary is taken on the existing schedule, not at now plus a multiple of
// the interval, so a stall does not shift the phase of later ticks.
func nextWake(next, now time.Time, interval time.Duration) time.Time {
	next = next.Add(interval)
	if next.After(now) {
		return next
	}
	behind := now.Sub(next)
	return next.Add((behind/interval + 1) * interval)
}

func (p *Poller) tick() {
	p.ticks.Add(1)
	if p.resetState.Swap(false) {
		p.haveEye = false
		p.resetPose.Store(true)
	}
	if p.resetPose.Swap(false) {
		p.haveLast = false
		for _, f := range p.filters {
			f.Reset()
		}
	}

	connected := p.connected.Load()
	if connected {
		p.sendViewConfig()
	}

	p.provider.PollActions()

	if !connected {
		return
	}
	info, ok := p.provider.TrackingInfo(p.prediction.Load())
	if !ok {
		return
	}
	if p.smoothing.Load() {
		p.smooth(&info)
	}
	if err := p.sink.SendTracking(info); err != nil {
		p.sendErrors.Add(1)
		p.log.Debug("send tracking failed", "frame", info.FrameIndex, "error", err)
		return
	}
	p.tracking.Add(1)
}

func (p *Poller) sendViewConfig() {
	eye, ok := p.provider.EyeInfo()
	if !ok || (p.haveEye && !eyeChanged(p.lastEye, eye)) {
		return
	}
	if err := p.sink.SendViewConfig(eye); err != nil {
		p.sendErrors.Add(1)
		p.log.Warn("send view config failed", "error", err)
		return
	}
	p.lastEye, p.haveEye = eye, true
	p.viewConfigs.Add(1)
	p.log.Info("view config sent",
		"ipd", eye.IPD,
		"left_fov", eye.EyeFov[0],
		"right_fov", eye.EyeFov[1],
	)
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) <= EyeTolerance
}

func eyeChanged(prev, cur media.EyeInfo) bool {
	if !near(prev.IPD, cur.IPD) {
		return true
	}
	for i := range cur.EyeFov {
		a, b := prev.EyeFov[i], cur.EyeFov[i]
		if !near(a.Left, b.Left) || !near(a.Right, b.Right) || !near(a.Top, b.Top) || !near(a.Bottom, b.Bottom) {
			return true
		}
	}
	return false
}

// smooth filters each valid device pose using the sample timestamps for dt.
// Samples whose timestamp does not advance are sent unfiltered.
func (p *Poller) smooth(info *media.TrackingInfo) {
	dt := 0.0
	if p.haveLast {
		dt = float64(info.TimestampNs-p.lastNs) / float64(time.Second)
	}
	if p.haveLast && dt <= 0 {
		return
	}
	p.lastNs, p.haveLast = info.TimestampNs, true

	for i := range info.Devices {
		d := &info.Devices[i]
		if !d.Valid {
			continue
		}
		d.Pose = p.filters[i].Filter(dt, d.Pose)
	}
}
