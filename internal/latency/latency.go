// Package latency collects per-frame pipeline timestamps keyed by tracking
// frame index and summarizes them for the upstream latency report.
package latency

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultWindow is the number of frames the collector remembers.
const DefaultWindow = 1024

type record struct {
	frame    uint64
	input    time.Time
	output   time.Time
	rendered time.Time
	valid    bool
}

// Snapshot summarizes the frames seen since the last Reset.
type Snapshot struct {
	Inputs   int64
	Outputs  int64
	Rendered int64
	// Missed counts output or render events whose frame was not in the window.
	Missed int64
	// LastFrame is the most recent frame index that reached the decoder output.
	LastFrame  uint64
	MeanDecode time.Duration
	MaxDecode  time.Duration
	MeanTotal  time.Duration
}

// Collector records decoder input, decoder output and render times. Its
// methods are safe for concurrent use and never block on I/O.
type Collector struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	ring     []record
	snap     Snapshot
	decodeNs int64
	totalNs  int64
}

// NewCollector creates a Collector remembering window frames. If log is nil,
// slog.Default() is used.
func NewCollector(window int, log *slog.Logger) *Collector {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{
		log:  log.With("component", "latency"),
		now:  time.Now,
		ring: make([]record, window),
	}
}

func (c *Collector) slot(frame uint64) *record {
	return &c.ring[frame%uint64(len(c.ring))]
}

// DecoderInput records that frame was submitted to the decoder.
func (c *Collector) DecoderInput(frame uint64) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.slot(frame) = record{frame: frame, input: now, valid: true}
	c.snap.Inputs++
}

// DecoderOutput records that frame left the decoder.
func (c *Collector) DecoderOutput(frame uint64) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.slot(frame)
	if !r.valid || r.frame != frame {
		c.snap.Missed++
		return
	}
	r.output = now
	d := now.Sub(r.input)
	c.snap.Outputs++
	c.snap.LastFrame = frame
	c.decodeNs += int64(d)
	c.snap.MaxDecode = max(c.snap.MaxDecode, d)
}

// Rendered records that frame was presented.
func (c *Collector) Rendered(frame uint64) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.slot(frame)
	if !r.valid || r.frame != frame || r.output.IsZero() {
		c.snap.Missed++
		return
	}
	r.rendered = now
	c.snap.Rendered++
	c.totalNs += int64(now.Sub(r.input))
}

// Snapshot returns the current summary.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap
	if s.Outputs > 0 {
		s.MeanDecode = time.Duration(c.decodeNs / s.Outputs)
	}
	if s.Rendered > 0 {
		s.MeanTotal = time.Duration(c.totalNs / s.Rendered)
	}
	return s
}

// Reset clears the summary and the frame window.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.ring)
	c.snap = Snapshot{}
	c.decodeNs, c.totalNs = 0, 0
	c.log.Debug("latency window reset")
}
