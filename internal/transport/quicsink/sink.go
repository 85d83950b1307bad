// Package quicsink sends tracking data upstream over QUIC. Tracking samples
// travel as unreliable datagrams; view configuration and latency reports use
// one reliable control stream.
package quicsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/xrstream/internal/certs"
	"github.com/zsiec/xrstream/internal/media"
	"github.com/zsiec/xrstream/internal/wire"
)

// ALPN is the application protocol negotiated with the server.
const ALPN = "xrstream"

// Defaults for Config.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = time.Second
)

const errCodeClosing quic.ApplicationErrorCode = 0

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("quicsink: closed")

// Config configures Dial.
type Config struct {
	Addr string
	// Fingerprint is the SHA-256 of the server certificate.
	Fingerprint  [32]byte
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Log          *slog.Logger
}

// Stats counts upstream traffic.
type Stats struct {
	Datagrams      int64
	ControlMsgs    int64
	DatagramErrors int64
	ControlErrors  int64
}

// Sink is a connected upstream channel. Its methods are safe for concurrent
// use.
type Sink struct {
	log          *slog.Logger
	conn         quic.Connection
	writeTimeout time.Duration

	mu      sync.Mutex
	control quic.Stream
	closed  bool

	datagrams      atomic.Int64
	controlMsgs    atomic.Int64
	datagramErrors atomic.Int64
	controlErrors  atomic.Int64
}

// Dial connects to the server, verifies its certificate against the pinned
// fingerprint and opens the control stream.
func Dial(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	log := cfg.Log.With("component", "quic-sink")

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, cfg.Addr, certs.PinnedClientConfig(cfg.Fingerprint, ALPN), &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("quicsink: dial %s: %w", cfg.Addr, err)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		conn.CloseWithError(errCodeClosing, "datagrams required")
		return nil, fmt.Errorf("quicsink: %s does not support datagrams", cfg.Addr)
	}
	control, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(errCodeClosing, "control stream failed")
		return nil, fmt.Errorf("quicsink: open control stream: %w", err)
	}

	log.Info("connected", "addr", cfg.Addr, "remote", conn.RemoteAddr())
	return &Sink{
		log:          log,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		control:      control,
	}, nil
}

// Done is closed when the connection ends.
func (s *Sink) Done() <-chan struct{} {
	return s.conn.Context().Done()
}

// SendViewConfig sends the view configuration on the control stream.
func (s *Sink) SendViewConfig(info media.EyeInfo) error {
	return s.writeControl(wire.MsgViewConfig, wire.SerializeViewConfig(info))
}

// SendLatencyReport sends a latency summary on the control stream.
func (s *Sink) SendLatencyReport(r wire.LatencyReport) error {
	return s.writeControl(wire.MsgLatencyReport, wire.SerializeLatencyReport(r))
}

// SendTracking sends a tracking sample as a datagram. Lost samples are not
// retransmitted; the next tick supersedes them.
func (s *Sink) SendTracking(info media.TrackingInfo) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := s.conn.SendDatagram(wire.AppendMsg(nil, wire.MsgTracking, wire.SerializeTracking(info))); err != nil {
		s.datagramErrors.Add(1)
		return fmt.Errorf("quicsink: send tracking: %w", err)
	}
	s.datagrams.Add(1)
	return nil
}

func (s *Sink) writeControl(msgType uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.control.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("quicsink: set deadline: %w", err)
	}
	if err := wire.WriteMsg(s.control, msgType, payload); err != nil {
		s.controlErrors.Add(1)
		return fmt.Errorf("quicsink: write message %#x: %w", msgType, err)
	}
	s.controlMsgs.Add(1)
	return nil
}

// Stats returns a snapshot of the counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Datagrams:      s.datagrams.Load(),
		ControlMsgs:    s.controlMsgs.Load(),
		DatagramErrors: s.datagramErrors.Load(),
		ControlErrors:  s.controlErrors.Load(),
	}
}

// Close closes the control stream and the connection. It is safe to call
// more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.control.Close()
	s.mu.Unlock()

	st := s.Stats()
	s.log.Info("closed", "datagrams", st.Datagrams, "control_msgs", st.ControlMsgs,
		"errors", st.DatagramErrors+st.ControlErrors)
	return s.conn.CloseWithError(errCodeClosing, "client closing")
}
