// Package srtsource receives framed video packets from the streaming server
// over an SRT caller connection.
package srtsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/xrstream/internal/media"
	"github.com/zsiec/xrstream/internal/wire"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// DefaultDialTimeout bounds the SRT handshake.
const DefaultDialTimeout = 10 * time.Second

// ErrDisconnected is returned by Run when the server closes the connection.
var ErrDisconnected = errors.New("srtsource: server closed connection")

// PacketHandler consumes received video packets. The packet data is owned by
// the handler once delivered.
type PacketHandler interface {
	OnVideoPacket(pkt media.Packet) error
}

// DialFunc opens the byte stream carrying framed packets.
type DialFunc func(addr, streamID string) (io.ReadCloser, error)

// Config configures a Source.
type Config struct {
	Addr        string
	StreamID    string
	DialTimeout time.Duration
	// Dial replaces the SRT dialer, for tests.
	Dial DialFunc
	Log  *slog.Logger
}

// Stats counts received traffic.
type Stats struct {
	BytesReceived int64
	ReadCount     int64
	Packets       int64
	HandlerErrors int64
	ConnectedAt   int64
}

// Source dials the server and feeds each received frame to a PacketHandler.
type Source struct {
	log     *slog.Logger
	addr    string
	id      string
	timeout time.Duration
	dial    DialFunc
	handler PacketHandler

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	packets       atomic.Int64
	handlerErrors atomic.Int64
	connectedAt   atomic.Int64
}

// New creates a Source. If cfg.Log is nil, slog.Default() is used.
func New(cfg Config, handler PacketHandler) *Source {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = dialSRT
	}
	return &Source{
		log:     cfg.Log.With("component", "srt-source"),
		addr:    cfg.Addr,
		id:      cfg.StreamID,
		timeout: cfg.DialTimeout,
		dial:    cfg.Dial,
		handler: handler,
	}
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		Packets:       s.packets.Load(),
		HandlerErrors: s.handlerErrors.Load(),
		ConnectedAt:   s.connectedAt.Load(),
	}
}

// Run dials the server and delivers packets until ctx is cancelled or the
// connection ends. It returns nil on cancellation and ErrDisconnected when
// the server closes the stream cleanly.
func (s *Source) Run(ctx context.Context) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.connectedAt.Store(time.Now().UnixMilli())
	s.log.Info("connected", "address", s.addr, "stream_id", s.id)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		if stop() {
			conn.Close()
		}
		s.log.Info("connection closed", "address", s.addr,
			"bytes", s.bytesReceived.Load(), "packets", s.packets.Load())
	}()

	r := bufio.NewReaderSize(&countingReader{r: conn, s: s}, srtReadBufferSize)
	for {
		pkt, err := wire.ReadVideoFrame(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrDisconnected
			}
			return fmt.Errorf("srtsource: read frame: %w", err)
		}
		s.packets.Add(1)
		if err := s.handler.OnVideoPacket(pkt); err != nil {
			s.handlerErrors.Add(1)
			s.log.Debug("packet dropped", "frame", pkt.TrackingFrameIndex, "error", err)
		}
	}
}

// connect dials with a timeout. A dial that loses the race against the
// timeout or ctx is drained in the background and its connection closed.
func (s *Source) connect(ctx context.Context) (io.ReadCloser, error) {
	s.log.Info("dialing", "address", s.addr, "stream_id", s.id)

	type dialResult struct {
		conn io.ReadCloser
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := s.dial(s.addr, s.id)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("SRT dial timed out after %s", s.timeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

type countingReader struct {
	r io.Reader
	s *Source
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.s.bytesReceived.Add(int64(n))
		c.s.readCount.Add(1)
	}
	return n, err
}

type srtConn struct {
	c *srtgo.Conn
}

func (s srtConn) Read(p []byte) (int, error) { return s.c.Read(p) }

func (s srtConn) Close() error {
	s.c.Close()
	return nil
}

func dialSRT(addr, streamID string) (io.ReadCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return nil, err
	}
	return srtConn{c: conn}, nil
}
