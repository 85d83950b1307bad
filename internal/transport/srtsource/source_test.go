package srtsource

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/xrstream/internal/media"
	"github.com/zsiec/xrstream/internal/wire"
)

type collector struct {
	mu      sync.Mutex
	packets []media.Packet
	fail    bool
}

func (c *collector) OnVideoPacket(pkt media.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, pkt)
	if c.fail {
		return errors.New("not ready")
	}
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

type pipeConn struct {
	*io.PipeReader
	closed chan struct{}
	once   sync.Once
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return p.PipeReader.Close()
}

func pipeDialer(t *testing.T) (DialFunc, *io.PipeWriter, *pipeConn, *string) {
	t.Helper()
	pr, pw := io.Pipe()
	conn := &pipeConn{PipeReader: pr, closed: make(chan struct{})}
	var gotID string
	dial := func(addr, streamID string) (io.ReadCloser, error) {
		gotID = streamID
		return conn, nil
	}
	return dial, pw, conn, &gotID
}

func TestRunDeliversPackets(t *testing.T) {
	t.Parallel()
	dial, pw, _, gotID := pipeDialer(t)
	h := &collector{}
	s := New(Config{Addr: "server:6000", StreamID: "live/xr", Dial: dial}, h)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	frames := []media.Packet{
		{Codec: media.CodecH264, TrackingFrameIndex: 1, Data: []byte{0, 0, 0, 1, 0x67}},
		{Codec: media.CodecH264, TrackingFrameIndex: 2, Data: []byte{0, 0, 0, 1, 0x65, 1, 2}},
		{Codec: media.CodecHEVC, TrackingFrameIndex: 3, Data: []byte{0, 0, 1, 0x26}},
	}
	var buf []byte
	for _, f := range frames {
		buf = wire.AppendVideoFrame(buf, f)
	}
	// Split across writes to exercise reassembly.
	if _, err := pw.Write(buf[:4]); err != nil {
		t.Fatal(err)
	}
	if _, err := pw.Write(buf[4:]); err != nil {
		t.Fatal(err)
	}
	pw.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("Run = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after EOF")
	}

	if *gotID != "live/xr" {
		t.Errorf("stream id = %q, want live/xr", *gotID)
	}
	if h.len() != len(frames) {
		t.Fatalf("packets = %d, want %d", h.len(), len(frames))
	}
	for i, want := range frames {
		got := h.packets[i]
		if got.TrackingFrameIndex != want.TrackingFrameIndex || got.Codec != want.Codec || string(got.Data) != string(want.Data) {
			t.Errorf("packet %d = %+v, want %+v", i, got, want)
		}
	}
	st := s.Stats()
	if st.Packets != 3 || st.BytesReceived != int64(len(buf)) || st.ConnectedAt == 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandlerErrorsAreCounted(t *testing.T) {
	t.Parallel()
	dial, pw, _, _ := pipeDialer(t)
	h := &collector{fail: true}
	s := New(Config{Dial: dial}, h)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	pkt := wire.AppendVideoFrame(nil, media.Packet{TrackingFrameIndex: 9, Data: []byte{1}})
	pw.Write(pkt)
	pw.Write(pkt)
	pw.Close()
	<-errc

	if st := s.Stats(); st.HandlerErrors != 2 || st.Packets != 2 {
		t.Errorf("stats = %+v, want 2 packets and 2 handler errors", st)
	}
}

func TestRunCancelClosesConnection(t *testing.T) {
	t.Parallel()
	dial, _, conn, _ := pipeDialer(t)
	s := New(Config{Dial: dial}, &collector{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-conn.closed:
	default:
		t.Error("connection not closed")
	}
}

func TestRunMalformedFrame(t *testing.T) {
	t.Parallel()
	dial, pw, _, _ := pipeDialer(t)
	s := New(Config{Dial: dial}, &collector{})

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	pw.Write([]byte{1, 0xee, 0})
	pw.Close()

	err := <-errc
	var pe *wire.ParseError
	if !errors.As(err, &pe) || !errors.Is(err, wire.ErrUnknownCodec) {
		t.Errorf("Run = %v, want wire.ParseError wrapping ErrUnknownCodec", err)
	}
}

func TestDialErrors(t *testing.T) {
	t.Parallel()

	refused := errors.New("connection refused")
	s := New(Config{Dial: func(string, string) (io.ReadCloser, error) { return nil, refused }}, &collector{})
	if err := s.Run(context.Background()); !errors.Is(err, refused) {
		t.Errorf("Run = %v, want wrapped dial error", err)
	}

	release := make(chan struct{})
	leaked := &pipeConn{closed: make(chan struct{})}
	leaked.PipeReader, _ = io.Pipe()
	slow := func(string, string) (io.ReadCloser, error) {
		<-release
		return leaked, nil
	}
	s = New(Config{Dial: slow, DialTimeout: 20 * time.Millisecond}, &collector{})
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded despite dial timeout")
	}
	close(release)
	select {
	case <-leaked.closed:
	case <-time.After(2 * time.Second):
		t.Error("connection from late dial was not closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s = New(Config{Dial: func(string, string) (io.ReadCloser, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, refused
	}}, &collector{})
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run with cancelled ctx = %v, want context.Canceled", err)
	}
}
