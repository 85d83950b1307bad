package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/xrstream/internal/config"
	"github.com/zsiec/xrstream/internal/decoder"
	"github.com/zsiec/xrstream/internal/decoder/loopback"
	"github.com/zsiec/xrstream/internal/foveation"
	"github.com/zsiec/xrstream/internal/media"
	"github.com/zsiec/xrstream/internal/wire"
)

var (
	sps720p = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	pps   = []byte{0x68, 0xee, 0x3c, 0x80}
	idr   = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	slice = []byte{0x41, 0x9a, 0x02}
)

func annexB(units ...[]byte) []byte {
	var buf bytes.Buffer
	for _, u := range units {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(u)
	}
	return buf.Bytes()
}

type fakeRenderer struct {
	mu        sync.Mutex
	calls     []string
	foveation *foveation.DecodeParams
	frames    chan media.DecodedFrame
}

func newRenderer() *fakeRenderer {
	return &fakeRenderer{frames: make(chan media.DecodedFrame, 16)}
}

func (r *fakeRenderer) SetFoveation(p *foveation.DecodeParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "foveation")
	r.foveation = p
}

func (r *fakeRenderer) ClearVideoTextures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "clear")
}

func (r *fakeRenderer) RenderFrame(f media.DecodedFrame) {
	r.mu.Lock()
	r.calls = append(r.calls, "render")
	r.mu.Unlock()
	r.frames <- f
}

func (r *fakeRenderer) snapshot() ([]string, *foveation.DecodeParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), r.foveation
}

type fakeTracking struct {
	mu    sync.Mutex
	frame uint64
}

func (f *fakeTracking) EyeInfo() (media.EyeInfo, bool) {
	return media.EyeInfo{IPD: 0.063}, true
}

func (f *fakeTracking) PollActions() {}

func (f *fakeTracking) TrackingInfo(bool) (media.TrackingInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame++
	return media.TrackingInfo{FrameIndex: f.frame, TimestampNs: int64(f.frame) * 1e6}, true
}

type fakeUpstream struct {
	mu       sync.Mutex
	views    int
	tracking int
	reports  []wire.LatencyReport
}

func (u *fakeUpstream) SendViewConfig(media.EyeInfo) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.views++
	return nil
}

func (u *fakeUpstream) SendTracking(media.TrackingInfo) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tracking++
	return nil
}

func (u *fakeUpstream) SendLatencyReport(r wire.LatencyReport) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reports = append(u.reports, r)
	return nil
}

func (u *fakeUpstream) counts() (views, tracking, reports int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.views, u.tracking, len(u.reports)
}

func newRegistry(t *testing.T) *decoder.Registry {
	t.Helper()
	reg := decoder.NewRegistry()
	require.NoError(t, reg.Register(loopback.Name, loopback.Factory(loopback.Options{})))
	return reg
}

func newEngine(t *testing.T, r *fakeRenderer) *Engine {
	t.Helper()
	e, err := New(Config{
		Decoders:       newRegistry(t),
		Renderer:       r,
		Tracking:       &fakeTracking{},
		ReportInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return e
}

func runEngine(t *testing.T, e *Engine) (cancel func(), errc <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancelFn()
		e.Close()
	})
	return cancelFn, ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Renderer: newRenderer(), Tracking: &fakeTracking{}})
	assert.Error(t, err)
	_, err = New(Config{Decoders: decoder.NewRegistry(), Tracking: &fakeTracking{}})
	assert.Error(t, err)
}

func TestSetStreamConfigErrors(t *testing.T) {
	t.Parallel()
	e := newEngine(t, newRenderer())

	sc := config.Default().Stream
	sc.Decoder.Backend = "mediacodec"
	assert.ErrorIs(t, e.SetStreamConfig(sc), ErrUnknownBackend)

	sc = config.Default().Stream
	sc.Render.Foveation.EdgeRatio.X = 0
	assert.ErrorIs(t, e.SetStreamConfig(sc), foveation.ErrEdgeRatio)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.SetStreamConfig(config.Default().Stream), ErrClosed)
}

func TestSetStreamConfigInstallsFoveation(t *testing.T) {
	t.Parallel()
	r := newRenderer()
	e := newEngine(t, r)

	sc := config.Default().Stream
	require.NoError(t, e.SetStreamConfig(sc))
	calls, params := r.snapshot()
	assert.Equal(t, []string{"clear", "foveation"}, calls)
	require.NotNil(t, params)
	assert.Zero(t, params.OptimizedWidth%foveation.EncoderAlignment)
	assert.Zero(t, params.OptimizedHeight%foveation.EncoderAlignment)
	assert.Less(t, params.OptimizedWidth, sc.Render.EyeWidth)

	sc.Render.Foveation.Enabled = false
	require.NoError(t, e.SetStreamConfig(sc))
	_, params = r.snapshot()
	assert.Nil(t, params)
	assert.Equal(t, time.Second/270, e.Poller().Interval(), "poller runs at three times the refresh rate")
}

func TestVideoPacketGating(t *testing.T) {
	t.Parallel()
	e := newEngine(t, newRenderer())

	assert.ErrorIs(t, e.OnVideoPacket(media.Packet{Codec: media.CodecH264, Data: annexB(idr)}), ErrNoStream)

	require.NoError(t, e.SetStreamConfig(config.Default().Stream))
	assert.ErrorIs(t, e.OnVideoPacket(media.Packet{Codec: media.CodecHEVC, Data: annexB(idr)}), ErrCodecMismatch)
	assert.ErrorIs(t, e.OnVideoPacket(media.Packet{Codec: media.CodecH264, Data: annexB(slice)}), ErrWaitingForIDR)

	st := e.Stats()
	assert.Equal(t, int64(3), st.Packets)
	assert.Equal(t, int64(2), st.Dropped)
	assert.Equal(t, int64(1), st.AwaitingIDR)
	assert.True(t, st.WaitingForIDR)
}

func TestEndToEndFrameDelivery(t *testing.T) {
	t.Parallel()
	r := newRenderer()
	e := newEngine(t, r)
	require.NoError(t, e.SetStreamConfig(config.Default().Stream))
	_, errc := runEngine(t, e)

	require.NoError(t, e.OnVideoPacket(media.Packet{Codec: media.CodecH264, TrackingFrameIndex: 42, Data: annexB(sps720p, pps, idr)}))
	assert.False(t, e.WaitingForIDR())

	select {
	case f := <-r.frames:
		assert.True(t, f.Resolved)
		assert.Equal(t, uint64(42), f.FrameIndex)
		assert.Equal(t, 1280, f.Width)
		assert.Equal(t, 720, f.Height)
	case <-time.After(3 * time.Second):
		t.Fatal("no frame rendered")
	}

	require.NoError(t, e.OnVideoPacket(media.Packet{Codec: media.CodecH264, TrackingFrameIndex: 43, Data: annexB(slice)}))
	select {
	case f := <-r.frames:
		assert.Equal(t, uint64(43), f.FrameIndex)
	case <-time.After(3 * time.Second):
		t.Fatal("second frame not rendered")
	}

	waitFor(t, "render and decode counters", func() bool {
		st := e.Stats()
		return st.Latency.Rendered == 2 && st.Decoder.Decoded == 2
	})
	st := e.Stats()
	assert.Equal(t, int64(2), st.Rendered)
	assert.Zero(t, st.StaleFrames)
	assert.Equal(t, int64(2), st.Decoder.Decoded)
	assert.Equal(t, uint64(43), st.Latency.LastFrame)

	require.NoError(t, e.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, e.OnVideoPacket(media.Packet{Codec: media.CodecH264, Data: annexB(idr)}), ErrClosed)
}

func TestReconfigureRestartsPipeline(t *testing.T) {
	t.Parallel()
	r := newRenderer()
	e := newEngine(t, r)
	require.NoError(t, e.SetStreamConfig(config.Default().Stream))
	runEngine(t, e)

	require.NoError(t, e.OnVideoPacket(media.Packet{Codec: media.CodecH264, TrackingFrameIndex: 1, Data: annexB(sps720p, pps, idr)}))
	<-r.frames

	require.NoError(t, e.SetStreamConfig(config.Default().Stream))
	assert.True(t, e.WaitingForIDR())
	assert.Equal(t, decoder.StateUninitialized, e.Stats().Decoder.State)

	require.NoError(t, e.OnVideoPacket(media.Packet{Codec: media.CodecH264, TrackingFrameIndex: 2, Data: annexB(sps720p, pps, idr)}))
	select {
	case f := <-r.frames:
		assert.Equal(t, uint64(2), f.FrameIndex)
	case <-time.After(3 * time.Second):
		t.Fatal("no frame from restarted pipeline")
	}
}

func TestUpstreamLifecycle(t *testing.T) {
	t.Parallel()
	e := newEngine(t, newRenderer())
	require.NoError(t, e.SetStreamConfig(config.Default().Stream))
	runEngine(t, e)

	assert.ErrorIs(t, e.SendTracking(media.TrackingInfo{}), ErrNotConnected)

	up := &fakeUpstream{}
	e.OnServerConnected(up)
	waitFor(t, "tracking upstream", func() bool {
		_, tracking, _ := up.counts()
		return tracking >= 3
	})
	views, _, _ := up.counts()
	assert.Equal(t, 1, views)

	require.NoError(t, e.OnVideoPacket(media.Packet{Codec: media.CodecH264, TrackingFrameIndex: 5, Data: annexB(sps720p, pps, idr)}))
	waitFor(t, "latency report", func() bool {
		_, _, reports := up.counts()
		return reports >= 1
	})
	up.mu.Lock()
	assert.Equal(t, uint64(1), up.reports[0].Inputs)
	up.mu.Unlock()

	e.RequireIDR()
	assert.True(t, e.WaitingForIDR())
	assert.True(t, e.Poller().Connected(), "video loss keeps the upstream attached")

	e.ClearWaitingForIDR()
	e.OnServerDisconnect()
	assert.True(t, e.WaitingForIDR())
	assert.ErrorIs(t, e.SendViewConfig(media.EyeInfo{}), ErrNotConnected)
	assert.False(t, e.Poller().Connected())
}

func TestCloseOrder(t *testing.T) {
	t.Parallel()
	r := newRenderer()
	e := newEngine(t, r)
	require.NoError(t, e.SetStreamConfig(config.Default().Stream))
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	calls, _ := r.snapshot()
	assert.Equal(t, []string{"clear"}, calls)
	assert.False(t, e.Poller().Connected())
	assert.True(t, errors.Is(e.Run(context.Background()), ErrClosed))
}
