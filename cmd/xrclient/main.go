package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/xrstream/internal/certs"
	"github.com/zsiec/xrstream/internal/client"
	"github.com/zsiec/xrstream/internal/config"
	"github.com/zsiec/xrstream/internal/decoder"
	"github.com/zsiec/xrstream/internal/decoder/loopback"
	"github.com/zsiec/xrstream/internal/foveation"
	"github.com/zsiec/xrstream/internal/media"
	"github.com/zsiec/xrstream/internal/transport/quicsink"
	"github.com/zsiec/xrstream/internal/transport/srtsource"
)

var version = "dev"

const (
	reconnectDelay    = time.Second
	maxReconnectDelay = 30 * time.Second
)

func main() {
	configPath := flag.String("config", envOr("XR_CONFIG", ""), "path to YAML client config")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	decoders := decoder.NewRegistry()
	if err := decoders.Register(loopback.Name, loopback.Factory(loopback.Options{})); err != nil {
		slog.Error("failed to register decoder", "error", err)
		os.Exit(1)
	}

	engine, err := client.New(client.Config{
		Decoders:       decoders,
		Renderer:       &logRenderer{log: slog.Default().With("component", "renderer")},
		Tracking:       newSimHeadset(cfg.Stream.Render.RefreshRate),
		ReportInterval: cfg.ReportInterval,
	})
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.SetStreamConfig(cfg.Stream); err != nil {
		slog.Error("failed to apply stream config", "error", err)
		os.Exit(1)
	}

	slog.Info("xrclient starting",
		"version", version,
		"srt", cfg.SRTAddr,
		"stream_id", cfg.StreamID,
		"upstream", cfg.UpstreamAddr,
		"decoder", cfg.Stream.Decoder.Backend,
		"refresh_rate", cfg.Stream.Render.RefreshRate,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(ctx)
	})

	g.Go(func() error {
		return runVideo(ctx, cfg, engine)
	})

	if cfg.ServerFingerprint == "" {
		slog.Warn("no server fingerprint configured, upstream disabled", "env", config.EnvFingerprint)
	} else {
		fp, err := certs.ParseFingerprint(cfg.ServerFingerprint)
		if err != nil {
			slog.Error("invalid server fingerprint", "error", err)
			os.Exit(1)
		}
		slog.Info("upstream pinned", "addr", cfg.UpstreamAddr, "fingerprint", certs.FingerprintBase64(fp))
		g.Go(func() error {
			return runUpstream(ctx, cfg.UpstreamAddr, fp, engine)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client error", "error", err)
		os.Exit(1)
	}
	slog.Info("xrclient stopped")
}

// runVideo keeps an SRT session to the server open, reconnecting with
// backoff until ctx is done.
func runVideo(ctx context.Context, cfg config.ClientConfig, engine *client.Engine) error {
	delay := reconnectDelay
	for {
		src := srtsource.New(srtsource.Config{Addr: cfg.SRTAddr, StreamID: cfg.StreamID}, engine)
		err := src.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		st := src.Stats()
		if st.Packets > 0 {
			delay = reconnectDelay
		}
		slog.Warn("video stream lost, reconnecting", "error", err, "packets", st.Packets, "retry_in", delay)
		engine.RequireIDR()
		if !sleepCtx(ctx, delay) {
			return nil
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// runUpstream maintains the QUIC tracking connection and attaches it to the
// engine while it is up.
func runUpstream(ctx context.Context, addr string, fp [32]byte, engine *client.Engine) error {
	delay := reconnectDelay
	for {
		sink, err := quicsink.Dial(ctx, quicsink.Config{Addr: addr, Fingerprint: fp})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("upstream dial failed", "addr", addr, "error", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}
		delay = reconnectDelay

		slog.Info("upstream connected", "addr", addr)
		engine.OnServerConnected(sink)
		select {
		case <-ctx.Done():
		case <-sink.Done():
		}
		engine.OnServerDisconnect()
		st := sink.Stats()
		sink.Close()
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("upstream disconnected", "datagrams", st.Datagrams, "control_msgs", st.ControlMsgs)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// logRenderer stands in for a GPU compositor: it logs the first frame after
// each reconfiguration and a running count after that.
type logRenderer struct {
	log    *slog.Logger
	frames atomic.Int64
}

func (r *logRenderer) SetFoveation(p *foveation.DecodeParams) {
	if p == nil {
		r.log.Info("foveation disabled")
		return
	}
	r.log.Info("foveation installed",
		"optimized_width", p.OptimizedWidth,
		"optimized_height", p.OptimizedHeight,
	)
}

func (r *logRenderer) ClearVideoTextures() {
	r.frames.Store(0)
	r.log.Debug("video textures cleared")
}

func (r *logRenderer) RenderFrame(f media.DecodedFrame) {
	n := r.frames.Add(1)
	if n == 1 || n%600 == 0 {
		r.log.Info("rendered frame",
			"count", n,
			"frame_index", f.FrameIndex,
			"resolved", f.Resolved,
			"width", f.Width,
			"height", f.Height,
		)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
