// Package config loads the client configuration from an optional YAML file
// and environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/xrstream/internal/decoder"
	"github.com/zsiec/xrstream/internal/foveation"
	"github.com/zsiec/xrstream/internal/media"
)

// Environment variables that override file values.
const (
	EnvSRTAddr      = "XR_SRT_ADDR"
	EnvStreamID     = "XR_STREAM_ID"
	EnvUpstreamAddr = "XR_UPSTREAM_ADDR"
	EnvFingerprint  = "XR_SERVER_FINGERPRINT"
	EnvBackend      = "XR_DECODER_BACKEND"
	EnvRefreshRate  = "XR_REFRESH_RATE"
)

// ClientConfig is the complete client configuration.
type ClientConfig struct {
	// SRTAddr is the host:port of the server's SRT video output.
	SRTAddr  string `yaml:"srt_addr"`
	StreamID string `yaml:"stream_id"`
	// UpstreamAddr is the host:port of the server's QUIC tracking endpoint.
	UpstreamAddr string `yaml:"upstream_addr"`
	// ServerFingerprint pins the server certificate (base64 or hex SHA-256).
	ServerFingerprint string        `yaml:"server_fingerprint"`
	ReportInterval    time.Duration `yaml:"report_interval"`
	Stream            StreamConfig  `yaml:"stream"`
}

// StreamConfig is the per-stream part that the engine applies as a unit.
type StreamConfig struct {
	Render           RenderConfig  `yaml:"render"`
	Decoder          DecoderConfig `yaml:"decoder"`
	ClientPrediction bool          `yaml:"client_prediction"`
	Smoothing        bool          `yaml:"smoothing"`
}

// RenderConfig describes the per-eye target and foveation.
type RenderConfig struct {
	EyeWidth    uint32          `yaml:"eye_width"`
	EyeHeight   uint32          `yaml:"eye_height"`
	RefreshRate float64         `yaml:"refresh_rate"`
	Foveation   FoveationConfig `yaml:"foveation"`
}

// FoveationConfig holds the foveation parameters per axis.
type FoveationConfig struct {
	Enabled     bool           `yaml:"enabled"`
	CenterSize  foveation.Vec2 `yaml:"center_size"`
	CenterShift foveation.Vec2 `yaml:"center_shift"`
	EdgeRatio   foveation.Vec2 `yaml:"edge_ratio"`
}

// DecoderConfig selects and tunes the decode pipeline.
type DecoderConfig struct {
	// Backend is a name registered in the decoder registry.
	Backend    string        `yaml:"backend"`
	Codec      string        `yaml:"codec"`
	QueueDepth int           `yaml:"queue_depth"`
	InputWait  time.Duration `yaml:"input_wait"`
	OutputWait time.Duration `yaml:"output_wait"`
	// Oversize is "truncate" or "reject".
	Oversize string `yaml:"oversize"`
}

// FieldError reports an invalid configuration field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// Sentinel errors wrapped by FieldError.
var (
	ErrRequired = errors.New("required")
	ErrRange    = errors.New("out of range")
	ErrUnknown  = errors.New("unknown value")
)

// Default returns the configuration used when no file is given.
func Default() ClientConfig {
	return ClientConfig{
		SRTAddr:        "127.0.0.1:6000",
		StreamID:       "xr",
		UpstreamAddr:   "127.0.0.1:4443",
		ReportInterval: time.Second,
		Stream: StreamConfig{
			Render: RenderConfig{
				EyeWidth:    1440,
				EyeHeight:   1600,
				RefreshRate: 90,
				Foveation: FoveationConfig{
					Enabled:     true,
					CenterSize:  foveation.Vec2{X: 0.4, Y: 0.35},
					CenterShift: foveation.Vec2{X: 0.4, Y: 0.1},
					EdgeRatio:   foveation.Vec2{X: 4, Y: 5},
				},
			},
			Decoder: DecoderConfig{
				Backend:    "loopback",
				Codec:      "h264",
				QueueDepth: media.InputQueueDepth,
				InputWait:  decoder.DefaultInputWait,
				OutputWait: decoder.DefaultOutputWait,
				Oversize:   "truncate",
			},
		},
	}
}

// Load returns Default overlaid with the YAML file at path (if path is not
// empty) and then with environment overrides read through getenv. A nil
// getenv uses os.Getenv. The result is validated.
func Load(path string, getenv func(string) string) (ClientConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// decodeYAML rejects unknown keys so typos do not silently fall back to
// defaults.
func decodeYAML(data []byte, cfg *ClientConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *ClientConfig, getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}
	cfg.SRTAddr = envOr(EnvSRTAddr, cfg.SRTAddr)
	cfg.StreamID = envOr(EnvStreamID, cfg.StreamID)
	cfg.UpstreamAddr = envOr(EnvUpstreamAddr, cfg.UpstreamAddr)
	cfg.ServerFingerprint = envOr(EnvFingerprint, cfg.ServerFingerprint)
	cfg.Stream.Decoder.Backend = envOr(EnvBackend, cfg.Stream.Decoder.Backend)
	if v := getenv(EnvRefreshRate); v != "" {
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &FieldError{Field: EnvRefreshRate, Err: err}
		}
		cfg.Stream.Render.RefreshRate = hz
	}
	return nil
}

// Validate checks every field and returns all problems joined.
func (c ClientConfig) Validate() error {
	var errs []error
	if c.SRTAddr == "" {
		errs = append(errs, &FieldError{Field: "srt_addr", Err: ErrRequired})
	}
	if c.ReportInterval < 0 {
		errs = append(errs, &FieldError{Field: "report_interval", Err: ErrRange})
	}
	errs = append(errs, c.Stream.validate()...)
	return errors.Join(errs...)
}

// Validate checks the stream configuration alone.
func (s StreamConfig) Validate() error {
	return errors.Join(s.validate()...)
}

func (s StreamConfig) validate() []error {
	var errs []error
	r := s.Render
	if r.EyeWidth == 0 {
		errs = append(errs, &FieldError{Field: "stream.render.eye_width", Err: ErrRequired})
	}
	if r.EyeHeight == 0 {
		errs = append(errs, &FieldError{Field: "stream.render.eye_height", Err: ErrRequired})
	}
	if r.RefreshRate < 0 || math.IsNaN(r.RefreshRate) || math.IsInf(r.RefreshRate, 0) {
		errs = append(errs, &FieldError{Field: "stream.render.refresh_rate", Err: ErrRange})
	}
	if r.Foveation.Enabled && r.EyeWidth > 0 && r.EyeHeight > 0 {
		if err := r.FoveationParams().Validate(); err != nil {
			errs = append(errs, &FieldError{Field: "stream.render.foveation", Err: err})
		}
	}

	d := s.Decoder
	if d.Backend == "" {
		errs = append(errs, &FieldError{Field: "stream.decoder.backend", Err: ErrRequired})
	}
	if _, err := d.MediaCodec(); err != nil {
		errs = append(errs, &FieldError{Field: "stream.decoder.codec", Err: err})
	}
	if d.QueueDepth < 0 {
		errs = append(errs, &FieldError{Field: "stream.decoder.queue_depth", Err: ErrRange})
	}
	if d.InputWait < 0 {
		errs = append(errs, &FieldError{Field: "stream.decoder.input_wait", Err: ErrRange})
	}
	if d.OutputWait < 0 {
		errs = append(errs, &FieldError{Field: "stream.decoder.output_wait", Err: ErrRange})
	}
	if _, err := d.OversizePolicy(); err != nil {
		errs = append(errs, &FieldError{Field: "stream.decoder.oversize", Err: err})
	}
	return errs
}

// FoveationParams returns the solver input for this render configuration.
func (r RenderConfig) FoveationParams() foveation.Config {
	return foveation.Config{
		EyeWidth:    r.EyeWidth,
		EyeHeight:   r.EyeHeight,
		CenterSize:  r.Foveation.CenterSize,
		CenterShift: r.Foveation.CenterShift,
		EdgeRatio:   r.Foveation.EdgeRatio,
	}
}

// MediaCodec maps the codec name to a media.Codec.
func (d DecoderConfig) MediaCodec() (media.Codec, error) {
	switch d.Codec {
	case "h264", "avc":
		return media.CodecH264, nil
	case "h265", "hevc":
		return media.CodecHEVC, nil
	default:
		return 0, fmt.Errorf("%w: codec %q", ErrUnknown, d.Codec)
	}
}

// OversizePolicy maps the oversize name to a decoder policy. Empty selects
// truncation.
func (d DecoderConfig) OversizePolicy() (decoder.OversizePolicy, error) {
	switch d.Oversize {
	case "", "truncate":
		return decoder.OversizeTruncate, nil
	case "reject":
		return decoder.OversizeReject, nil
	default:
		return 0, fmt.Errorf("%w: oversize policy %q", ErrUnknown, d.Oversize)
	}
}
