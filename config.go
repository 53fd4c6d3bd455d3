package camrelay

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/cleroux/go-camrelay/ws"
)

// Config holds everything the relay needs. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// Source is the stream locator handed to the decoder, or "-" to read JPEG data from stdin.
	Source         string   `json:"source"`
	FFmpegPath     string   `json:"ffmpeg_path"`
	FPS            int      `json:"fps"`
	Bitrate        string   `json:"bitrate"`
	RTSPTransport  string   `json:"rtsp_transport"`
	ExtraInputArgs []string `json:"extra_input_args"`
	ReadSize       int      `json:"read_size"`

	Addr     string `json:"addr"`
	HTTPAddr string `json:"http_addr"`

	RequireOrigin     bool     `json:"require_origin"`
	AllowedOrigins    []string `json:"allowed_origins"`
	RequireProtocol   bool     `json:"require_protocol"`
	RequireExtensions bool     `json:"require_extensions"`

	LearningCycles int `json:"learning_cycles"`
	SkipMargin     int `json:"skip_margin"`
	BufferCap      int `json:"buffer_cap"`

	FragmentSize   int           `json:"fragment_size"`
	MaxClientFrame int           `json:"max_client_frame"`
	SendQueue      int           `json:"send_queue"`
	WriteTimeout   time.Duration `json:"-"`

	ReportInterval time.Duration `json:"-"`
	Journal        string        `json:"journal"`
	LogLevel       string        `json:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		FFmpegPath:     "ffmpeg",
		FPS:            10,
		Bitrate:        "1000k",
		RTSPTransport:  "tcp",
		ReadSize:       64 << 10,
		Addr:           "0.0.0.0:8090",
		LearningCycles: DefaultLearningCycles,
		SkipMargin:     DefaultSkipMargin,
		BufferCap:      DefaultBufferCap,
		MaxClientFrame: 1 << 20,
		SendQueue:      2,
		WriteTimeout:   10 * time.Second,
		ReportInterval: 10 * time.Second,
		LogLevel:       "info",
	}
}

// fileConfig is the on-disk form. Durations are written as strings such as "10s".
type fileConfig struct {
	Config
	WriteTimeout   string `json:"write_timeout"`
	ReportInterval string `json:"report_interval"`
}

// LoadConfig reads a JSON config file on top of base. Fields missing from the file keep the
// value from base.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}

	fc := fileConfig{Config: base}
	if err := sonnet.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := fc.Config
	if fc.WriteTimeout != "" {
		if cfg.WriteTimeout, err = time.ParseDuration(fc.WriteTimeout); err != nil {
			return base, fmt.Errorf("parse config %s: write_timeout: %w", path, err)
		}
	}
	if fc.ReportInterval != "" {
		if cfg.ReportInterval, err = time.ParseDuration(fc.ReportInterval); err != nil {
			return base, fmt.Errorf("parse config %s: report_interval: %w", path, err)
		}
	}
	return cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Source == "" {
		bad("source is required")
	}
	if c.Source != "-" && c.FFmpegPath == "" {
		bad("ffmpeg_path is required")
	}
	if c.FPS <= 0 {
		bad("fps must be positive, got %d", c.FPS)
	}
	switch strings.ToLower(c.RTSPTransport) {
	case "", "tcp", "udp", "udp_multicast", "http", "https":
	default:
		bad("unknown rtsp_transport %q", c.RTSPTransport)
	}
	if c.ReadSize <= 0 {
		bad("read_size must be positive, got %d", c.ReadSize)
	}
	if c.Addr == "" {
		bad("addr is required")
	}
	if c.RequireOrigin && len(c.AllowedOrigins) == 0 {
		bad("require_origin needs at least one allowed origin")
	}
	if c.LearningCycles <= 0 {
		bad("learning_cycles must be positive, got %d", c.LearningCycles)
	}
	if c.SkipMargin < 0 {
		bad("skip_margin must not be negative, got %d", c.SkipMargin)
	}
	if c.BufferCap <= 0 {
		bad("buffer_cap must be positive, got %d", c.BufferCap)
	}
	if c.FragmentSize < 0 {
		bad("fragment_size must not be negative, got %d", c.FragmentSize)
	}
	if c.MaxClientFrame <= 0 {
		bad("max_client_frame must be positive, got %d", c.MaxClientFrame)
	}
	if c.SendQueue <= 0 {
		bad("send_queue must be positive, got %d", c.SendQueue)
	}
	if c.WriteTimeout < 0 || c.ReportInterval < 0 {
		bad("durations must not be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c Config) demuxConfig() DemuxConfig {
	return DemuxConfig{
		LearningCycles: c.LearningCycles,
		SkipMargin:     c.SkipMargin,
		BufferCap:      c.BufferCap,
	}
}

func (c Config) sessionConfig() ws.SessionConfig {
	return ws.SessionConfig{
		MaxFrameBuffer: c.MaxClientFrame,
		SendQueue:      c.SendQueue,
		WriteTimeout:   c.WriteTimeout,
	}
}

func (c Config) negotiator() *ws.Negotiator {
	n := ws.NewNegotiator()
	n.RequireOrigin = c.RequireOrigin
	if len(c.AllowedOrigins) > 0 {
		n.CheckOrigin = ws.AllowOrigins(c.AllowedOrigins...)
	}
	n.RequireProtocol = c.RequireProtocol
	n.RequireExtensions = c.RequireExtensions
	return n
}
