package camrelay

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "relay.json", `{
		"source": "rtsp://camera.local/stream",
		"fps": 5,
		"allowed_origins": ["http://a.example", "http://b.example"],
		"require_origin": true,
		"write_timeout": "3s",
		"report_interval": "1m"
	}`)

	cfg, err := LoadConfig(path, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Source != "rtsp://camera.local/stream" || cfg.FPS != 5 {
		t.Errorf("source/fps = %q/%d", cfg.Source, cfg.FPS)
	}
	if !cfg.RequireOrigin || !slices.Equal(cfg.AllowedOrigins, []string{"http://a.example", "http://b.example"}) {
		t.Errorf("origins = %v %v", cfg.RequireOrigin, cfg.AllowedOrigins)
	}
	if cfg.WriteTimeout != 3*time.Second || cfg.ReportInterval != time.Minute {
		t.Errorf("durations = %v %v", cfg.WriteTimeout, cfg.ReportInterval)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Bitrate != "1000k" || cfg.LearningCycles != DefaultLearningCycles || cfg.Addr != "0.0.0.0:8090" {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", `{"fps": `},
		{"bad duration", `{"write_timeout": "soon"}`},
		{"wrong type", `{"fps": "ten"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := DefaultConfig()
			cfg, err := LoadConfig(writeFile(t, "c.json", tt.content), base)
			if err == nil {
				t.Fatal("LoadConfig() succeeded")
			}
			if cfg.FPS != base.FPS || cfg.WriteTimeout != base.WriteTimeout {
				t.Errorf("base not returned on error: %+v", cfg)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"), DefaultConfig()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Source = "-"
	valid.FFmpegPath = ""
	if err := valid.Validate(); err != nil {
		t.Fatalf("stdin source without ffmpeg: %v", err)
	}

	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no source", func(c *Config) { c.Source = "" }, "source is required"},
		{"ffmpeg needed", func(c *Config) { c.Source = "rtsp://x" }, "ffmpeg_path"},
		{"fps", func(c *Config) { c.FPS = 0 }, "fps"},
		{"transport", func(c *Config) { c.RTSPTransport = "carrier-pigeon" }, "rtsp_transport"},
		{"origins", func(c *Config) { c.RequireOrigin = true }, "allowed origin"},
		{"learning", func(c *Config) { c.LearningCycles = 0 }, "learning_cycles"},
		{"margin", func(c *Config) { c.SkipMargin = -1 }, "skip_margin"},
		{"queue", func(c *Config) { c.SendQueue = 0 }, "send_queue"},
		{"durations", func(c *Config) { c.WriteTimeout = -time.Second }, "durations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		cfg := valid
		cfg.FPS = -1
		cfg.BufferCap = 0
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "fps") || !strings.Contains(err.Error(), "buffer_cap") {
			t.Errorf("Validate() = %v", err)
		}
	})
}

func TestConfigNegotiator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireOrigin = true
	cfg.AllowedOrigins = []string{"http://viewer.example"}

	n := cfg.negotiator()
	if !n.RequireOrigin || n.CheckOrigin == nil {
		t.Fatal("origin check not configured")
	}
	if !n.CheckOrigin("http://viewer.example") || n.CheckOrigin("http://evil.example") {
		t.Error("allow-list not applied")
	}
}
