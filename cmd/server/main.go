package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cleroux/go-camrelay"
	"github.com/cleroux/go-camrelay/journal"
)

// cliFlags are the command-line settings. Each one overrides the config file only when it is
// set explicitly.
type cliFlags struct {
	config            *string
	source            *string
	ffmpeg            *string
	fps               *int
	bitrate           *string
	transport         *string
	addr              *string
	httpAddr          *string
	origins           *string
	requireProtocol   *bool
	requireExtensions *bool
	learningCycles    *int
	skipMargin        *int
	bufferCap         *int
	fragment          *int
	report            *time.Duration
	journal           *string
	logLevel          *string
}

func newFlags(fs *flag.FlagSet) *cliFlags {
	d := camrelay.DefaultConfig()
	return &cliFlags{
		config:            fs.String("config", "", "Read settings from this JSON file; explicit flags take precedence"),
		source:            fs.String("source", "", "Stream locator handed to ffmpeg, or - to read JPEG data from stdin"),
		ffmpeg:            fs.String("ffmpeg", d.FFmpegPath, "Path to the ffmpeg binary"),
		fps:               fs.Int("fps", d.FPS, "Frames per second requested from the decoder"),
		bitrate:           fs.String("bitrate", d.Bitrate, "Video bitrate requested from the decoder"),
		transport:         fs.String("rtsp-transport", d.RTSPTransport, "RTSP transport, empty to let ffmpeg decide"),
		addr:              fs.String("addr", d.Addr, "Listen on this address:port for WebSocket viewers"),
		httpAddr:          fs.String("http-addr", "", "Listen on this address:port for MJPEG, snapshot and stats requests"),
		origins:           fs.String("origins", "", "Comma separated list of allowed Origin values; enables origin checks"),
		requireProtocol:   fs.Bool("require-protocol", d.RequireProtocol, "Reject upgrades without Sec-WebSocket-Protocol"),
		requireExtensions: fs.Bool("require-extensions", d.RequireExtensions, "Reject upgrades without Sec-WebSocket-Extensions"),
		learningCycles:    fs.Int("learning-cycles", d.LearningCycles, "Images observed before the boundary skip is fixed"),
		skipMargin:        fs.Int("skip-margin", d.SkipMargin, "Chunks subtracted from the smallest observed count per image"),
		bufferCap:         fs.Int("buffer-cap", d.BufferCap, "Largest image buffer in bytes before it is discarded"),
		fragment:          fs.Int("fragment", d.FragmentSize, "Split WebSocket messages into frames of at most this many bytes, 0 to never split"),
		report:            fs.Duration("report", d.ReportInterval, "Interval between stats reports, 0 to disable"),
		journal:           fs.String("journal", "", "Record sessions in this SQLite database"),
		logLevel:          fs.String("log-level", d.LogLevel, "Log level: debug, info, warn or error"),
	}
}

func main() {
	flags := newFlags(flag.CommandLine)
	flag.Parse()
	os.Exit(run(flags))
}

// run returns the process exit code so that deferred cleanup happens before exiting.
func run(flags *cliFlags) int {
	cfg, err := flags.load(flag.CommandLine)
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		return 2
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Error("Invalid log level", "level", cfg.LogLevel)
		return 2
	}
	l := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	var src camrelay.Source
	if cfg.Source == "-" {
		src = camrelay.ReaderSource{R: os.Stdin, ReadSize: cfg.ReadSize}
	} else {
		src = camrelay.NewDecoder(l, cfg)
	}

	var opts []camrelay.Option
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal, l)
		if err != nil {
			l.Error("Failed to open journal", "err", err)
			return 1
		}
		defer j.Close()
		opts = append(opts, camrelay.WithJournal(j))
	}

	relay, err := camrelay.New(l, cfg, src, opts...)
	if err != nil {
		l.Error("Failed to create relay", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.HTTPAddr != "" {
		// Create a context that will allow us to cancel active video streams
		// We _could_ use this context as the HTTP Server's BaseContext but this would have the side-effect of cancelling
		// all in-flight requests, not just our video streams.
		cancelCtx, cancelStreams := context.WithCancel(context.Background())

		s := http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: relay.Handler(cancelCtx),
		}
		s.RegisterOnShutdown(cancelStreams)

		wg.Add(2)
		go func() {
			defer wg.Done()

			<-ctx.Done()

			l.Info("Shutting down HTTP server")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				l.Error("Failed to shut down HTTP server", "err", err)
			}
		}()
		go func() {
			defer wg.Done()

			l.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Error("HTTP server failed", "err", err)
				stop()
			}
		}()
	}

	runErr := relay.Run(ctx)
	// The relay also ends when the source does, so take the HTTP server down with it
	stop()

	// Wait for HTTP server to shut down gracefully
	wg.Wait()

	if runErr != nil {
		l.Error("Relay stopped", "err", runErr)
		return 1
	}
	l.Info("Relay stopped")
	return 0
}

// load layers the defaults, the optional config file and the flags that were set explicitly
// on the command line. fs must already be parsed.
func (f *cliFlags) load(fs *flag.FlagSet) (camrelay.Config, error) {
	cfg := camrelay.DefaultConfig()
	if *f.config != "" {
		var err error
		if cfg, err = camrelay.LoadConfig(*f.config, cfg); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "source":
			cfg.Source = *f.source
		case "ffmpeg":
			cfg.FFmpegPath = *f.ffmpeg
		case "fps":
			cfg.FPS = *f.fps
		case "bitrate":
			cfg.Bitrate = *f.bitrate
		case "rtsp-transport":
			cfg.RTSPTransport = *f.transport
		case "addr":
			cfg.Addr = *f.addr
		case "http-addr":
			cfg.HTTPAddr = *f.httpAddr
		case "origins":
			cfg.AllowedOrigins = strings.Split(*f.origins, ",")
			cfg.RequireOrigin = true
		case "require-protocol":
			cfg.RequireProtocol = *f.requireProtocol
		case "require-extensions":
			cfg.RequireExtensions = *f.requireExtensions
		case "learning-cycles":
			cfg.LearningCycles = *f.learningCycles
		case "skip-margin":
			cfg.SkipMargin = *f.skipMargin
		case "buffer-cap":
			cfg.BufferCap = *f.bufferCap
		case "fragment":
			cfg.FragmentSize = *f.fragment
		case "report":
			cfg.ReportInterval = *f.report
		case "journal":
			cfg.Journal = *f.journal
		case "log-level":
			cfg.LogLevel = *f.logLevel
		}
	})
	return cfg, nil
}
