package camrelay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// Source produces raw decoder output. Run blocks until the producer ends and sends every read
// on chunks as a slice the receiver may keep.
type Source interface {
	Run(ctx context.Context, chunks chan<- []byte) error
}

// ExitError reports a decoder that stopped on its own with a failure.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return "decoder terminated by signal " + e.Signal
	}
	return "decoder exited with code " + strconv.Itoa(e.Code)
}

// Decoder runs ffmpeg and reads concatenated JPEG images from its stdout.
type Decoder struct {
	log      *slog.Logger
	path     string
	args     []string
	readSize int
	// grace is how long the process gets to exit after SIGINT before it is killed.
	grace time.Duration
}

func NewDecoder(log *slog.Logger, cfg Config) *Decoder {
	return &Decoder{
		log:      log.With("component", "decoder"),
		path:     cfg.FFmpegPath,
		args:     DecoderArgs(cfg),
		readSize: cfg.ReadSize,
		grace:    5 * time.Second,
	}
}

// DecoderArgs builds the ffmpeg command line: decode the source, drop audio, resample to the
// configured frame rate and write JPEG images to stdout.
func DecoderArgs(cfg Config) []string {
	args := []string{"-y"}
	if cfg.RTSPTransport != "" {
		args = append(args, "-rtsp_transport", cfg.RTSPTransport)
	}
	args = append(args, cfg.ExtraInputArgs...)
	args = append(args,
		"-i", cfg.Source,
		"-an",
		"-b:v", cfg.Bitrate,
		"-vsync", "0",
		"-vf", "fps=fps="+strconv.Itoa(cfg.FPS),
		"-hide_banner",
		"-f", "image2",
		"-updatefirst", "1",
		"pipe:1",
	)
	return args
}

// Run starts the decoder and forwards its output until it exits. A zero exit returns nil, as
// does an exit caused by cancelling ctx. Any other exit returns an *ExitError.
func (d *Decoder) Run(ctx context.Context, chunks chan<- []byte) error {
	cmd := exec.CommandContext(ctx, d.path, d.args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = d.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	d.log.Info("starting decoder", "cmd", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", d.path, err)
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.log.Debug(scanner.Text())
		}
	}()

	if err := readChunks(ctx, stdout, d.readSize, chunks); err != nil && ctx.Err() == nil {
		d.log.Warn("reading decoder output failed", "err", err)
	}
	// Flush stdout so Wait() can finish
	_, _ = io.Copy(io.Discard, stdout)
	<-stderrDone

	err = cmd.Wait()
	d.log.Info("decoder stopped", "err", err)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return fmt.Errorf("decoder wait failed: %w", err)
	}
	if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return &ExitError{Code: -1, Signal: status.Signal().String()}
	}
	return &ExitError{Code: ee.ExitCode()}
}

// ReaderSource reads decoder output from any reader, typically stdin. EOF ends the stream
// without error. A reader that is also an io.Closer is closed when ctx is cancelled so that a
// blocked read returns.
type ReaderSource struct {
	R        io.Reader
	ReadSize int
}

func (s ReaderSource) Run(ctx context.Context, chunks chan<- []byte) error {
	if c, ok := s.R.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	err := readChunks(ctx, s.R, s.ReadSize, chunks)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readChunks sends each read as a fresh slice, so receivers never see it change.
func readChunks(ctx context.Context, r io.Reader, size int, chunks chan<- []byte) error {
	if size <= 0 {
		size = 64 << 10
	}
	for {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case chunks <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
