package camrelay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"testing/iotest"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// drain runs src to completion and returns everything it produced.
func drain(ctx context.Context, src Source) ([][]byte, error) {
	chunks := make(chan []byte)
	var err error
	go func() {
		err = src.Run(ctx, chunks)
		close(chunks)
	}()

	var out [][]byte
	for c := range chunks {
		out = append(out, c)
	}
	return out, err
}

func shell(script string) *Decoder {
	return &Decoder{
		log:      discard,
		path:     "/bin/sh",
		args:     []string{"-c", script},
		readSize: 4,
		grace:    time.Second,
	}
}

func TestDecoderArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source = "rtsp://10.0.0.5/live"
	cfg.FPS = 12
	cfg.ExtraInputArgs = []string{"-stimeout", "5000000"}

	want := []string{
		"-y", "-rtsp_transport", "tcp", "-stimeout", "5000000",
		"-i", "rtsp://10.0.0.5/live", "-an", "-b:v", "1000k", "-vsync", "0",
		"-vf", "fps=fps=12", "-hide_banner", "-f", "image2", "-updatefirst", "1", "pipe:1",
	}
	if got := DecoderArgs(cfg); !slices.Equal(got, want) {
		t.Errorf("DecoderArgs() =\n%q\nwant\n%q", got, want)
	}

	cfg.RTSPTransport = ""
	cfg.ExtraInputArgs = nil
	if got := DecoderArgs(cfg); got[1] != "-i" {
		t.Errorf("transport not omitted: %q", got)
	}
}

func TestDecoderRun(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantOut  string
		wantCode int
		wantSig  string
	}{
		{name: "clean exit", script: "printf 'hello world'; echo noise >&2", wantOut: "hello world"},
		{name: "failure", script: "printf abc; exit 3", wantOut: "abc", wantCode: 3},
		{name: "killed", script: "kill -TERM $$", wantCode: -1, wantSig: "terminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := drain(context.Background(), shell(tt.script))

			for _, c := range chunks {
				if len(c) > 4 {
					t.Errorf("chunk of %d bytes exceeds read size", len(c))
				}
			}
			if got := string(bytes.Join(chunks, nil)); got != tt.wantOut {
				t.Errorf("output = %q, want %q", got, tt.wantOut)
			}

			if tt.wantCode == 0 {
				if err != nil {
					t.Errorf("Run() = %v, want nil", err)
				}
				return
			}
			var ee *ExitError
			if !errors.As(err, &ee) {
				t.Fatalf("Run() = %v, want *ExitError", err)
			}
			if ee.Code != tt.wantCode || ee.Signal != tt.wantSig {
				t.Errorf("ExitError = %+v, want code %d signal %q", ee, tt.wantCode, tt.wantSig)
			}
		})
	}
}

func TestDecoderCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := drain(ctx, shell("exec sleep 30"))
	if err != nil {
		t.Errorf("Run() after cancel = %v, want nil", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Run() took %v after cancel", d)
	}
}

func TestDecoderMissingBinary(t *testing.T) {
	d := shell("")
	d.path = "/nonexistent/ffmpeg"
	_, err := drain(context.Background(), d)
	var ee *ExitError
	if err == nil || errors.As(err, &ee) {
		t.Errorf("Run() = %v, want a start error", err)
	}
}

func TestReaderSource(t *testing.T) {
	data := []byte("0123456789abcdef")
	chunks, err := drain(context.Background(), ReaderSource{R: bytes.NewReader(data), ReadSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 6 || !bytes.Equal(bytes.Join(chunks, nil), data) {
		t.Errorf("chunks = %q", chunks)
	}

	// Every chunk owns its bytes.
	chunks[0][0] = 'X'
	if chunks[1][0] != '3' {
		t.Error("chunks share a buffer")
	}

	boom := errors.New("boom")
	if _, err := drain(context.Background(), ReaderSource{R: iotest.ErrReader(boom)}); !errors.Is(err, boom) {
		t.Errorf("Run() = %v, want %v", err, boom)
	}
}

func TestReaderSourceCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := drain(ctx, ReaderSource{R: pr})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() blocked after cancel")
	}
}
