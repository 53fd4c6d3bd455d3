// Package camrelay relays a camera stream to browsers. An external decoder writes JPEG images
// back to back on its stdout; the relay cuts them apart and pushes every image to all connected
// WebSocket viewers as one binary message, and optionally to MJPEG viewers over HTTP.
package camrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cleroux/go-camrelay/journal"
	"github.com/cleroux/go-camrelay/ws"
)

type Relay struct {
	cfg     Config
	log     *slog.Logger
	src     Source
	journal *journal.Journal

	hub    *ws.Hub
	server *ws.Server
	demux  *Demuxer

	lock    sync.RWMutex
	streams map[streamID]chan ImageFrame
	stopped bool

	latest  atomic.Pointer[ImageFrame]
	started time.Time

	ready chan struct{}
	addr  net.Addr
}

type Option func(*Relay)

// WithJournal records viewer sessions, rejected handshakes and the learning result in j.
func WithJournal(j *journal.Journal) Option {
	return func(r *Relay) {
		r.journal = j
	}
}

func New(log *slog.Logger, cfg Config, src Source, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("camrelay: nil source")
	}

	r := &Relay{
		cfg:     cfg,
		log:     log,
		src:     src,
		streams: make(map[streamID]chan ImageFrame),
		started: time.Now(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	dc := cfg.demuxConfig()
	dc.OnLearned = r.learned
	r.demux = NewDemuxer(dc, r.publish)

	r.hub = ws.NewHub(log, ws.BroadcastOnly{
		OnConnected: r.connected,
		OnClosed:    r.disconnected,
	}, ws.HubConfig{FragmentSize: cfg.FragmentSize})

	r.server = ws.NewServer(log, r.hub, cfg.negotiator(), ws.ServerConfig{
		Session:  cfg.sessionConfig(),
		OnReject: r.rejected,
	})
	return r, nil
}

// Run binds the WebSocket listener and relays images until the source ends or ctx is cancelled.
// Every session is closed with 1001 before Run returns. The result is the source's error, so a
// decoder that dies is reported as an *ExitError.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Addr, err)
	}
	r.addr = ln.Addr()
	close(r.ready)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := r.server.Serve(ctx, ln); err != nil {
			r.log.Error("WebSocket listener failed", "err", err)
			cancel()
		}
	}()
	if r.cfg.ReportInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.report(ctx, r.cfg.ReportInterval)
		}()
	}

	chunks := make(chan []byte, 16)
	srcErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		srcErr <- r.src.Run(ctx, chunks)
	}()

	// Chunks are fed strictly in arrival order from this goroutine only.
	for chunk := range chunks {
		r.demux.Feed(chunk)
	}
	r.demux.Flush()

	err = <-srcErr
	if err != nil {
		r.log.Error("source failed", "err", err)
	} else {
		r.log.Info("source ended")
	}

	cancel()
	wg.Wait()
	r.closeStreams()
	return err
}

// Ready is closed once the listener is bound.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Addr is the bound WebSocket address. It is nil until Ready is closed.
func (r *Relay) Addr() net.Addr {
	select {
	case <-r.ready:
		return r.addr
	default:
		return nil
	}
}

// Latest returns the most recent image, or false before the first one.
func (r *Relay) Latest() (ImageFrame, bool) {
	f := r.latest.Load()
	if f == nil {
		return ImageFrame{}, false
	}
	return *f, true
}

// Subscribe returns a Stream of every image published from now on.
func (r *Relay) Subscribe() *Stream {
	frames := make(chan ImageFrame, 2)
	s := newStream(frames, r.unsubscribe)

	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped {
		close(frames)
		return s
	}
	r.streams[s.id] = frames
	r.log.Debug("stream subscriber added", "subscribers", len(r.streams))
	return s
}

func (r *Relay) unsubscribe(id streamID) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if frames, ok := r.streams[id]; ok {
		close(frames)
		delete(r.streams, id)
	}
	r.log.Debug("stream subscriber stopped", "subscribers", len(r.streams))
}

func (r *Relay) closeStreams() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.stopped = true
	for id, frames := range r.streams {
		close(frames)
		delete(r.streams, id)
	}
}

func (r *Relay) subscribers() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.streams)
}

// publish is the demuxer sink.
func (r *Relay) publish(f ImageFrame) {
	r.latest.Store(&f)
	r.hub.BroadcastBinary(f.Data)

	r.lock.RLock()
	for _, frames := range r.streams {
		offer(frames, f)
	}
	r.lock.RUnlock()
}

func (r *Relay) learned(counts []int, linesToSkip int) {
	r.log.Info("boundary learning finished", "cycles", len(counts), "lines_to_skip", linesToSkip)
	if r.journal != nil {
		r.journal.Learned(counts, linesToSkip, time.Now())
	}
}

func (r *Relay) connected(s *ws.Session) {
	if r.journal != nil {
		r.journal.SessionOpened(s.ID(), s.RemoteAddr(), s.Resource(), time.Now())
	}
}

func (r *Relay) disconnected(s *ws.Session) {
	// Sessions that never finished the handshake are not viewers.
	if s.Resource() == "" {
		return
	}
	r.log.Info("viewer disconnected", "session", s.ID(), "reason", s.CloseReason())
	if r.journal != nil {
		r.journal.SessionClosed(s.ID(), s.RemoteAddr(), s.CloseReason(), time.Now())
	}
}

func (r *Relay) rejected(remote string, err *ws.HandshakeError) {
	if r.journal != nil {
		r.journal.HandshakeRejected(remote, err.Status, err.Err.Error(), time.Now())
	}
}
