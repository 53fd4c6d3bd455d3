package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives session lifecycle events and client messages. All methods run on the hub
// loop, one at a time. They must not block and must not call Broadcast synchronously, since the
// loop that would drain the broadcast is the one running the callback.
type Handler interface {
	// Connected is called once the handshake succeeded.
	Connected(s *Session)
	// Process is called for every complete client message.
	Process(s *Session, msg Message)
	// Closed is called after the session has been removed from the registry.
	Closed(s *Session)
}

// BroadcastOnly is a Handler for one-way feeds: client messages are ignored. The optional hooks
// observe the lifecycle.
type BroadcastOnly struct {
	OnConnected func(*Session)
	OnClosed    func(*Session)
}

func (b BroadcastOnly) Connected(s *Session) {
	if b.OnConnected != nil {
		b.OnConnected(s)
	}
}

func (BroadcastOnly) Process(*Session, Message) {}

func (b BroadcastOnly) Closed(s *Session) {
	if b.OnClosed != nil {
		b.OnClosed(s)
	}
}

// HubConfig tunes broadcast encoding.
type HubConfig struct {
	// FragmentSize splits broadcast payloads into frames of at most this many bytes; zero sends
	// every message as a single frame.
	FragmentSize int
	// Backlog is the number of encoded broadcasts that may wait for the loop.
	Backlog int
}

type eventKind int

const (
	evRegister eventKind = iota
	evOpened
	evUnregister
	evMessage
)

// event is a per-session notification. All of them share one channel so that the hub sees the
// events of a session in the order the connection produced them.
type event struct {
	kind eventKind
	s    *Session
	msg  Message
}

// Hub owns the session registry. Every registry mutation and every broadcast happens on the
// goroutine running Run; other goroutines talk to it through channels.
type Hub struct {
	log     *slog.Logger
	handler Handler
	cfg     HubConfig
	metrics Metrics
	reg     *registry
	open    atomic.Int64

	events     chan event
	broadcasts chan []byte
	done       chan struct{}
}

func NewHub(log *slog.Logger, handler Handler, cfg HubConfig) *Hub {
	if handler == nil {
		handler = BroadcastOnly{}
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 4
	}
	return &Hub{
		log:        log.With("component", "hub"),
		handler:    handler,
		cfg:        cfg,
		reg:        newRegistry(),
		events:     make(chan event, 64),
		broadcasts: make(chan []byte, cfg.Backlog),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until ctx is cancelled, then closes every session with 1001.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.events:
			h.dispatch(ev)
		case wire := <-h.broadcasts:
			h.broadcast(wire)
		}
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Broadcast encodes payload once and queues it for every open session. It blocks only while
// the backlog is full and returns false once the hub has stopped.
func (h *Hub) Broadcast(payload []byte, op Opcode) bool {
	return post(h, h.broadcasts, EncodeMessage(op, payload, h.cfg.FragmentSize))
}

// BroadcastBinary is Broadcast with a binary message, used for images.
func (h *Hub) BroadcastBinary(payload []byte) bool {
	return h.Broadcast(payload, OpBinary)
}

// Open returns the number of registered sessions.
func (h *Hub) Open() int {
	return int(h.open.Load())
}

// Metrics returns a copy of the hub counters.
func (h *Hub) Metrics() MetricsSnapshot {
	m := h.metrics.snapshot()
	m.Open = h.Open()
	return m
}

func (h *Hub) dispatch(ev event) {
	switch ev.kind {
	case evRegister:
		h.add(ev.s)
	case evOpened:
		if _, ok := h.reg.get(ev.s.id); ok {
			h.handler.Connected(ev.s)
		}
	case evUnregister:
		h.remove(ev.s)
	case evMessage:
		h.metrics.Messages.Add(1)
		h.handler.Process(ev.s, ev.msg)
	}
}

func (h *Hub) notify(kind eventKind, s *Session) bool {
	return post(h, h.events, event{kind: kind, s: s})
}

func post[T any](h *Hub, ch chan<- T, v T) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) add(s *Session) {
	if !h.reg.add(s) {
		h.log.Warn("duplicate session id", "session", s.id)
		s.Close("duplicate session id")
		return
	}
	h.open.Add(1)
	h.metrics.Accepted.Add(1)
}

// remove drops s from the registry, closes its socket and only then fires Closed.
func (h *Hub) remove(s *Session) {
	if !h.reg.remove(s) {
		return
	}
	h.open.Add(-1)
	h.metrics.Closed.Add(1)
	s.Close("removed")
	h.handler.Closed(s)
}

// broadcast walks the registry in insertion order. A session that cannot take the message is
// removed after the walk; it never stops delivery to the others.
func (h *Hub) broadcast(wire []byte) {
	h.metrics.Broadcasts.Add(1)

	var dead []*Session
	for _, s := range h.reg.order {
		if err := s.send(wire); err != nil {
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		h.log.Debug("dropping closed session", "session", s.id)
		h.remove(s)
	}
}

// shutdown sends 1001 to every session concurrently, so stalled peers cost one close timeout
// in total rather than one each.
func (h *Hub) shutdown() {
	sessions := h.reg.snapshot()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.CloseWith(CloseGoingAway, "server shutting down")
		}()
	}
	wg.Wait()

	for _, s := range sessions {
		h.remove(s)
	}
}
