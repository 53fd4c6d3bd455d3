package ws

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// State is the lifecycle position of a session. Transitions only move forward:
// Connecting -> Handshaking -> Open -> Closed, or straight to Closed.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client socket. Read-side state (handshake buffer, partial frames, partial
// message) belongs to the connection's read goroutine; outbound frames go through two queues
// drained by the session's write goroutine.
type Session struct {
	id      string
	conn    net.Conn
	log     *slog.Logger
	metrics *Metrics
	cfg     SessionConfig
	created time.Time

	state atomic.Int32

	// Set once during the handshake, read-only afterwards.
	resource string
	headers  map[string]string

	handshakeBuf         []byte
	partialMessage       []byte
	messageOpcode        Opcode
	inMessage            bool
	handlingPartialFrame bool
	partialFrameBuffer   []byte
	hasSentClose         bool

	out  chan []byte
	ctrl chan []byte

	closing      atomic.Bool
	closeOnce    sync.Once
	done         chan struct{}
	mu           sync.Mutex
	reason       string
	rejectStatus int
}

// SessionConfig bounds per-session memory and write behaviour.
type SessionConfig struct {
	// MaxFrameBuffer caps both a buffered partial frame and a reassembled message.
	MaxFrameBuffer int
	// SendQueue is the number of outbound data messages held before the oldest is dropped.
	SendQueue int
	// WriteTimeout is applied to every socket write; zero disables it.
	WriteTimeout time.Duration
}

// DefaultSessionConfig returns the limits used when a field is left zero.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxFrameBuffer: 1 << 20,
		SendQueue:      2,
		WriteTimeout:   10 * time.Second,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.MaxFrameBuffer <= 0 {
		c.MaxFrameBuffer = d.MaxFrameBuffer
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.WriteTimeout < 0 {
		c.WriteTimeout = 0
	}
	return c
}

const controlQueue = 8

func newSession(id string, conn net.Conn, cfg SessionConfig, metrics *Metrics, log *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = &Metrics{}
	}
	s := &Session{
		id:      id,
		conn:    conn,
		log:     log.With("session", id),
		metrics: metrics,
		cfg:     cfg,
		created: time.Now(),
		out:     make(chan []byte, cfg.SendQueue),
		ctrl:    make(chan []byte, controlQueue),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Created() time.Time { return s.created }

// Resource is the request target of the upgrade request.
func (s *Session) Resource() string { return s.resource }

// Header returns a request header by lower-case name.
func (s *Session) Header(name string) string { return s.headers[name] }

func (s *Session) RemoteAddr() string {
	if s.conn == nil || s.conn.RemoteAddr() == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// CloseReason describes why the session ended.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// RejectStatus is the HTTP status of a failed handshake, or zero.
func (s *Session) RejectStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectStatus
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// send queues an encoded message. Sessions that have not finished the handshake are skipped.
// A full queue drops its oldest message so slow clients always get the newest image.
func (s *Session) send(wire []byte) error {
	if s.conn == nil {
		return ErrSessionClosed
	}
	switch s.State() {
	case StateClosed:
		return ErrSessionClosed
	case StateOpen:
	default:
		return nil
	}

	select {
	case s.out <- wire:
		return nil
	default:
	}
	select {
	case <-s.out:
		s.metrics.QueueDropped.Add(1)
	default:
	}
	select {
	case s.out <- wire:
	default:
		s.metrics.QueueDropped.Add(1)
	}
	return nil
}

func (s *Session) sendControl(wire []byte) {
	select {
	case s.ctrl <- wire:
	default:
		s.log.Debug("control queue full, dropping frame")
	}
}

// writeLoop drains the outbound queues until the session closes. Control frames go first.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.ctrl:
			if !s.write(b) {
				return
			}
			continue
		default:
		}

		select {
		case <-s.done:
			return
		case b := <-s.ctrl:
			if !s.write(b) {
				return
			}
		case b := <-s.out:
			if !s.write(b) {
				return
			}
		}
	}
}

func (s *Session) write(b []byte) bool {
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	n, err := s.conn.Write(b)
	s.metrics.BytesSent.Add(uint64(n))
	if err != nil {
		s.Close("write: " + err.Error())
		return false
	}
	return true
}

// writeDirect writes outside the queues. It is only used for the handshake response, which
// precedes anything the write loop can send, and for the final close frame.
func (s *Session) writeDirect(b []byte) error {
	return s.writeWithin(b, s.cfg.WriteTimeout)
}

func (s *Session) writeWithin(b []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	n, err := s.conn.Write(b)
	s.metrics.BytesSent.Add(uint64(n))
	return err
}

// Close closes the socket exactly once. Further calls are no-ops.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.setState(StateClosed)
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// closeWriteTimeout bounds the final close frame, so a stalled peer cannot hold up shutdown
// for a full WriteTimeout.
const closeWriteTimeout = time.Second

// CloseWith sends a close frame with the given status before closing the socket. Only the
// first caller writes the frame; later callers wait until the socket is closed.
func (s *Session) CloseWith(code uint16, reason string) {
	if !s.closing.CompareAndSwap(false, true) {
		<-s.done
		return
	}
	if s.State() == StateOpen {
		payload := binary.BigEndian.AppendUint16(nil, code)
		if len(reason) > MaxControlPayload-2 {
			reason = reason[:MaxControlPayload-2]
		}
		payload = append(payload, reason...)
		timeout := closeWriteTimeout
		if s.cfg.WriteTimeout > 0 {
			timeout = min(timeout, s.cfg.WriteTimeout)
		}
		_ = s.writeWithin(EncodeFrame(payload, OpClose, true, false), timeout)
	}
	if reason == "" {
		reason = "close " + strconv.Itoa(int(code))
	}
	s.Close(reason)
}

func (s *Session) reject(status int, reason string) {
	s.mu.Lock()
	s.rejectStatus = status
	s.mu.Unlock()
	s.Close(reason)
}

type frameResult int

const (
	// resultNone: a control frame was consumed internally.
	resultNone frameResult = iota
	// resultIncomplete: the frame is buffered, or the message awaits more fragments.
	resultIncomplete
	// resultMessage: a whole application message is ready.
	resultMessage
	// resultClose: the peer sent a close frame.
	resultClose
)

// splitPacket walks data frame by frame, prepending any partial frame left by the previous
// read. It returns every message completed by this read. A frame cut short by the end of data
// stays buffered for the next call.
func (s *Session) splitPacket(data []byte) ([]Message, error) {
	if s.handlingPartialFrame {
		data = append(s.partialFrameBuffer, data...)
		s.handlingPartialFrame = false
		s.partialFrameBuffer = nil
	}

	var msgs []Message
	for len(data) > 0 {
		h, err := DecodeHeader(data)
		if errors.Is(err, ErrShortHeader) {
			s.bufferPartial(data)
			break
		}
		if err != nil {
			return msgs, err
		}
		if h.Length > uint64(s.cfg.MaxFrameBuffer) {
			return msgs, &FrameError{Err: ErrFrameTooLarge, Opcode: h.Opcode}
		}

		size := int(h.FrameSize())
		frame := data
		if len(frame) > size {
			frame = frame[:size]
		}

		res, msg, err := s.deframe(frame, h)
		if err != nil {
			return msgs, err
		}
		switch res {
		case resultMessage:
			msgs = append(msgs, msg)
		case resultClose:
			return msgs, nil
		case resultIncomplete:
			if s.handlingPartialFrame {
				return msgs, nil
			}
		}
		data = data[len(frame):]
	}
	return msgs, nil
}

func (s *Session) bufferPartial(raw []byte) {
	s.handlingPartialFrame = true
	s.partialFrameBuffer = append([]byte(nil), raw...)
}

// deframe processes one wire frame, which may be cut short by the end of the current read.
func (s *Session) deframe(frame []byte, h Header) (frameResult, Message, error) {
	if !h.Opcode.IsValid() {
		return resultNone, Message{}, &FrameError{Err: ErrInvalidOpcode, Opcode: h.Opcode}
	}
	if h.Opcode == OpClose {
		s.hasSentClose = true
		return resultClose, Message{}, nil
	}
	if h.HasReservedBits() {
		return resultNone, Message{}, &FrameError{Err: ErrReservedBitsSet, Opcode: h.Opcode}
	}
	if h.Opcode.IsControl() {
		if !h.Fin {
			return resultNone, Message{}, &FrameError{Err: ErrControlFragmented, Opcode: h.Opcode}
		}
		if h.Length > MaxControlPayload {
			return resultNone, Message{}, &FrameError{Err: ErrControlTooLong, Opcode: h.Opcode}
		}
	}

	payload := ExtractPayload(frame, h)
	if uint64(len(payload)) < h.Length {
		s.bufferPartial(frame)
		return resultIncomplete, Message{}, nil
	}

	switch h.Opcode {
	case OpPing:
		echo := append([]byte(nil), payload...)
		ApplyMask(h, echo)
		s.sendControl(EncodeFrame(echo, OpPong, true, false))
		return resultNone, Message{}, nil
	case OpPong:
		return resultNone, Message{}, nil
	}

	// A continuation needs a message in progress; a new message needs none.
	if (h.Opcode == OpContinuation) != s.inMessage {
		return resultNone, Message{}, &FrameError{Err: ErrUnexpectedFrame, Opcode: h.Opcode}
	}
	if len(s.partialMessage)+len(payload) > s.cfg.MaxFrameBuffer {
		return resultNone, Message{}, &FrameError{Err: ErrMessageTooLarge, Opcode: h.Opcode}
	}
	if !s.inMessage {
		s.inMessage = true
		s.messageOpcode = h.Opcode
	}
	start := len(s.partialMessage)
	s.partialMessage = append(s.partialMessage, payload...)
	ApplyMask(h, s.partialMessage[start:])

	if !h.Fin {
		return resultIncomplete, Message{}, nil
	}

	msg := Message{Opcode: s.messageOpcode, Payload: s.partialMessage}
	s.partialMessage = nil
	s.messageOpcode = OpContinuation
	s.inMessage = false
	if msg.Opcode == OpText && !utf8.Valid(msg.Payload) {
		return resultNone, Message{}, &FrameError{Err: ErrInvalidUTF8, Opcode: OpText}
	}
	return resultMessage, msg, nil
}
