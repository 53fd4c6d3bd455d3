package ws

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string { return string(a) }

// fakeConn records writes. Reads block until the connection is closed.
type fakeConn struct {
	mu        sync.Mutex
	written   bytes.Buffer
	failWrite bool
	closes    int
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Read([]byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite || c.closes > 0 {
		return 0, errors.New("broken pipe")
	}
	return c.written.Write(b)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written.Bytes()...)
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) LocalAddr() net.Addr { return fakeAddr("127.0.0.1:8090") }
func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr("127.0.0.1:50000") }
func (c *fakeConn) SetDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func openSession(id string, conn net.Conn, cfg SessionConfig) *Session {
	s := newSession(id, conn, cfg, nil, discard)
	s.setState(StateOpen)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSplitPacketReassemblesFragments(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{})

	frames := [][]byte{
		clientFrame(OpText, []byte("Hel"), false),
		clientFrame(OpContinuation, []byte("lo, "), false),
		clientFrame(OpContinuation, []byte("World"), true),
	}
	for i, f := range frames[:2] {
		msgs, err := s.splitPacket(f)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 0 {
			t.Fatalf("fragment %d surfaced %d messages", i, len(msgs))
		}
	}

	msgs, err := s.splitPacket(frames[2])
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Opcode != OpText || string(msgs[0].Payload) != "Hello, World" {
		t.Errorf("message = %s %q", msgs[0].Opcode, msgs[0].Payload)
	}
}

func TestSplitPacketEmptyFirstFragment(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{})

	data := append(clientFrame(OpBinary, nil, false), clientFrame(OpContinuation, []byte("ok"), true)...)
	msgs, err := s.splitPacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Opcode != OpBinary || string(msgs[0].Payload) != "ok" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSplitPacketMultipleFramesPerRead(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{})

	data := append(clientFrame(OpBinary, []byte{1, 2, 3}, true), clientFrame(OpText, []byte("two"), true)...)
	msgs, err := s.splitPacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !bytes.Equal(msgs[0].Payload, []byte{1, 2, 3}) || string(msgs[1].Payload) != "two" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestSplitPacketAcrossReads(t *testing.T) {
	payload := bytes.Repeat([]byte("camera"), 50) // 300 bytes, 16-bit length
	wire := clientFrame(OpBinary, payload, true)

	tests := []struct {
		name  string
		chunk int
	}{
		{"byte by byte", 1},
		{"split in header", 3},
		{"split in payload", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openSession("a", newFakeConn(), SessionConfig{})
			var got []Message
			for off := 0; off < len(wire); off += tt.chunk {
				end := min(off+tt.chunk, len(wire))
				msgs, err := s.splitPacket(wire[off:end])
				if err != nil {
					t.Fatalf("offset %d: %v", off, err)
				}
				if end < len(wire) && len(msgs) > 0 {
					t.Fatalf("message completed early at offset %d", off)
				}
				got = append(got, msgs...)
			}
			if len(got) != 1 || !bytes.Equal(got[0].Payload, payload) {
				t.Fatalf("got %d messages", len(got))
			}
			if s.handlingPartialFrame {
				t.Error("partial frame still buffered")
			}
		})
	}
}

func TestSplitPacketFrameThenPartial(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{})
	second := clientFrame(OpText, []byte("second"), true)
	data := append(clientFrame(OpText, []byte("first"), true), second[:4]...)

	msgs, err := s.splitPacket(data)
	if err != nil || len(msgs) != 1 || string(msgs[0].Payload) != "first" {
		t.Fatalf("first read: %v %v", msgs, err)
	}
	msgs, err = s.splitPacket(second[4:])
	if err != nil || len(msgs) != 1 || string(msgs[0].Payload) != "second" {
		t.Fatalf("second read: %v %v", msgs, err)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{})

	msgs, err := s.splitPacket(clientFrame(OpPing, []byte("hi"), true))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("ping surfaced as %d messages", len(msgs))
	}

	select {
	case wire := <-s.ctrl:
		h, err := DecodeHeader(wire)
		if err != nil {
			t.Fatal(err)
		}
		if h.Opcode != OpPong || !h.Fin || h.Masked {
			t.Errorf("header = %+v", h)
		}
		if got := string(ExtractPayload(wire, h)); got != "hi" {
			t.Errorf("pong payload = %q", got)
		}
	default:
		t.Fatal("no pong queued")
	}
}

func TestPongIgnored(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{})
	msgs, err := s.splitPacket(clientFrame(OpPong, nil, true))
	if err != nil || len(msgs) != 0 || len(s.ctrl) != 0 {
		t.Fatalf("pong: msgs %v err %v ctrl %d", msgs, err, len(s.ctrl))
	}
}

func TestControlFrameBetweenFragments(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{})
	var data []byte
	data = append(data, clientFrame(OpBinary, []byte("ab"), false)...)
	data = append(data, clientFrame(OpPing, nil, true)...)
	data = append(data, clientFrame(OpContinuation, []byte("cd"), true)...)

	msgs, err := s.splitPacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Opcode != OpBinary || string(msgs[0].Payload) != "abcd" {
		t.Fatalf("messages = %v", msgs)
	}
	if len(s.ctrl) != 1 {
		t.Errorf("queued control frames = %d, want 1", len(s.ctrl))
	}
}

func TestCloseFrameStopsParsing(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{})
	closeFrame := clientFrame(OpClose, binary.BigEndian.AppendUint16(nil, CloseNormal), true)
	data := append(closeFrame, clientFrame(OpText, []byte("late"), true)...)

	msgs, err := s.splitPacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after close: %v", msgs)
	}
	if !s.hasSentClose {
		t.Error("hasSentClose not set")
	}
}

func TestSplitPacketViolations(t *testing.T) {
	rsv := clientFrame(OpText, []byte("x"), true)
	rsv[0] |= 0x40

	tests := []struct {
		name     string
		data     []byte
		wantErr  error
		wantCode uint16
	}{
		{"reserved bit", rsv, ErrReservedBitsSet, CloseProtocolError},
		{"reserved opcode", clientFrame(Opcode(0x3), []byte("x"), true), ErrInvalidOpcode, CloseProtocolError},
		{"fragmented ping", clientFrame(OpPing, nil, false), ErrControlFragmented, CloseProtocolError},
		{"long ping", clientFrame(OpPing, make([]byte, 126), true), ErrControlTooLong, CloseProtocolError},
		{"invalid utf-8", clientFrame(OpText, []byte{0xff, 0xfe}, true), ErrInvalidUTF8, CloseInvalidPayload},
		{"frame too large", clientFrame(OpBinary, make([]byte, 201), true), ErrFrameTooLarge, CloseMessageTooBig},
		{
			"data frame inside fragmented message",
			append(clientFrame(OpText, []byte("ab"), false), clientFrame(OpBinary, []byte("cd"), true)...),
			ErrUnexpectedFrame, CloseProtocolError,
		},
		{
			"data frame after empty first fragment",
			append(clientFrame(OpText, nil, false), clientFrame(OpBinary, []byte("x"), true)...),
			ErrUnexpectedFrame, CloseProtocolError,
		},
		{"continuation without message", clientFrame(OpContinuation, []byte("x"), true), ErrUnexpectedFrame, CloseProtocolError},
		{
			"message too large",
			append(clientFrame(OpBinary, make([]byte, 150), false), clientFrame(OpContinuation, make([]byte, 150), true)...),
			ErrMessageTooLarge, CloseMessageTooBig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openSession("a", newFakeConn(), SessionConfig{MaxFrameBuffer: 200})
			_, err := s.splitPacket(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Errorf("error %T is not a *FrameError", err)
			}
			if got := closeCodeFor(err); got != tt.wantCode {
				t.Errorf("close code = %d, want %d", got, tt.wantCode)
			}
		})
	}
}

func TestSendDropsOldest(t *testing.T) {
	s := openSession("a", newFakeConn(), SessionConfig{SendQueue: 2})

	for _, m := range []string{"one", "two", "three"} {
		if err := s.send([]byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.metrics.QueueDropped.Load(); got != 1 {
		t.Errorf("QueueDropped = %d, want 1", got)
	}
	if a, b := string(<-s.out), string(<-s.out); a != "two" || b != "three" {
		t.Errorf("queue = %q %q, want two three", a, b)
	}
}

func TestSendSkipsUnopenedSession(t *testing.T) {
	s := newSession("a", newFakeConn(), SessionConfig{}, nil, discard)
	s.setState(StateHandshaking)
	if err := s.send([]byte("img")); err != nil {
		t.Fatal(err)
	}
	if len(s.out) != 0 {
		t.Error("message queued before the handshake completed")
	}

	s.Close("test")
	if err := s.send([]byte("img")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("send on closed session: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	s := openSession("a", conn, SessionConfig{})

	s.CloseWith(CloseGoingAway, "bye")
	s.Close("again")
	s.CloseWith(CloseNormal, "again")

	if conn.Closes() != 1 {
		t.Errorf("socket closed %d times", conn.Closes())
	}
	if s.State() != StateClosed || s.CloseReason() != "bye" {
		t.Errorf("state %s reason %q", s.State(), s.CloseReason())
	}

	wire := conn.Bytes()
	h, err := DecodeHeader(wire)
	if err != nil {
		t.Fatal(err)
	}
	p := ExtractPayload(wire, h)
	if h.Opcode != OpClose || binary.BigEndian.Uint16(p) != CloseGoingAway || string(p[2:]) != "bye" {
		t.Errorf("close frame = %+v %q", h, p)
	}
	if h.FrameSize() != uint64(len(wire)) {
		t.Error("more than one close frame written")
	}
}

func TestWriteLoopSendsControlFirst(t *testing.T) {
	conn := newFakeConn()
	s := openSession("a", conn, SessionConfig{})
	_ = s.send([]byte("data"))
	s.sendControl([]byte("ctrl"))

	go s.writeLoop()
	waitFor(t, "both writes", func() bool { return len(conn.Bytes()) == 8 })
	s.Close("done")

	if got := string(conn.Bytes()); got != "ctrldata" {
		t.Errorf("written = %q, want ctrldata", got)
	}
	if s.metrics.BytesSent.Load() != 8 {
		t.Errorf("BytesSent = %d", s.metrics.BytesSent.Load())
	}
}

func TestWriteFailureClosesSession(t *testing.T) {
	conn := newFakeConn()
	conn.failWrite = true
	s := openSession("a", conn, SessionConfig{})

	go s.writeLoop()
	_ = s.send([]byte("img"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after write failure")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
}
