package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerConfig tunes the listener loop.
type ServerConfig struct {
	Session SessionConfig
	// ReadSize is the per-read buffer size.
	ReadSize int
	// OnReject, when set, observes every refused upgrade.
	OnReject func(remoteAddr string, err *HandshakeError)
}

// Server accepts sockets, performs the upgrade handshake and turns inbound bytes into frames.
// Each connection gets a read goroutine and a write goroutine; everything else goes through the
// hub.
type Server struct {
	log *slog.Logger
	hub *Hub
	neg *Negotiator
	cfg ServerConfig
	wg  sync.WaitGroup
}

func NewServer(log *slog.Logger, hub *Hub, neg *Negotiator, cfg ServerConfig) *Server {
	if neg == nil {
		neg = NewNegotiator()
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 4096
	}
	cfg.Session = cfg.Session.withDefaults()
	return &Server{
		log: log.With("component", "listener"),
		hub: hub,
		neg: neg,
		cfg: cfg,
	}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or accepting fails. Cancellation
// closes ln and every connection with 1001. Serve returns after all connection goroutines have
// finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()

	s.log.Info("websocket listener started", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed, retrying", "err", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			_ = ln.Close()
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		sess := newSession(uuid.NewString(), conn, s.cfg.Session, &s.hub.metrics, s.log)
		if !s.hub.notify(evRegister, sess) {
			sess.Close("hub stopped")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, sess)
		}()
	}
}

// serveConn is the read side of one connection. It owns the handshake buffer and the frame
// reassembly state and always unregisters the session on exit.
func (s *Server) serveConn(ctx context.Context, sess *Session) {
	defer s.hub.notify(evUnregister, sess)
	defer sess.Close("connection ended")

	stop := context.AfterFunc(ctx, func() {
		sess.CloseWith(CloseGoingAway, "server shutting down")
	})
	defer stop()

	go sess.writeLoop()

	sess.setState(StateHandshaking)
	s.log.Debug("connection accepted", "session", sess.id, "remote", sess.RemoteAddr())

	buf := make([]byte, s.cfg.ReadSize)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			s.hub.metrics.BytesRead.Add(uint64(n))
			if !s.handle(sess, buf[:n]) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "session", sess.id, "err", err)
			}
			return
		}
	}
}

// handle routes one read to the handshake or the frame parser. It returns false once the
// connection must end.
func (s *Server) handle(sess *Session, data []byte) bool {
	switch sess.State() {
	case StateHandshaking:
		return s.handshake(sess, data)
	case StateOpen:
		return s.frames(sess, data)
	default:
		return false
	}
}

func (s *Server) handshake(sess *Session, data []byte) bool {
	sess.handshakeBuf = append(sess.handshakeBuf, data...)

	end := HeaderEnd(sess.handshakeBuf)
	if end < 0 && len(sess.handshakeBuf) <= MaxHandshakeSize {
		return true
	}
	if end < 0 || end > MaxHandshakeSize {
		s.refuse(sess, &HandshakeError{Err: ErrHandshakeTooLarge, Status: http.StatusBadRequest},
			RejectResponse(http.StatusBadRequest))
		return false
	}

	res := s.neg.Negotiate(sess.handshakeBuf[:end])
	rest := sess.handshakeBuf[end:]
	sess.handshakeBuf = nil

	if !res.Accepted() {
		s.refuse(sess, res.Err, res.Response)
		return false
	}

	sess.resource = res.Resource
	sess.headers = res.Headers
	if err := sess.writeDirect(res.Response); err != nil {
		s.log.Debug("handshake response failed", "session", sess.id, "err", err)
		return false
	}
	sess.setState(StateOpen)
	s.hub.notify(evOpened, sess)

	s.log.Info("session opened", "session", sess.id, "remote", sess.RemoteAddr(), "resource", res.Resource)

	if len(rest) > 0 {
		return s.frames(sess, rest)
	}
	return true
}

func (s *Server) refuse(sess *Session, herr *HandshakeError, response []byte) {
	s.hub.metrics.Rejected.Add(1)
	_ = sess.writeDirect(response)
	sess.reject(herr.Status, herr.Error())

	s.log.Info("handshake rejected", "session", sess.id, "remote", sess.RemoteAddr(), "status", herr.Status, "err", herr.Err)
	if s.cfg.OnReject != nil {
		s.cfg.OnReject(sess.RemoteAddr(), herr)
	}
}

func (s *Server) frames(sess *Session, data []byte) bool {
	msgs, err := sess.splitPacket(data)
	for _, m := range msgs {
		post(s.hub, s.hub.events, event{kind: evMessage, s: sess, msg: m})
	}
	if err != nil {
		s.log.Debug("protocol violation", "session", sess.id, "err", err)
		sess.CloseWith(closeCodeFor(err), err.Error())
		return false
	}
	if sess.hasSentClose {
		sess.CloseWith(CloseNormal, "")
		return false
	}
	return true
}
