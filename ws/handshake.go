package ws

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxHandshakeSize bounds the request header block a client may send before the upgrade.
const MaxHandshakeSize = 8 << 10

var (
	ErrNotGet            = errors.New("missing GET request line")
	ErrMissingHost       = errors.New("missing or rejected Host header")
	ErrMissingUpgrade    = errors.New("missing Upgrade: websocket header")
	ErrMissingConnection = errors.New("Connection header does not contain upgrade")
	ErrMissingKey        = errors.New("missing Sec-WebSocket-Key header")
	ErrBadProtocol       = errors.New("missing or rejected Sec-WebSocket-Protocol")
	ErrBadExtensions     = errors.New("missing or rejected Sec-WebSocket-Extensions")
	ErrBadVersion        = errors.New("unsupported Sec-WebSocket-Version")
	ErrBadOrigin         = errors.New("missing or rejected Origin")
	ErrHandshakeTooLarge = errors.New("handshake request too large")
)

// HandshakeError is a rejected upgrade together with the HTTP status that was answered.
type HandshakeError struct {
	Err    error
	Status int
}

func (e *HandshakeError) Error() string {
	return strconv.Itoa(e.Status) + " " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// HandshakeResult is the outcome of Negotiate. Response must be written to the client in both
// cases; on rejection the connection is closed afterwards.
type HandshakeResult struct {
	// Err is nil when the upgrade was accepted.
	Err      *HandshakeError
	Response []byte
	// Resource is the request target of the GET line.
	Resource string
	// Headers holds the request headers keyed by lower-case name.
	Headers map[string]string
}

// Accepted reports whether the upgrade succeeded.
func (r HandshakeResult) Accepted() bool {
	return r.Err == nil
}

// Status returns 101 on success or the rejection status.
func (r HandshakeResult) Status() int {
	if r.Err != nil {
		return r.Err.Status
	}
	return http.StatusSwitchingProtocols
}

// Negotiator validates upgrade requests. The zero value accepts any host, origin, protocol and
// extension list and never answers a protocol or extension.
type Negotiator struct {
	CheckHost func(host string) bool

	RequireOrigin bool
	CheckOrigin   func(origin string) bool

	RequireProtocol bool
	CheckProtocol   func(offered string) bool
	// SelectProtocol returns the protocol to answer, or "" to answer none.
	SelectProtocol func(offered string) string

	RequireExtensions bool
	CheckExtensions   func(offered string) bool
	// SelectExtensions returns the extension list to answer, or "" to answer none.
	SelectExtensions func(offered string) string
}

// NewNegotiator returns a Negotiator with all checks at their permissive defaults.
func NewNegotiator() *Negotiator {
	return &Negotiator{}
}

// AllowOrigins returns an origin check accepting exactly the listed origins (case-insensitive).
func AllowOrigins(origins ...string) func(string) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

var getLine = regexp.MustCompile(`(?i)^GET (.*) HTTP/`)

// Negotiate validates a raw upgrade request. The first failing check decides the status:
// 405 without a GET line, 400 for missing or rejected required headers, 426 for a version
// other than 13 and 403 for a rejected origin.
func (n *Negotiator) Negotiate(raw []byte) HandshakeResult {
	var res HandshakeResult
	res.Headers = make(map[string]string)

	haveGet := false
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			if haveGet {
				break
			}
			continue
		}
		if !haveGet {
			if m := getLine.FindStringSubmatch(line); m != nil {
				res.Resource = strings.TrimSpace(m[1])
				haveGet = true
			}
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			res.Headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}

	if !haveGet {
		return n.reject(res, http.StatusMethodNotAllowed, ErrNotGet)
	}

	h := res.Headers
	if host, ok := h["host"]; !ok || !check(n.CheckHost, host) {
		return n.reject(res, http.StatusBadRequest, ErrMissingHost)
	}
	if !strings.EqualFold(h["upgrade"], "websocket") {
		return n.reject(res, http.StatusBadRequest, ErrMissingUpgrade)
	}
	if !strings.Contains(strings.ToLower(h["connection"]), "upgrade") {
		return n.reject(res, http.StatusBadRequest, ErrMissingConnection)
	}
	key, ok := h["sec-websocket-key"]
	if !ok || key == "" {
		return n.reject(res, http.StatusBadRequest, ErrMissingKey)
	}
	if n.RequireProtocol {
		if p, ok := h["sec-websocket-protocol"]; !ok || !check(n.CheckProtocol, p) {
			return n.reject(res, http.StatusBadRequest, ErrBadProtocol)
		}
	}
	if n.RequireExtensions {
		if e, ok := h["sec-websocket-extensions"]; !ok || !check(n.CheckExtensions, e) {
			return n.reject(res, http.StatusBadRequest, ErrBadExtensions)
		}
	}
	if h["sec-websocket-version"] != "13" {
		return n.reject(res, http.StatusUpgradeRequired, ErrBadVersion)
	}
	if n.RequireOrigin {
		if o, ok := h["origin"]; !ok || !check(n.CheckOrigin, o) {
			return n.reject(res, http.StatusForbidden, ErrBadOrigin)
		}
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n")
	if p, ok := h["sec-websocket-protocol"]; ok && n.SelectProtocol != nil {
		if sel := n.SelectProtocol(p); sel != "" {
			b.WriteString("Sec-WebSocket-Protocol: " + sel + "\r\n")
		}
	}
	if e, ok := h["sec-websocket-extensions"]; ok && n.SelectExtensions != nil {
		if sel := n.SelectExtensions(e); sel != "" {
			b.WriteString("Sec-WebSocket-Extensions: " + sel + "\r\n")
		}
	}
	b.WriteString("\r\n")
	res.Response = []byte(b.String())
	return res
}

func (n *Negotiator) reject(res HandshakeResult, status int, err error) HandshakeResult {
	res.Err = &HandshakeError{Err: err, Status: status}
	res.Response = RejectResponse(status)
	return res
}

// RejectResponse builds the HTTP response sent before closing a rejected connection.
func RejectResponse(status int) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n")
	if status == http.StatusUpgradeRequired {
		b.WriteString("Sec-WebSocket-Version: 13\r\n")
	}
	b.WriteString("Connection: close\r\nContent-Length: 0\r\n\r\n")
	return []byte(b.String())
}

func check(fn func(string) bool, v string) bool {
	return fn == nil || fn(v)
}

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HeaderEnd returns the offset just past the blank line terminating the request headers, or -1
// when the terminator has not arrived yet. Bare LF line endings are accepted.
func HeaderEnd(buf []byte) int {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1
	case crlf < 0:
		return lf + 2
	case lf < 0 || crlf < lf:
		return crlf + 4
	default:
		return lf + 2
	}
}
