package ws

import (
	"errors"
)

// Opcode is the 4-bit frame type.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsValid reports whether o is one of the six opcodes this server understands.
func (o Opcode) IsValid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// IsControl reports whether o is a control opcode (close, ping, pong).
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Close status codes sent by this server.
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseInvalidPayload  uint16 = 1007
	CloseMessageTooBig   uint16 = 1009
	CloseInternalFailure uint16 = 1011
)

// Header is the decoded fixed part of one wire frame.
type Header struct {
	Fin    bool
	RSV1   bool
	RSV2   bool
	RSV3   bool
	Opcode Opcode
	Masked bool
	// Length is the declared payload length.
	Length uint64
	// Mask is only meaningful when Masked is set.
	Mask [4]byte

	// lengthSize is the number of extended length bytes on the wire (0, 2 or 8).
	lengthSize int
}

// Size returns the number of header bytes preceding the payload.
func (h Header) Size() int {
	n := 2 + h.lengthSize
	if h.Masked {
		n += 4
	}
	return n
}

// FrameSize returns the header size plus the declared payload length.
func (h Header) FrameSize() uint64 {
	return uint64(h.Size()) + h.Length
}

// HasReservedBits reports whether any RSV bit is set. No extension is ever negotiated, so any
// set bit is a protocol violation.
func (h Header) HasReservedBits() bool {
	return h.RSV1 || h.RSV2 || h.RSV3
}

// Message is one complete application message, possibly reassembled from several frames.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

var (
	ErrShortHeader       = errors.New("incomplete frame header")
	ErrInvalidOpcode     = errors.New("invalid opcode")
	ErrReservedBitsSet   = errors.New("reserved bits set without extension")
	ErrInvalidLength     = errors.New("invalid payload length")
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrMessageTooLarge   = errors.New("message too large")
	ErrControlFragmented = errors.New("control frame fragmented")
	ErrControlTooLong    = errors.New("control frame payload too long")
	ErrInvalidUTF8       = errors.New("text message is not valid UTF-8")
	ErrUnexpectedFrame   = errors.New("data frame out of fragment order")
	ErrSessionClosed     = errors.New("session closed")
)

// MaxControlPayload is the largest payload a close, ping or pong frame may carry.
const MaxControlPayload = 125

// FrameError ties a protocol violation to the opcode of the offending frame.
type FrameError struct {
	Err    error
	Opcode Opcode
}

func (e *FrameError) Error() string {
	return e.Opcode.String() + " frame: " + e.Err.Error()
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// closeCodeFor maps a read-side error to the close status sent before disconnecting.
func closeCodeFor(err error) uint16 {
	switch {
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMessageTooLarge):
		return CloseMessageTooBig
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInvalidPayload
	default:
		return CloseProtocolError
	}
}
