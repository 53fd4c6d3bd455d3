package ws

import (
	"encoding/binary"
)

// EncodeFrame builds one unmasked server-to-client frame.
// When continuing is set the frame carries the continuation opcode instead of op.
func EncodeFrame(payload []byte, op Opcode, fin, continuing bool) []byte {
	return AppendFrame(make([]byte, 0, maxHeaderSize+len(payload)), payload, op, fin, continuing)
}

const maxHeaderSize = 14

// AppendFrame appends the encoded frame to dst and returns the extended slice.
func AppendFrame(dst, payload []byte, op Opcode, fin, continuing bool) []byte {
	b0 := byte(op & 0x0F)
	if continuing {
		b0 = byte(OpContinuation)
	}
	if fin {
		b0 |= 0x80
	}

	n := len(payload)
	switch {
	case n <= 125:
		dst = append(dst, b0, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return append(dst, payload...)
}

// EncodeMessage encodes payload as one logical message. A positive maxFragment splits the
// payload into frames of at most maxFragment bytes: the first carries op, the rest are
// continuations, and only the last has FIN set.
func EncodeMessage(op Opcode, payload []byte, maxFragment int) []byte {
	if maxFragment <= 0 || len(payload) <= maxFragment {
		return EncodeFrame(payload, op, true, false)
	}

	frames := (len(payload) + maxFragment - 1) / maxFragment
	out := make([]byte, 0, len(payload)+frames*maxHeaderSize)
	continuing := false
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > maxFragment {
			chunk = chunk[:maxFragment]
		}
		payload = payload[len(chunk):]
		out = AppendFrame(out, chunk, op, len(payload) == 0, continuing)
		continuing = true
	}
	return out
}

// DecodeHeader parses the frame header at the start of raw. It returns ErrShortHeader when raw
// does not yet hold the whole header (including the extended length and mask key).
func DecodeHeader(raw []byte) (Header, error) {
	var h Header
	if len(raw) < 2 {
		return h, ErrShortHeader
	}

	h.Fin = raw[0]&0x80 != 0
	h.RSV1 = raw[0]&0x40 != 0
	h.RSV2 = raw[0]&0x20 != 0
	h.RSV3 = raw[0]&0x10 != 0
	h.Opcode = Opcode(raw[0] & 0x0F)
	h.Masked = raw[1]&0x80 != 0

	switch l := raw[1] & 0x7F; l {
	case 126:
		h.lengthSize = 2
	case 127:
		h.lengthSize = 8
	default:
		h.Length = uint64(l)
	}

	if len(raw) < h.Size() {
		return h, ErrShortHeader
	}

	switch h.lengthSize {
	case 2:
		h.Length = uint64(binary.BigEndian.Uint16(raw[2:4]))
	case 8:
		h.Length = binary.BigEndian.Uint64(raw[2:10])
		if h.Length>>63 != 0 {
			return h, &FrameError{Err: ErrInvalidLength, Opcode: h.Opcode}
		}
	}

	if h.Masked {
		copy(h.Mask[:], raw[2+h.lengthSize:])
	}
	return h, nil
}

// ExtractPayload returns the payload bytes of the frame in raw, up to the declared length.
// The result is shorter than h.Length when raw holds only part of the frame.
func ExtractPayload(raw []byte, h Header) []byte {
	off := h.Size()
	if off >= len(raw) {
		return nil
	}
	p := raw[off:]
	if uint64(len(p)) > h.Length {
		p = p[:h.Length]
	}
	return p
}

// ApplyMask XORs payload in place with the repeating mask key. It is a no-op for unmasked
// frames, and applying it twice restores the original bytes.
func ApplyMask(h Header, payload []byte) {
	if !h.Masked {
		return
	}
	for i := range payload {
		payload[i] ^= h.Mask[i&3]
	}
}
