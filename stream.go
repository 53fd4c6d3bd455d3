package camrelay

import (
	"context"
	"errors"
	"sync/atomic"
)

type streamID uint64

var ErrClosed = errors.New("stream closed")
var ErrNoFrames = errors.New("no image frames to read")

var streamId atomic.Uint64

// Stream provides image frames to one HTTP viewer.
// It is intended to be used by a single consumer.
type Stream struct {
	closed bool
	frames chan ImageFrame
	id     streamID
	stop   func(id streamID)
}

func newStream(frames chan ImageFrame, stop func(streamID)) *Stream {
	return &Stream{
		id:     streamID(streamId.Add(1)),
		frames: frames,
		stop:   stop,
	}
}

// GetFrame returns a single image frame, blocking to wait until the next frame if necessary.
// ErrNoFrames means the relay has stopped.
func (s *Stream) GetFrame(ctx context.Context) (ImageFrame, error) {
	if s.closed {
		return ImageFrame{}, ErrClosed
	}

	select {
	case frame, ok := <-s.frames:
		if !ok {
			return ImageFrame{}, ErrNoFrames
		}
		return frame, nil
	case <-ctx.Done():
		return ImageFrame{}, ctx.Err()
	}
}

// Close closes the stream.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.stop != nil {
		s.stop(s.id)
	}
}

// offer queues f for a subscriber. A slow subscriber loses its oldest frame instead of holding
// up the relay.
func offer(frames chan ImageFrame, f ImageFrame) {
	select {
	case frames <- f:
		return
	default:
	}
	// The consumer may drain the channel between these selects, so neither may block.
	select {
	case <-frames:
	default:
	}
	select {
	case frames <- f:
	default:
	}
}
