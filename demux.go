package camrelay

import (
	"bytes"
	"sync/atomic"
	"time"
)

var (
	jpegHeader   = []byte{0xFF, 0xD8}
	jpegTrailer  = []byte{0xFF, 0xD9}
	jpegBoundary = []byte{0xFF, 0xD9, 0xFF, 0xD8}
)

// ImageFrame is one JPEG image cut out of the decoder stream. Data is never modified after the
// frame is emitted.
type ImageFrame struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// DemuxConfig tunes the boundary heuristic.
type DemuxConfig struct {
	// LearningCycles is the number of images observed before the skip value is fixed.
	LearningCycles int
	// SkipMargin is subtracted from the smallest observed chunk count per image.
	SkipMargin int
	// BufferCap is the largest image buffer kept before it is thrown away as corrupt.
	BufferCap int
	// OnLearned is called once, on the feeding goroutine, when learning ends.
	OnLearned func(counts []int, linesToSkip int)
}

const (
	DefaultLearningCycles = 20
	DefaultSkipMargin     = 15
	DefaultBufferCap      = 64 << 20
)

// Demuxer splits a stream of concatenated JPEG images into frames. Feed must be called from a
// single goroutine; the counters may be read from anywhere.
//
// A chunk starting with a start-of-image marker opens a new image. Inside an image the buffer
// is searched for an end-of-image marker directly followed by a start-of-image marker, which
// separates two images. While learning, every chunk is searched and the number of plain chunks
// per image is recorded. Afterwards the search is deferred until the current image holds as
// many plain chunks as the smallest learned count minus the margin. The deferred search still
// covers the skipped bytes, so skipping delays a boundary but never loses one.
//
//	d := camrelay.NewDemuxer(camrelay.DemuxConfig{}, func(f camrelay.ImageFrame) {
//		hub.BroadcastBinary(f.Data)
//	})
//	for chunk := range chunks {
//		d.Feed(chunk)
//	}
type Demuxer struct {
	cfg  DemuxConfig
	sink func(ImageFrame)

	buf     []byte
	open    bool
	pending bool // a trailing 0xFF was dropped while no image was open
	scanned int  // buf[:scanned] has been searched for a boundary

	chunksRead int
	cycle      int
	counts     []int

	learning    atomic.Bool
	linesToSkip atomic.Int64
	emitted     atomic.Uint64
	discarded   atomic.Uint64
}

func NewDemuxer(cfg DemuxConfig, sink func(ImageFrame)) *Demuxer {
	if cfg.LearningCycles <= 0 {
		cfg.LearningCycles = DefaultLearningCycles
	}
	if cfg.SkipMargin < 0 {
		cfg.SkipMargin = 0
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = DefaultBufferCap
	}
	d := &Demuxer{
		cfg:    cfg,
		sink:   sink,
		counts: make([]int, cfg.LearningCycles),
	}
	d.learning.Store(true)
	return d
}

// Feed consumes one chunk of decoder output. It never fails: bytes outside an image are dropped
// and runaway buffers are discarded.
func (d *Demuxer) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	before := d.emitted.Load()
	started := false

	switch {
	case !d.open:
		data := chunk
		if d.pending {
			data = append([]byte{0xFF}, chunk...)
			d.pending = false
		}
		i := bytes.Index(data, jpegHeader)
		if i < 0 {
			d.pending = data[len(data)-1] == 0xFF
			return
		}
		d.start(data[i:])
		started = true
	case bytes.HasPrefix(chunk, jpegHeader):
		// The previous image either ended exactly at the chunk edge or was cut short.
		d.split()
		if len(d.buf) >= 4 && bytes.HasSuffix(d.buf, jpegTrailer) {
			d.emit(d.buf)
		} else {
			d.discarded.Add(1)
		}
		d.start(chunk)
		started = true
	default:
		d.buf = append(d.buf, chunk...)
	}

	if started || d.learning.Load() || int64(d.chunksRead) >= d.linesToSkip.Load() {
		d.split()
	}

	if started && len(d.buf) >= 4 && bytes.HasSuffix(d.buf, jpegTrailer) {
		d.emit(d.buf)
		d.reset()
	}

	if len(d.buf) > d.cfg.BufferCap {
		d.discarded.Add(1)
		d.reset()
	}

	if !started && d.emitted.Load() == before {
		if d.learning.Load() {
			d.counts[d.cycle]++
		}
		d.chunksRead++
	}
}

// Flush emits the image in progress if it is complete. It is called when the stream ends, since
// the last image is never followed by a boundary.
func (d *Demuxer) Flush() {
	if d.open {
		d.split()
		if len(d.buf) >= 4 && bytes.HasSuffix(d.buf, jpegTrailer) {
			d.emit(d.buf)
		} else {
			d.discarded.Add(1)
		}
	}
	d.reset()
	d.pending = false
}

func (d *Demuxer) start(data []byte) {
	d.buf = append(d.buf[:0], data...)
	d.open = true
	d.scanned = 0
}

func (d *Demuxer) reset() {
	d.buf = d.buf[:0]
	d.open = false
	d.scanned = 0
}

// split emits every image terminated by a boundary in the unsearched part of the buffer and
// keeps the start of the next image.
func (d *Demuxer) split() {
	for {
		from := max(d.scanned-len(jpegBoundary)+1, 0)
		i := bytes.Index(d.buf[from:], jpegBoundary)
		if i < 0 {
			d.scanned = len(d.buf)
			return
		}
		end := from + i + len(jpegTrailer)
		d.emit(d.buf[:end])
		d.buf = append(d.buf[:0], d.buf[end:]...)
		d.scanned = 0
	}
}

func (d *Demuxer) emit(img []byte) {
	seq := d.emitted.Add(1)
	d.chunksRead = 0

	if d.learning.Load() {
		d.cycle++
		if d.cycle >= d.cfg.LearningCycles {
			skip := max(minOf(d.counts)-d.cfg.SkipMargin, 0)
			d.linesToSkip.Store(int64(skip))
			d.learning.Store(false)
			if d.cfg.OnLearned != nil {
				d.cfg.OnLearned(append([]int(nil), d.counts...), skip)
			}
		}
	}

	if d.sink != nil {
		d.sink(ImageFrame{Seq: seq, Data: bytes.Clone(img), At: time.Now()})
	}
}

func minOf(v []int) int {
	m := v[0]
	for _, x := range v[1:] {
		m = min(m, x)
	}
	return m
}

// Emitted is the number of images produced so far.
func (d *Demuxer) Emitted() uint64 { return d.emitted.Load() }

// Discarded is the number of image buffers dropped as incomplete or oversized.
func (d *Demuxer) Discarded() uint64 { return d.discarded.Load() }

// Learning reports whether the skip value is still being learned.
func (d *Demuxer) Learning() bool { return d.learning.Load() }

// LinesToSkip is the learned number of chunks searched lazily per image.
func (d *Demuxer) LinesToSkip() int { return int(d.linesToSkip.Load()) }
