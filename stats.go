package camrelay

import (
	"context"
	"runtime"
	"time"

	"github.com/cleroux/go-camrelay/ws"
)

// Stats is a point-in-time view of the relay.
type Stats struct {
	Images      uint64             `json:"images"`
	Discarded   uint64             `json:"discarded"`
	FPS         float64            `json:"fps"`
	Uptime      string             `json:"uptime"`
	Learning    bool               `json:"learning"`
	LinesToSkip int                `json:"lines_to_skip"`
	Subscribers int                `json:"mjpeg_subscribers"`
	WebSocket   ws.MetricsSnapshot `json:"websocket"`
	HeapMB      float64            `json:"heap_mb"`
	SysMB       float64            `json:"sys_mb"`
}

func (r *Relay) Stats() Stats {
	elapsed := time.Since(r.started)
	images := r.demux.Emitted()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	st := Stats{
		Images:      images,
		Discarded:   r.demux.Discarded(),
		Uptime:      elapsed.Round(time.Second).String(),
		Learning:    r.demux.Learning(),
		LinesToSkip: r.demux.LinesToSkip(),
		Subscribers: r.subscribers(),
		WebSocket:   r.hub.Metrics(),
		HeapMB:      megabytes(mem.HeapAlloc),
		SysMB:       megabytes(mem.Sys),
	}
	if s := elapsed.Seconds(); s > 0 {
		st.FPS = float64(images) / s
	}
	return st
}

func megabytes(b uint64) float64 {
	return float64(b) / (1 << 20)
}

// report logs Stats every interval until ctx is done.
func (r *Relay) report(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := r.Stats()
			r.log.Info("relay stats",
				"images", st.Images,
				"discarded", st.Discarded,
				"fps", st.FPS,
				"uptime", st.Uptime,
				"learning", st.Learning,
				"lines_to_skip", st.LinesToSkip,
				"sessions", st.WebSocket.Open,
				"bytes_sent", st.WebSocket.BytesSent,
				"queue_dropped", st.WebSocket.QueueDropped,
				"heap_mb", st.HeapMB,
				"sys_mb", st.SysMB,
			)
		}
	}
}
