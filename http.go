package camrelay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"syscall"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"
)

// ContextMiddleware replaces the request context with the given context.
// It can be used to set a cancellable context only for streaming endpoints since the HTTP Server will not cancel
// in-flight requests on shutdown.
func ContextMiddleware(ctx context.Context, next http.HandlerFunc) http.HandlerFunc {
	if ctx == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// Handler routes the HTTP side channel. streamCtx ends the long-lived MJPEG responses; pass the
// context that is cancelled on server shutdown.
func (r *Relay) Handler(streamCtx context.Context) http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("GET /mjpeg", ContextMiddleware(streamCtx, r.MJPEGHandler))
	m.HandleFunc("GET /snapshot.jpg", r.SnapshotHandler)
	m.HandleFunc("GET /stats", r.StatsHandler)
	m.HandleFunc("GET /sessions", r.SessionsHandler)
	return m
}

// MJPEGHandler is an HTTP route handler that responds with an MJPEG video stream of the relayed images.
func (r *Relay) MJPEGHandler(w http.ResponseWriter, req *http.Request) {
	stream := r.Subscribe()
	defer stream.Close()

	mimeWriter := multipart.NewWriter(w)
	defer mimeWriter.Close()
	contentType := fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary())
	w.Header().Set("Content-Type", contentType)

	partHeader := make(textproto.MIMEHeader, 1)
	partHeader.Add("Content-Type", "image/jpeg")

	ctx := req.Context()
	flusher, _ := w.(http.Flusher)

	// Send the headers now, the first image may be a while away
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		img, err := stream.GetFrame(ctx)
		if err != nil {
			// Client went away or the relay stopped
			return
		}

		partWriter, err := mimeWriter.CreatePart(partHeader)
		if err != nil {
			r.log.Warn("failed to create multi-part section", "err", err)
			return
		}

		if _, err := partWriter.Write(img.Data); err != nil {
			if errors.Is(err, syscall.EPIPE) {
				// Client went away
				return
			}

			switch err.Error() {
			case "http2: stream closed", "client disconnected":
				// Client went away
				return
			}
			r.log.Warn("failed to write video frame", "err", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// SnapshotHandler serves the latest image. The ETag is derived from the image bytes, so a
// client polling faster than the frame rate gets 304 responses.
func (r *Relay) SnapshotHandler(w http.ResponseWriter, req *http.Request) {
	img, ok := r.Latest()
	if !ok {
		http.Error(w, "no image yet", http.StatusServiceUnavailable)
		return
	}

	etag := imageETag(img.Data)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if req.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Last-Modified", img.At.UTC().Format(http.TimeFormat))
	_, _ = w.Write(img.Data)
}

func imageETag(data []byte) string {
	sum := sha3.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func (r *Relay) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.Stats())
}

// SessionsHandler lists recent journal events, newest first. The optional limit query parameter
// caps the count.
func (r *Relay) SessionsHandler(w http.ResponseWriter, req *http.Request) {
	if r.journal == nil {
		http.NotFound(w, req)
		return
	}

	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 1000)
	}

	entries, err := r.journal.Recent(req.Context(), limit)
	if err != nil {
		r.log.Warn("failed to read journal", "err", err)
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
