package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hybridgroup/mjpeg"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/monitor"
	"github.com/kozaktomas/facewatch/internal/stream"
)

// StreamsHandler manages camera streams and their previews.
type StreamsHandler struct {
	monitor         *monitor.Monitor
	previewInterval time.Duration
}

// NewStreamsHandler creates a new streams handler
func NewStreamsHandler(m *monitor.Monitor) *StreamsHandler {
	return &StreamsHandler{
		monitor:         m,
		previewInterval: 100 * time.Millisecond,
	}
}

// List returns every stream with its current state.
func (h *StreamsHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.monitor.ListStreams())
}

// Create adds a stream and starts capturing immediately.
func (h *StreamsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var cfg stream.Config
	if err := decodeJSON(w, r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	state, err := h.monitor.AddStream(r.Context(), cfg)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, state)
}

// Get returns one stream.
func (h *StreamsHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := h.monitor.GetStream(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// Delete stops a stream and forgets it.
func (h *StreamsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.RemoveStream(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retry cancels any pending backoff and reconnects now.
func (h *StreamsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.monitor.RetryStream(id); err != nil {
		respondServiceError(w, r, err)
		return
	}
	state, err := h.monitor.GetStream(id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, state)
}

// Frame returns the most recent captured JPEG.
func (h *StreamsHandler) Frame(w http.ResponseWriter, r *http.Request) {
	f, err := h.monitor.LatestFrame(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	w.Header().Set("X-Captured-At", f.CapturedAt.UTC().Format(time.RFC3339Nano))
	w.WriteHeader(http.StatusOK)
	w.Write(f.Data)
}

// MJPEG serves a live multipart preview of the stream.
func (h *StreamsHandler) MJPEG(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.monitor.GetStream(id); err != nil {
		respondServiceError(w, r, err)
		return
	}

	preview := mjpeg.NewStream()
	done := make(chan struct{})
	go h.pumpPreview(r.Context(), id, preview, done)

	log.Debug().Str("stream_id", id).Str("remote", r.RemoteAddr).Msg("MJPEG preview opened")
	preview.ServeHTTP(&previewWriter{ResponseWriter: w, ctx: r.Context()}, r)
	close(done)
	log.Debug().Str("stream_id", id).Str("remote", r.RemoteAddr).Msg("MJPEG preview closed")
}

// previewWriter flushes every part to the client and fails once the request
// context ends, which is the only way to stop an MJPEG preview.
type previewWriter struct {
	http.ResponseWriter
	ctx context.Context
}

func (w *previewWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.ResponseWriter.Write(p)
	if f, ok := w.ResponseWriter.(http.Flusher); ok && err == nil {
		f.Flush()
	}
	return n, err
}

// pumpPreview feeds new frames into preview until ServeHTTP returns. The
// preview blocks waiting for a frame and only notices a finished request on
// write, so after the request ends the last frame is re-sent to unblock it.
func (h *StreamsHandler) pumpPreview(ctx context.Context, id string, preview *mjpeg.Stream, done <-chan struct{}) {
	ticker := time.NewTicker(h.previewInterval)
	defer ticker.Stop()

	var (
		lastSeq uint64
		last    []byte
	)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if f, err := h.monitor.LatestFrame(id); err == nil && f.Seq != lastSeq {
			lastSeq, last = f.Seq, f.Data
			preview.UpdateJPEG(last)
			continue
		}
		if ctx.Err() != nil {
			preview.UpdateJPEG(last)
		}
	}
}
