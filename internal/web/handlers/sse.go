package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kozaktomas/facewatch/internal/sink"
)

// sseKeepAlive is how often an idle event stream receives a comment line so
// proxies keep the connection open.
var sseKeepAlive = 15 * time.Second

// setupSSEConnection sets the event-stream headers. On failure it writes an
// error response and returns false.
func setupSSEConnection(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// sendSSEEvent writes one event with JSON data.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

func sendSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	_, _ = io.WriteString(w, ": "+comment+"\n\n")
	flusher.Flush()
}

// eventType names a detection for SSE and websocket consumers.
func eventType(e sink.Event) string {
	switch {
	case e.Alert:
		return "alert"
	case e.Matched():
		return "match"
	default:
		return "detection"
	}
}

// streamSubscription forwards subscription events until the client
// disconnects or the subscription closes.
func streamSubscription(w http.ResponseWriter, r *http.Request, sub *sink.Subscription, hello any) {
	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}
	sendSSEEvent(w, flusher, "status", hello)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			sendSSEComment(w, flusher, "keep-alive")
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, eventType(e), e)
		}
	}
}
