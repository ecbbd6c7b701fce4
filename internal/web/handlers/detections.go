package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/monitor"
	"github.com/kozaktomas/facewatch/internal/sink"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// DetectionsHandler serves detection history and live feeds.
type DetectionsHandler struct {
	monitor  *monitor.Monitor
	history  database.DetectionReader // nil without a database
	upgrader websocket.Upgrader
}

// NewDetectionsHandler creates a new detections handler. history may be nil.
func NewDetectionsHandler(m *monitor.Monitor, history database.DetectionReader, allowedOrigin func(*http.Request) bool) *DetectionsHandler {
	return &DetectionsHandler{
		monitor: m,
		history: history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     allowedOrigin,
		},
	}
}

// DetectionsResponse is a page of detections, newest first.
type DetectionsResponse struct {
	Detections []sink.Event `json:"detections"`
	Count      int          `json:"count"`
	Totals     sink.Counts  `json:"totals"`
}

// List polls the in-memory history.
func (h *DetectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	store := h.monitor.Store()
	events := store.Poll(f)
	respondJSON(w, http.StatusOK, DetectionsResponse{
		Detections: events,
		Count:      len(events),
		Totals:     store.Counts(),
	})
}

// Get returns one detection still held in memory.
func (h *DetectionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, ok := h.monitor.Store().Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "detection not found")
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// Alerts lists alerts with their coalesced detection counts.
func (h *DetectionsHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.monitor.Store().Alerts(f))
}

// Events streams matching detections as server-sent events.
func (h *DetectionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	store := h.monitor.Store()
	sub := store.Subscribe(f)
	defer store.Unsubscribe(sub)

	streamSubscription(w, r, sub, map[string]any{
		"subscribed": true,
		"totals":     store.Counts(),
	})
}

// wsMessage is the websocket envelope for one detection.
type wsMessage struct {
	Type  string     `json:"type"`
	Event sink.Event `json:"event"`
}

// WebSocket pushes matching detections over a websocket connection.
func (h *DetectionsHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	store := h.monitor.Store()
	sub := store.Subscribe(f)
	defer store.Unsubscribe(sub)

	// The reader only handles control frames and notices the client leaving.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("Websocket closed unexpectedly")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsMessage{Type: eventType(e), Event: e}); err != nil {
				return
			}
		}
	}
}

// History queries persisted detections beyond the in-memory window.
func (h *DetectionsHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondServiceError(w, r, database.ErrNotConfigured)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.history.ListDetections(r.Context(), database.DetectionQuery{
		StreamID:   f.StreamID,
		PersonID:   r.URL.Query().Get("person"),
		AlertsOnly: f.AlertsOnly,
		Since:      f.Since,
		Limit:      f.Limit,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []sink.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"detections": events,
		"count":      len(events),
	})
}

// HistoryStats summarizes persisted detections.
func (h *DetectionsHandler) HistoryStats(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondServiceError(w, r, database.ErrNotConfigured)
		return
	}
	stats, err := h.history.DetectionStats(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
