package monitor

import (
	"time"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/pipeline"
	"github.com/kozaktomas/facewatch/internal/sink"
	"github.com/kozaktomas/facewatch/internal/stream"
)

// StreamCounts tallies streams by status.
type StreamCounts struct {
	Total      int `json:"total"`
	Connecting int `json:"connecting"`
	Live       int `json:"live"`
	Degraded   int `json:"degraded"`
	Failed     int `json:"failed"`
}

type GalleryHealth struct {
	Persons    int    `json:"persons"`
	Embeddings int    `json:"embeddings"`
	Dim        int    `json:"dim"`
	Version    uint64 `json:"version"`
}

// Health is the system-wide status report.
type Health struct {
	Status      string          `json:"status"` // ok or degraded
	StartedAt   time.Time       `json:"started_at"`
	Uptime      string          `json:"uptime"`
	Streams     []stream.State  `json:"streams"`
	Counts      StreamCounts    `json:"stream_counts"`
	QueueDepths map[string]int  `json:"queue_depths"`
	Gallery     GalleryHealth   `json:"gallery"`
	Pipeline    pipeline.Stats  `json:"pipeline"`
	Detections  sink.Counts     `json:"detections"`
	Subscribers int             `json:"subscribers"`
	MQTT        *sink.MQTTStats `json:"mqtt,omitempty"`
	Persistence bool            `json:"persistence"`
	Settings    config.Tunables `json:"settings"`
}

// Health reports per-stream state, status counts, queue depths, gallery size
// and pipeline counters. Status is degraded while any stream is not live.
func (m *Monitor) Health() Health {
	states := m.manager.List()
	counts := StreamCounts{Total: len(states)}
	depths := make(map[string]int, len(states))
	for _, st := range states {
		depths[st.ID] = st.QueueDepth
		switch st.Status {
		case stream.StatusConnecting:
			counts.Connecting++
		case stream.StatusLive:
			counts.Live++
		case stream.StatusDegraded:
			counts.Degraded++
		case stream.StatusFailed:
			counts.Failed++
		}
	}

	snap := m.gallery.Snapshot()
	h := Health{
		Status:      "ok",
		StartedAt:   m.startedAt,
		Uptime:      time.Since(m.startedAt).Round(time.Second).String(),
		Streams:     states,
		Counts:      counts,
		QueueDepths: depths,
		Gallery: GalleryHealth{
			Persons:    snap.Len(),
			Embeddings: len(snap.Entries()),
			Dim:        m.gallery.Dim(),
			Version:    snap.Version,
		},
		Pipeline:    m.pipeline.Stats(),
		Detections:  m.store.Counts(),
		Subscribers: m.store.Subscribers(),
		Persistence: m.persons != nil || m.streams != nil,
		Settings:    m.settings.Get(),
	}
	if counts.Degraded > 0 || counts.Failed > 0 || counts.Connecting > 0 {
		h.Status = "degraded"
	}
	if m.mqtt != nil {
		stats := m.mqtt.Stats()
		h.MQTT = &stats
	}
	return h
}
