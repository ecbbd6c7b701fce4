// Package sink receives detection events: it keeps the recent history for
// polling, feeds live subscribers and forwards events to external systems.
package sink

import (
	"context"
	"time"

	"github.com/kozaktomas/facewatch/internal/inference"
)

// Event is one detected face. PersonID is nil for unmatched faces.
type Event struct {
	ID         string         `json:"id"`
	StreamID   string         `json:"stream_id"`
	FrameSeq   uint64         `json:"frame_seq"`
	FrameTime  time.Time      `json:"frame_time"`
	BBox       inference.BBox `json:"bbox"`
	PersonID   *string        `json:"person_id"`
	PersonName string         `json:"person_name,omitempty"`
	Score      float64        `json:"similarity"`
	Quality    float64        `json:"quality"`
	Confidence string         `json:"confidence"`
	Alert      bool           `json:"alert"`
	// AlertID is the alert this detection belongs to: its own id when Alert is
	// set, the suppressing alert's id for coalesced detections.
	AlertID    string    `json:"alert_id,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	// Embedding is kept for persistence and omitted from API payloads.
	Embedding []float32 `json:"-"`
}

// Matched reports whether the event identifies a registered person.
func (e Event) Matched() bool { return e.PersonID != nil }

// Alert is a surfaced detection plus the detections coalesced into it.
type Alert struct {
	Event
	Coalesced  int       `json:"coalesced"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Sink consumes detection events. Emit must not block for long; it runs on a
// pipeline worker.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, e Event) error

func (f Func) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Filter selects events. Zero fields match everything.
type Filter struct {
	StreamID   string
	Matched    *bool
	AlertsOnly bool
	Since      time.Time
	Limit      int
}

// Match reports whether e passes the filter. Limit is not considered.
func (f Filter) Match(e Event) bool {
	if f.StreamID != "" && e.StreamID != f.StreamID {
		return false
	}
	if f.Matched != nil && e.Matched() != *f.Matched {
		return false
	}
	if f.AlertsOnly && !e.Alert {
		return false
	}
	if !f.Since.IsZero() && !e.DetectedAt.After(f.Since) {
		return false
	}
	return true
}
