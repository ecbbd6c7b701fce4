package stream

import "time"

// Status is the lifecycle phase of a stream.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusLive       Status = "live"
	StatusDegraded   Status = "degraded"
	StatusFailed     Status = "failed"
)

// State is a copy of a supervisor's view of its stream.
type State struct {
	Config

	Status              Status        `json:"status"`
	StatusSince         time.Time     `json:"status_since"`
	LastFrameAt         *time.Time    `json:"last_frame_at,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Backoff             time.Duration `json:"-"`
	BackoffMillis       int64         `json:"backoff_ms"`
	Reconnects          int           `json:"reconnects"`
	LastError           string        `json:"last_error,omitempty"`
	FramesCaptured      uint64        `json:"frames_captured"`
	FramesDropped       uint64        `json:"frames_dropped"`
	QueueDepth          int           `json:"queue_depth"`
	QueueCapacity       int           `json:"queue_capacity"`
}

// Transition is published on every status change.
type Transition struct {
	StreamID string
	From     Status
	To       Status
	At       time.Time
	Err      error
	Backoff  time.Duration
}

// Observer receives transitions. It runs on the supervisor goroutine.
type Observer func(Transition)
