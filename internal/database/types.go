// Package database defines the persistence boundary: repository interfaces
// for persons, streams and detections and the registry of the active backend.
package database

import (
	"errors"
	"time"

	"github.com/kozaktomas/facewatch/internal/gallery"
)

// ErrNotConfigured is returned when persistence is requested but no backend
// was registered.
var ErrNotConfigured = errors.New("database not configured: DATABASE_URL is required")

// SimilarPerson is a registered person ranked by cosine distance to a query.
type SimilarPerson struct {
	Person   gallery.Person
	Distance float64 // cosine distance, 0 is identical
}

// Similarity converts the cosine distance back to similarity.
func (s SimilarPerson) Similarity() float64 {
	return 1 - s.Distance
}

// DetectionQuery selects persisted detections. Zero fields match everything.
type DetectionQuery struct {
	StreamID   string
	PersonID   string
	AlertsOnly bool
	Since      time.Time
	Limit      int
}

// DetectionStats summarizes persisted detections.
type DetectionStats struct {
	Total     int        `json:"total"`
	Matched   int        `json:"matched"`
	Alerts    int        `json:"alerts"`
	Streams   int        `json:"streams"`
	FirstSeen *time.Time `json:"first_seen,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}
