package database

import (
	"context"

	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/sink"
	"github.com/kozaktomas/facewatch/internal/stream"
)

// PersonReader provides read-only access to registered persons
type PersonReader interface {
	// ListPersons returns every person with embeddings, ordered by id
	ListPersons(ctx context.Context) ([]gallery.Person, error)
	// GetPerson returns nil when the person does not exist
	GetPerson(ctx context.Context, id string) (*gallery.Person, error)
	// CountPersons returns the number of registered persons
	CountPersons(ctx context.Context) (int, error)
	// FindSimilar ranks persons by their closest reference embedding
	FindSimilar(ctx context.Context, embedding []float32, limit int) ([]SimilarPerson, error)
}

// PersonWriter provides write access to registered persons
type PersonWriter interface {
	PersonReader

	// SavePerson inserts or replaces a person together with all its embeddings
	SavePerson(ctx context.Context, p gallery.Person) error
	// DeletePerson reports whether a person was removed
	DeletePerson(ctx context.Context, id string) (bool, error)
}

// StreamStore persists stream configurations so they survive restarts
type StreamStore interface {
	ListStreams(ctx context.Context) ([]stream.Config, error)
	SaveStream(ctx context.Context, cfg stream.Config) error
	DeleteStream(ctx context.Context, id string) (bool, error)
}

// DetectionWriter persists detection events. It doubles as a pipeline sink.
type DetectionWriter interface {
	sink.Sink
}

// DetectionReader queries persisted detection events
type DetectionReader interface {
	ListDetections(ctx context.Context, q DetectionQuery) ([]sink.Event, error)
	DetectionStats(ctx context.Context) (DetectionStats, error)
}
