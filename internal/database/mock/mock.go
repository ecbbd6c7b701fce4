// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/matcher"
	"github.com/kozaktomas/facewatch/internal/sink"
	"github.com/kozaktomas/facewatch/internal/stream"
)

// MockPersonWriter is an in-memory database.PersonWriter
type MockPersonWriter struct {
	mu      sync.RWMutex
	persons map[string]gallery.Person

	// Error injection
	SaveError   error
	DeleteError error
	ListError   error
}

// NewMockPersonWriter creates an empty mock person store
func NewMockPersonWriter() *MockPersonWriter {
	return &MockPersonWriter{persons: make(map[string]gallery.Person)}
}

func (m *MockPersonWriter) SavePerson(ctx context.Context, p gallery.Person) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	if p.ID == "" {
		return gallery.ErrEmptyPersonID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Embeddings = cloneEmbeddings(p.Embeddings)
	m.persons[p.ID] = p
	return nil
}

func (m *MockPersonWriter) DeletePerson(ctx context.Context, id string) (bool, error) {
	if m.DeleteError != nil {
		return false, m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.persons[id]
	delete(m.persons, id)
	return ok, nil
}

func (m *MockPersonWriter) ListPersons(ctx context.Context) ([]gallery.Person, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]gallery.Person, 0, len(m.persons))
	for _, p := range m.persons {
		p.Embeddings = cloneEmbeddings(p.Embeddings)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockPersonWriter) GetPerson(ctx context.Context, id string) (*gallery.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, nil
	}
	p.Embeddings = cloneEmbeddings(p.Embeddings)
	return &p, nil
}

func (m *MockPersonWriter) CountPersons(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.persons), nil
}

// FindSimilar scores every reference embedding with cosine similarity.
func (m *MockPersonWriter) FindSimilar(ctx context.Context, embedding []float32, limit int) ([]database.SimilarPerson, error) {
	persons, err := m.ListPersons(ctx)
	if err != nil {
		return nil, err
	}
	var out []database.SimilarPerson
	for _, p := range persons {
		best, found := 0.0, false
		for _, e := range p.Embeddings {
			if len(e) != len(embedding) {
				continue
			}
			if s := matcher.CosineSimilarity(embedding, e); !found || s > best {
				best, found = s, true
			}
		}
		if found {
			out = append(out, database.SimilarPerson{Person: p, Distance: 1 - best})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MockStreamStore is an in-memory database.StreamStore
type MockStreamStore struct {
	mu      sync.RWMutex
	streams map[string]stream.Config

	SaveError error
}

// NewMockStreamStore creates an empty mock stream store
func NewMockStreamStore() *MockStreamStore {
	return &MockStreamStore{streams: make(map[string]stream.Config)}
}

func (m *MockStreamStore) ListStreams(ctx context.Context) ([]stream.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]stream.Config, 0, len(m.streams))
	for _, cfg := range m.streams {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStreamStore) SaveStream(ctx context.Context, cfg stream.Config) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[cfg.ID] = cfg
	return nil
}

func (m *MockStreamStore) DeleteStream(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[id]
	delete(m.streams, id)
	return ok, nil
}

// MockDetectionRepository records emitted events in order
type MockDetectionRepository struct {
	mu     sync.RWMutex
	events []sink.Event

	EmitError error
}

// NewMockDetectionRepository creates an empty mock detection repository
func NewMockDetectionRepository() *MockDetectionRepository {
	return &MockDetectionRepository{}
}

func (m *MockDetectionRepository) Emit(ctx context.Context, e sink.Event) error {
	if m.EmitError != nil {
		return m.EmitError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MockDetectionRepository) ListDetections(ctx context.Context, q database.DetectionQuery) ([]sink.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []sink.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		switch {
		case q.StreamID != "" && e.StreamID != q.StreamID,
			q.PersonID != "" && (e.PersonID == nil || *e.PersonID != q.PersonID),
			q.AlertsOnly && !e.Alert,
			!q.Since.IsZero() && !e.DetectedAt.After(q.Since):
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MockDetectionRepository) DetectionStats(ctx context.Context) (database.DetectionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s database.DetectionStats
	streams := make(map[string]struct{})
	for _, e := range m.events {
		at := e.DetectedAt
		s.Total++
		if e.Matched() {
			s.Matched++
		}
		if e.Alert {
			s.Alerts++
		}
		streams[e.StreamID] = struct{}{}
		if s.FirstSeen == nil || at.Before(*s.FirstSeen) {
			s.FirstSeen = &at
		}
		if s.LastSeen == nil || at.After(*s.LastSeen) {
			s.LastSeen = &at
		}
	}
	s.Streams = len(streams)
	return s, nil
}

// Events returns every emitted event in emission order.
func (m *MockDetectionRepository) Events() []sink.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}

func cloneEmbeddings(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i, e := range in {
		out[i] = slices.Clone(e)
	}
	return out
}

var (
	_ database.PersonWriter    = (*MockPersonWriter)(nil)
	_ database.StreamStore     = (*MockStreamStore)(nil)
	_ database.DetectionWriter = (*MockDetectionRepository)(nil)
	_ database.DetectionReader = (*MockDetectionRepository)(nil)
)
