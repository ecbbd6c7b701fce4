package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/matcher"
)

// UpsertPerson registers or replaces a person. When persistence fails the
// gallery is rolled back so memory and storage agree.
func (m *Monitor) UpsertPerson(ctx context.Context, p gallery.Person) (gallery.Person, error) {
	m.personsMu.Lock()
	defer m.personsMu.Unlock()

	prev, existed := m.gallery.Get(p.ID)
	if err := m.gallery.Upsert(p); err != nil {
		return gallery.Person{}, err
	}
	stored, _ := m.gallery.Get(strings.TrimSpace(p.ID))

	if m.persons != nil {
		if err := m.persons.SavePerson(ctx, stored); err != nil {
			if existed {
				_ = m.gallery.Upsert(prev)
			} else {
				m.gallery.Remove(stored.ID)
			}
			return gallery.Person{}, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	log.Info().
		Str("person_id", stored.ID).
		Str("person_name", stored.Name).
		Int("embeddings", len(stored.Embeddings)).
		Msg("Person registered")
	return stored, nil
}

// RemovePerson deletes a person from the gallery and storage.
func (m *Monitor) RemovePerson(ctx context.Context, id string) error {
	m.personsMu.Lock()
	defer m.personsMu.Unlock()

	if !m.gallery.Remove(id) {
		return fmt.Errorf("%w: %s", ErrPersonNotFound, id)
	}
	if m.persons != nil {
		if _, err := m.persons.DeletePerson(ctx, id); err != nil {
			log.Error().Err(err).Str("person_id", id).Msg("Failed to delete persisted person")
		}
	}
	log.Info().Str("person_id", id).Msg("Person removed")
	return nil
}

// ListPersons returns the current gallery ordered by id.
func (m *Monitor) ListPersons() []gallery.Person {
	return m.gallery.Snapshot().Persons()
}

func (m *Monitor) GetPerson(id string) (gallery.Person, error) {
	p, ok := m.gallery.Get(id)
	if !ok {
		return gallery.Person{}, fmt.Errorf("%w: %s", ErrPersonNotFound, id)
	}
	return p, nil
}

// Registration is a person registered from a photo.
type Registration struct {
	ID       string
	Name     string
	Metadata gallery.Metadata
	Image    []byte
}

// RegisterFromImage embeds the best face in the image and registers it,
// replacing any previous embeddings of the same id. Faces below the quality
// threshold are rejected with inference.ErrLowQuality.
func (m *Monitor) RegisterFromImage(ctx context.Context, r Registration) (gallery.Person, error) {
	face, err := m.bestFace(ctx, r.Image)
	if err != nil {
		return gallery.Person{}, err
	}
	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return m.UpsertPerson(ctx, gallery.Person{
		ID:           id,
		Name:         r.Name,
		Embeddings:   [][]float32{face.Embedding},
		Metadata:     r.Metadata,
		RegisteredAt: time.Now().UTC(),
	})
}

// Search ranks registered persons against the best face in an image.
func (m *Monitor) Search(ctx context.Context, image []byte, limit int) ([]matcher.Result, error) {
	face, err := m.bestFace(ctx, image)
	if err != nil {
		return nil, err
	}
	return m.matcher.Search(face.Embedding, limit)
}

func (m *Monitor) bestFace(ctx context.Context, image []byte) (*inference.RegistrationFace, error) {
	if m.registrar == nil {
		return nil, ErrNoRegistrar
	}
	face, err := m.registrar.BestFace(ctx, image)
	if err != nil {
		return nil, err
	}
	if t := m.settings.QualityThreshold(); face.Quality < t {
		return nil, fmt.Errorf("%w: %.3f < %.3f", inference.ErrLowQuality, face.Quality, t)
	}
	if len(face.Embedding) != m.gallery.Dim() {
		return nil, fmt.Errorf("%w: face has %d dimensions, want %d",
			gallery.ErrInvalidEmbeddingDimension, len(face.Embedding), m.gallery.Dim())
	}
	return face, nil
}
