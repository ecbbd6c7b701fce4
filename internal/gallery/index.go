// Package gallery holds the registered missing persons and their reference
// embeddings. Readers work on immutable snapshots; writers publish a new
// snapshot with an atomic swap.
package gallery

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidEmbeddingDimension = errors.New("invalid embedding dimension")
	ErrNoEmbeddings              = errors.New("person has no reference embeddings")
	ErrEmptyPersonID             = errors.New("person id is empty")
)

// Metadata is registration information shown to operators. The matching core
// never reads it.
type Metadata struct {
	Age              int        `json:"age,omitempty"`
	LastSeenLocation string     `json:"last_seen_location,omitempty"`
	LastSeenTime     *time.Time `json:"last_seen_time,omitempty"`
	Description      string     `json:"description,omitempty"`
	ContactInfo      string     `json:"contact_info,omitempty"`
	Notes            string     `json:"additional_notes,omitempty"`
}

// Person is a registered identity with one or more reference embeddings.
type Person struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	NormalizedName string      `json:"normalized_name"`
	Embeddings     [][]float32 `json:"-"`
	Metadata       Metadata    `json:"metadata"`
	RegisteredAt   time.Time   `json:"registered_at"`
}

// Index is the live gallery. The zero value is not usable; call New.
type Index struct {
	dim      int
	hnswMin  int
	mu       sync.Mutex // serializes writers
	snap     atomic.Pointer[Snapshot]
	onChange []func(*Snapshot)
}

// Option configures an Index.
type Option func(*Index)

// WithShortlist enables the HNSW accelerator for snapshots holding more than
// minEntries reference embeddings. Zero disables it.
func WithShortlist(minEntries int) Option {
	return func(idx *Index) {
		idx.hnswMin = minEntries
	}
}

// New creates an empty gallery for embeddings of length dim.
func New(dim int, opts ...Option) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidEmbeddingDimension, dim)
	}
	idx := &Index{dim: dim}
	for _, opt := range opts {
		opt(idx)
	}
	idx.snap.Store(newSnapshot(0, nil, idx.hnswMin))
	return idx, nil
}

// Dim returns the system-wide embedding dimension.
func (idx *Index) Dim() int { return idx.dim }

// Snapshot returns the current immutable view. It never blocks.
func (idx *Index) Snapshot() *Snapshot { return idx.snap.Load() }

// Len returns the number of persons in the current snapshot.
func (idx *Index) Len() int { return idx.Snapshot().Len() }

// Get looks up a person in the current snapshot.
func (idx *Index) Get(id string) (Person, bool) { return idx.Snapshot().Get(id) }

// OnChange registers fn to run after each published write. Callbacks run on
// the writer's goroutine while the write lock is held, so they must be quick.
func (idx *Index) OnChange(fn func(*Snapshot)) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.onChange = append(idx.onChange, fn)
}

// Upsert adds p or replaces the person with the same id wholesale.
func (idx *Index) Upsert(p Person) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return ErrEmptyPersonID
	}
	if len(p.Embeddings) == 0 {
		return fmt.Errorf("%s: %w", p.ID, ErrNoEmbeddings)
	}
	embs := make([][]float32, len(p.Embeddings))
	for i, e := range p.Embeddings {
		if len(e) != idx.dim {
			return fmt.Errorf("%w: person %s embedding %d has %d dimensions, want %d",
				ErrInvalidEmbeddingDimension, p.ID, i, len(e), idx.dim)
		}
		embs[i] = slices.Clone(e)
	}
	p.Embeddings = embs
	p.NormalizedName = NormalizeName(p.Name)
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now().UTC()
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	persons := make([]Person, 0, len(cur.persons)+1)
	persons = append(persons, cur.persons...)
	if i, ok := cur.byID[p.ID]; ok {
		persons[i] = p
	} else {
		persons = append(persons, p)
		slices.SortFunc(persons, func(a, b Person) int { return strings.Compare(a.ID, b.ID) })
	}
	idx.publish(newSnapshot(cur.Version+1, persons, idx.hnswMin))
	return nil
}

// Remove deletes a person. It reports whether the person existed.
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	i, ok := cur.byID[id]
	if !ok {
		return false
	}
	persons := make([]Person, 0, len(cur.persons)-1)
	persons = append(persons, cur.persons[:i]...)
	persons = append(persons, cur.persons[i+1:]...)
	idx.publish(newSnapshot(cur.Version+1, persons, idx.hnswMin))
	return true
}

// Replace swaps the whole gallery in one publish, used when restoring from storage.
func (idx *Index) Replace(persons []Person) error {
	next, err := New(idx.dim, WithShortlist(idx.hnswMin))
	if err != nil {
		return err
	}
	for _, p := range persons {
		if err := next.Upsert(p); err != nil {
			return err
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	built := next.Snapshot()
	idx.publish(newSnapshot(idx.snap.Load().Version+1, built.persons, idx.hnswMin))
	return nil
}

func (idx *Index) publish(s *Snapshot) {
	idx.snap.Store(s)
	for _, fn := range idx.onChange {
		fn(s)
	}
}
