package gallery

import (
	"sync"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/facewatch/internal/constants"
)

// Entry is one reference embedding together with the position of its owner
// in Snapshot.Persons.
type Entry struct {
	Person    int
	Embedding []float32
}

// Snapshot is an immutable view of the gallery. Persons are sorted by id.
// Callers must not modify returned slices.
type Snapshot struct {
	Version uint64

	persons []Person
	byID    map[string]int
	entries []Entry

	hnswMin   int
	graphOnce sync.Once
	graph     *hnsw.Graph[int]
}

func newSnapshot(version uint64, persons []Person, hnswMin int) *Snapshot {
	s := &Snapshot{
		Version: version,
		persons: persons,
		byID:    make(map[string]int, len(persons)),
		hnswMin: hnswMin,
	}
	for i, p := range persons {
		s.byID[p.ID] = i
		for _, e := range p.Embeddings {
			s.entries = append(s.entries, Entry{Person: i, Embedding: e})
		}
	}
	return s
}

// Len returns the number of persons.
func (s *Snapshot) Len() int { return len(s.persons) }

// Persons returns all persons sorted by id.
func (s *Snapshot) Persons() []Person { return s.persons }

// Entries returns every reference embedding in person order.
func (s *Snapshot) Entries() []Entry { return s.entries }

// Person returns the person at position i of Persons.
func (s *Snapshot) Person(i int) Person { return s.persons[i] }

// Get looks a person up by id.
func (s *Snapshot) Get(id string) (Person, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Person{}, false
	}
	return s.persons[i], true
}

// Shortlist returns entry indices close to query using an HNSW graph built on
// first use. ok is false when the snapshot is small enough for an exact scan
// or the accelerator is disabled.
func (s *Snapshot) Shortlist(query []float32) (entries []int, ok bool) {
	if s.hnswMin <= 0 || len(s.entries) <= s.hnswMin {
		return nil, false
	}
	s.graphOnce.Do(s.buildGraph)
	if s.graph == nil || s.graph.Len() == 0 {
		return nil, false
	}

	neighbors := s.graph.Search(query, constants.HNSWShortlistSize)
	entries = make([]int, 0, len(neighbors))
	for _, n := range neighbors {
		entries = append(entries, n.Key)
	}
	return entries, true
}

func (s *Snapshot) buildGraph() {
	g := hnsw.NewGraph[int]()
	g.M = constants.HNSWMaxNeighbors
	g.Ml = 1.0 / float64(constants.HNSWMaxNeighbors)
	g.Distance = hnsw.CosineDistance

	for i, e := range s.entries {
		if isZero(e.Embedding) {
			continue
		}
		g.Add(hnsw.MakeNode(i, e.Embedding))
	}
	s.graph = g
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
