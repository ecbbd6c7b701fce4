// Package matcher compares query embeddings with the gallery.
package matcher

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/kozaktomas/facewatch/internal/gallery"
)

// Result is the outcome of one match. PersonID and PersonName are set only
// when Matched is true. Score is the best similarity observed either way.
type Result struct {
	PersonID   string  `json:"person_id,omitempty"`
	PersonName string  `json:"person_name,omitempty"`
	Score      float64 `json:"score"`
	Matched    bool    `json:"matched"`
	Confidence string  `json:"confidence"`
}

// Gallery is the part of gallery.Index the matcher reads.
type Gallery interface {
	Snapshot() *gallery.Snapshot
	Dim() int
}

// Labeler maps a score to a confidence band name.
type Labeler interface {
	Label(score float64) string
}

// Matcher is safe for concurrent use. It holds no state of its own beyond
// the sources it reads on every call.
type Matcher struct {
	gallery   Gallery
	threshold func() float64
	labels    Labeler
}

// New creates a matcher. threshold is consulted on every Match so runtime
// configuration changes apply to the next call.
func New(g Gallery, threshold func() float64, labels Labeler) *Matcher {
	return &Matcher{gallery: g, threshold: threshold, labels: labels}
}

// Match finds the reference embedding most similar to emb. A person matches
// only when the best similarity is strictly above the threshold. Equal scores
// go to the lexicographically smaller person id.
func (m *Matcher) Match(emb []float32) (Result, error) {
	if dim := m.gallery.Dim(); len(emb) != dim {
		return Result{}, fmt.Errorf("%w: query has %d dimensions, want %d",
			gallery.ErrInvalidEmbeddingDimension, len(emb), dim)
	}
	return m.MatchSnapshot(m.gallery.Snapshot(), emb), nil
}

// MatchSnapshot matches against a specific snapshot. emb must already have
// the gallery dimension.
func (m *Matcher) MatchSnapshot(snap *gallery.Snapshot, emb []float32) Result {
	best, score := bestPerson(snap, emb)

	res := Result{Score: score, Confidence: m.label(score)}
	if best >= 0 && score > m.threshold() {
		p := snap.Person(best)
		res.PersonID = p.ID
		res.PersonName = p.Name
		res.Matched = true
	}
	return res
}

func (m *Matcher) label(score float64) string {
	if m.labels == nil {
		return ""
	}
	return m.labels.Label(score)
}

// bestPerson returns the index of the best scoring person, or -1 for an
// empty gallery. Every reference embedding is compared.
func bestPerson(snap *gallery.Snapshot, emb []float32) (int, float64) {
	best, bestScore := -1, 0.0
	for _, e := range snap.Entries() {
		s := CosineSimilarity(emb, e.Embedding)
		// Persons are sorted by id, so the smaller index wins ties.
		if best < 0 || s > bestScore || (s == bestScore && e.Person < best) {
			best, bestScore = e.Person, s
		}
	}
	return best, bestScore
}

// Search ranks every person whose best reference embedding scores strictly
// above the threshold, highest first. Ties keep id order. With a positive
// limit and a snapshot large enough for the HNSW shortlist, only shortlisted
// references are scored, so the ranking is approximate.
func (m *Matcher) Search(emb []float32, limit int) ([]Result, error) {
	if dim := m.gallery.Dim(); len(emb) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d",
			gallery.ErrInvalidEmbeddingDimension, len(emb), dim)
	}
	snap := m.gallery.Snapshot()
	threshold := m.threshold()
	entries := snap.Entries()

	scores := make([]float64, snap.Len())
	seen := make([]bool, snap.Len())
	score := func(e gallery.Entry) {
		s := CosineSimilarity(emb, e.Embedding)
		if !seen[e.Person] || s > scores[e.Person] {
			scores[e.Person], seen[e.Person] = s, true
		}
	}

	shortlist, ok := []int(nil), false
	if limit > 0 {
		shortlist, ok = snap.Shortlist(emb)
	}
	if ok {
		for _, i := range shortlist {
			score(entries[i])
		}
	} else {
		for _, e := range entries {
			score(e)
		}
	}

	var out []Result
	for i, s := range scores {
		if !seen[i] || s <= threshold {
			continue
		}
		p := snap.Person(i)
		out = append(out, Result{PersonID: p.ID, PersonName: p.Name, Score: s, Matched: true, Confidence: m.label(s)})
	}
	slices.SortStableFunc(out, func(a, b Result) int { return cmp.Compare(b.Score, a.Score) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
