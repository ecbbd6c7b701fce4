// Package inference defines the face detection and embedding capability the
// pipeline depends on, together with adapters for concrete model servers.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/facewatch/internal/frame"
)

var (
	// ErrLowQuality marks a candidate below the quality threshold. It is not an error condition for callers.
	ErrLowQuality = errors.New("face quality below threshold")
	// ErrEmbeddingFailure wraps model-side faults while computing an embedding.
	ErrEmbeddingFailure = errors.New("embedding failure")
	// ErrNoFace is returned when an image used for registration contains no face.
	ErrNoFace = errors.New("no face detected")
)

// BBox is a face bounding box in source-frame pixel coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// BBoxFromCorners converts [x1, y1, x2, y2] into a BBox.
func BBoxFromCorners(c []float64) (BBox, bool) {
	if len(c) < 4 || c[2] < c[0] || c[3] < c[1] {
		return BBox{}, false
	}
	return BBox{X: c[0], Y: c[1], W: c[2] - c[0], H: c[3] - c[1]}, true
}

// FaceCandidate is one detected face. Embedding is set by backends that
// compute it together with detection.
type FaceCandidate struct {
	BBox      BBox
	Quality   float64
	Embedding []float32
}

// Detector finds faces in a frame. An empty result is not an error.
type Detector interface {
	Detect(ctx context.Context, f frame.Frame) ([]FaceCandidate, error)
}

// Extractor computes the identity embedding for one candidate.
type Extractor interface {
	Embed(ctx context.Context, f frame.Frame, c FaceCandidate) ([]float32, error)
}

// Backend provides both halves of the capability.
type Backend interface {
	Detector
	Extractor
}

// QualityGate skips embedding for candidates below the current quality threshold.
type QualityGate struct {
	next      Extractor
	threshold func() float64
}

// NewQualityGate wraps next. threshold is read on every call so runtime
// changes apply immediately.
func NewQualityGate(next Extractor, threshold func() float64) *QualityGate {
	return &QualityGate{next: next, threshold: threshold}
}

func (g *QualityGate) Embed(ctx context.Context, f frame.Frame, c FaceCandidate) ([]float32, error) {
	if t := g.threshold(); c.Quality < t {
		return nil, fmt.Errorf("%w: %.3f < %.3f", ErrLowQuality, c.Quality, t)
	}
	return g.next.Embed(ctx, f, c)
}
