// Package mock provides a scriptable inference backend for tests and demo runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/facewatch/internal/frame"
	"github.com/kozaktomas/facewatch/internal/inference"
)

// Backend returns scripted faces per stream id.
type Backend struct {
	mu      sync.Mutex
	faces   map[string][]inference.FaceCandidate
	detects int
	embeds  []inference.FaceCandidate

	// Error injection
	DetectError error
	EmbedError  error

	// DetectDelay simulates model latency; it honours ctx cancellation.
	DetectDelay time.Duration

	// OnDetect, when set, runs at the start of every Detect call.
	OnDetect func(f frame.Frame)

	// Registration is returned by BestFace; nil means no face was found.
	Registration *inference.RegistrationFace
}

// New creates an empty backend that detects nothing.
func New() *Backend {
	return &Backend{faces: make(map[string][]inference.FaceCandidate)}
}

// SetFaces scripts the candidates returned for every frame of a stream.
func (b *Backend) SetFaces(streamID string, faces ...inference.FaceCandidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faces[streamID] = faces
}

func (b *Backend) Detect(ctx context.Context, f frame.Frame) ([]inference.FaceCandidate, error) {
	if b.OnDetect != nil {
		b.OnDetect(f)
	}
	if b.DetectDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.DetectDelay):
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.detects++
	if b.DetectError != nil {
		return nil, b.DetectError
	}
	scripted := b.faces[f.StreamID]
	out := make([]inference.FaceCandidate, len(scripted))
	copy(out, scripted)
	return out, nil
}

func (b *Backend) Embed(ctx context.Context, f frame.Frame, c inference.FaceCandidate) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.embeds = append(b.embeds, c)
	if b.EmbedError != nil {
		return nil, fmt.Errorf("%w: %w", inference.ErrEmbeddingFailure, b.EmbedError)
	}
	if len(c.Embedding) == 0 {
		return nil, fmt.Errorf("%w: candidate has no scripted embedding", inference.ErrEmbeddingFailure)
	}
	return c.Embedding, nil
}

// DetectCalls returns how many frames were passed to Detect.
func (b *Backend) DetectCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detects
}

// EmbedCalls returns the candidates passed to Embed, in call order.
func (b *Backend) EmbedCalls() []inference.FaceCandidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]inference.FaceCandidate, len(b.embeds))
	copy(out, b.embeds)
	return out
}

// BestFace returns the scripted registration face.
func (b *Backend) BestFace(ctx context.Context, imageData []byte) (*inference.RegistrationFace, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DetectError != nil {
		return nil, b.DetectError
	}
	if b.Registration == nil {
		return nil, inference.ErrNoFace
	}
	r := *b.Registration
	return &r, nil
}
