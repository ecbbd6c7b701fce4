package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/kozaktomas/facewatch/internal/frame"
)

type countingExtractor struct {
	calls int
}

func (c *countingExtractor) Embed(ctx context.Context, f frame.Frame, fc FaceCandidate) ([]float32, error) {
	c.calls++
	return []float32{1, 0}, nil
}

func TestQualityGate(t *testing.T) {
	tests := []struct {
		name      string
		quality   float64
		threshold float64
		wantLow   bool
	}{
		{"below threshold", 0.69, 0.7, true},
		{"equal passes", 0.7, 0.7, false},
		{"above threshold", 0.95, 0.7, false},
		{"zero quality", 0, 0.7, true},
		{"zero threshold lets all in", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &countingExtractor{}
			gate := NewQualityGate(inner, func() float64 { return tt.threshold })

			_, err := gate.Embed(context.Background(), frame.Frame{}, FaceCandidate{Quality: tt.quality})

			if tt.wantLow {
				if !errors.Is(err, ErrLowQuality) {
					t.Errorf("expected ErrLowQuality, got %v", err)
				}
				if inner.calls != 0 {
					t.Errorf("extractor must not run for low quality faces, ran %d times", inner.calls)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if inner.calls != 1 {
				t.Errorf("expected extractor to run once, ran %d times", inner.calls)
			}
		})
	}
}

func TestQualityGate_ReadsThresholdEachCall(t *testing.T) {
	threshold := 0.9
	gate := NewQualityGate(&countingExtractor{}, func() float64 { return threshold })
	candidate := FaceCandidate{Quality: 0.8}

	if _, err := gate.Embed(context.Background(), frame.Frame{}, candidate); !errors.Is(err, ErrLowQuality) {
		t.Fatalf("expected low quality at 0.9, got %v", err)
	}
	threshold = 0.5
	if _, err := gate.Embed(context.Background(), frame.Frame{}, candidate); err != nil {
		t.Errorf("expected pass after lowering threshold, got %v", err)
	}
}

func TestBBoxFromCorners(t *testing.T) {
	tests := []struct {
		name   string
		in     []float64
		want   BBox
		wantOK bool
	}{
		{"valid", []float64{10, 20, 110, 170}, BBox{X: 10, Y: 20, W: 100, H: 150}, true},
		{"too short", []float64{1, 2, 3}, BBox{}, false},
		{"inverted", []float64{50, 50, 10, 10}, BBox{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := BBoxFromCorners(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("BBoxFromCorners(%v) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"short", []byte{0xFF, 0xD8}, "application/octet-stream"},
		{"unknown", []byte("hello world"), "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMIMEType(tt.data); got != tt.want {
				t.Errorf("detectMIMEType() = %s, want %s", got, tt.want)
			}
		})
	}
}
