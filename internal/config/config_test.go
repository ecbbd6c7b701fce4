package config

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"SIMILARITY_THRESHOLD", "QUALITY_THRESHOLD", "FRAME_QUEUE_CAPACITY",
		"WORKER_POOL_SIZE", "SUPPRESSION_WINDOW", "EMBEDDING_DIM", "BACKOFF_MAX",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Tunables.SimilarityThreshold != 0.6 {
		t.Errorf("expected similarity threshold 0.6, got %f", cfg.Tunables.SimilarityThreshold)
	}
	if cfg.Tunables.QualityThreshold != 0.7 {
		t.Errorf("expected quality threshold 0.7, got %f", cfg.Tunables.QualityThreshold)
	}
	if cfg.Tunables.SuppressionWindow != 5*time.Second {
		t.Errorf("expected 5s suppression window, got %v", cfg.Tunables.SuppressionWindow)
	}
	if cfg.Inference.Dim != 512 {
		t.Errorf("expected embedding dim 512, got %d", cfg.Inference.Dim)
	}
	if cfg.Stream.BackoffMax != 30*time.Second {
		t.Errorf("expected 30s backoff cap, got %v", cfg.Stream.BackoffMax)
	}
	if err := cfg.Tunables.Validate(); err != nil {
		t.Errorf("default tunables should validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SIMILARITY_THRESHOLD", "0.45")
	t.Setenv("WORKER_POOL_SIZE", "12")
	t.Setenv("SUPPRESSION_WINDOW", "750ms")
	t.Setenv("LIVENESS_TIMEOUT", "3")
	t.Setenv("MQTT_TOPIC_PREFIX", "cctv/")
	t.Setenv("WEB_ALLOWED_ORIGINS", "https://ops.example.com, ,https://wall.example.com")

	cfg := Load()

	if cfg.Tunables.SimilarityThreshold != 0.45 {
		t.Errorf("expected 0.45, got %f", cfg.Tunables.SimilarityThreshold)
	}
	if cfg.Tunables.WorkerPoolSize != 12 {
		t.Errorf("expected 12 workers, got %d", cfg.Tunables.WorkerPoolSize)
	}
	if cfg.Tunables.SuppressionWindow != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %v", cfg.Tunables.SuppressionWindow)
	}
	if cfg.Stream.LivenessTimeout != 3*time.Second {
		t.Errorf("expected plain seconds to parse, got %v", cfg.Stream.LivenessTimeout)
	}
	if cfg.MQTT.TopicPrefix != "cctv" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.MQTT.TopicPrefix)
	}
	if len(cfg.Web.AllowedOrigins) != 2 || cfg.Web.AllowedOrigins[1] != "https://wall.example.com" {
		t.Errorf("unexpected allowed origins: %v", cfg.Web.AllowedOrigins)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SIMILARITY_THRESHOLD", "1.5")
	t.Setenv("FRAME_QUEUE_CAPACITY", "-3")
	t.Setenv("SUPPRESSION_WINDOW", "soon")

	cfg := Load()

	if cfg.Tunables.SimilarityThreshold != 0.6 {
		t.Errorf("expected fallback 0.6, got %f", cfg.Tunables.SimilarityThreshold)
	}
	if cfg.Tunables.FrameQueueCapacity != 8 {
		t.Errorf("expected fallback 8, got %d", cfg.Tunables.FrameQueueCapacity)
	}
	if cfg.Tunables.SuppressionWindow != 5*time.Second {
		t.Errorf("expected fallback 5s, got %v", cfg.Tunables.SuppressionWindow)
	}
}

func TestConfidenceLabel(t *testing.T) {
	cfg := Load()

	tests := []struct {
		score float64
		want  string
	}{
		{1.0, "VERY_HIGH"},
		{0.76, "VERY_HIGH"},
		{0.75, "HIGH"},
		{0.7, "HIGH"},
		{0.6, "MEDIUM"},
		{0.5, "LOW"},
		{0.45, "VERY_LOW"},
		{0.0, "VERY_LOW"},
		{-1.0, "VERY_LOW"},
	}

	for _, tt := range tests {
		if got := cfg.Confidence.Label(tt.score); got != tt.want {
			t.Errorf("Label(%.2f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestSettings_Apply(t *testing.T) {
	s, err := NewSettings(Load().Tunables)
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}

	var notified []Tunables
	s.OnChange(func(old, updated Tunables) {
		notified = append(notified, updated)
	})

	threshold := 0.8
	window := "2s"
	updated, err := s.Apply(Patch{SimilarityThreshold: &threshold, SuppressionWindow: &window})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if updated.SimilarityThreshold != 0.8 || s.SimilarityThreshold() != 0.8 {
		t.Errorf("threshold not applied: %+v", updated)
	}
	if s.SuppressionWindow() != 2*time.Second {
		t.Errorf("expected 2s window, got %v", s.SuppressionWindow())
	}
	if len(notified) != 1 {
		t.Fatalf("expected one change notification, got %d", len(notified))
	}
}

func TestSettings_ConcurrentApplyNotifiesInOrder(t *testing.T) {
	s, err := NewSettings(Load().Tunables)
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}

	var (
		mu      sync.Mutex
		applied = s.Get().WorkerPoolSize
		broken  int
	)
	s.OnChange(func(old, updated Tunables) {
		mu.Lock()
		defer mu.Unlock()
		if old.WorkerPoolSize != applied {
			broken++
		}
		applied = updated.WorkerPoolSize
	})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			size := 1 + i%16
			_, _ = s.Apply(Patch{WorkerPoolSize: &size})
		})
	}
	wg.Wait()

	if broken != 0 {
		t.Errorf("%d notifications did not follow the previous update", broken)
	}
	if got := s.WorkerPoolSize(); got != applied {
		t.Errorf("stored worker pool size %d, last notified %d", got, applied)
	}
}

func TestSettings_ApplyRejectsInvalid(t *testing.T) {
	s, err := NewSettings(Load().Tunables)
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	before := s.Get()

	tests := []struct {
		name  string
		patch Patch
	}{
		{"quality above one", Patch{QualityThreshold: ptr(1.2)}},
		{"zero workers", Patch{WorkerPoolSize: ptr(0)}},
		{"huge queue", Patch{FrameQueueCapacity: ptr(1 << 20)}},
		{"bad duration", Patch{SuppressionWindow: ptr("forever")}},
		{"negative duration", Patch{SuppressionWindow: ptr("-1s")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Apply(tt.patch)
			if !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("expected ErrInvalidSettings, got %v", err)
			}
			if s.Get() != before {
				t.Errorf("settings changed after rejected patch")
			}
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}
