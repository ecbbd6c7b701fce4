package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/facewatch/internal/constants"
)

// ErrInvalidSettings is returned when a settings update fails validation.
var ErrInvalidSettings = errors.New("invalid settings")

// Tunables are the settings that can change while the system is running.
type Tunables struct {
	SimilarityThreshold float64       `json:"similarity_threshold"`
	QualityThreshold    float64       `json:"quality_threshold"`
	FrameQueueCapacity  int           `json:"frame_queue_capacity"`
	WorkerPoolSize      int           `json:"worker_pool_size"`
	SuppressionWindow   time.Duration `json:"-"`
}

// Validate checks that every tunable is within its allowed range.
func (t Tunables) Validate() error {
	switch {
	case t.SimilarityThreshold < -1 || t.SimilarityThreshold > 1:
		return fmt.Errorf("%w: similarity threshold %.3f outside [-1, 1]", ErrInvalidSettings, t.SimilarityThreshold)
	case t.QualityThreshold < 0 || t.QualityThreshold > 1:
		return fmt.Errorf("%w: quality threshold %.3f outside [0, 1]", ErrInvalidSettings, t.QualityThreshold)
	case t.FrameQueueCapacity < 1 || t.FrameQueueCapacity > constants.MaxFrameQueueCapacity:
		return fmt.Errorf("%w: frame queue capacity %d outside [1, %d]", ErrInvalidSettings, t.FrameQueueCapacity, constants.MaxFrameQueueCapacity)
	case t.WorkerPoolSize < 1 || t.WorkerPoolSize > constants.MaxWorkerPoolSize:
		return fmt.Errorf("%w: worker pool size %d outside [1, %d]", ErrInvalidSettings, t.WorkerPoolSize, constants.MaxWorkerPoolSize)
	case t.SuppressionWindow < 0:
		return fmt.Errorf("%w: negative suppression window", ErrInvalidSettings)
	}
	return nil
}

// Patch is a partial update of Tunables. Nil fields are left unchanged.
type Patch struct {
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	QualityThreshold    *float64 `json:"quality_threshold,omitempty"`
	FrameQueueCapacity  *int     `json:"frame_queue_capacity,omitempty"`
	WorkerPoolSize      *int     `json:"worker_pool_size,omitempty"`
	SuppressionWindow   *string  `json:"suppression_window,omitempty"` // Go duration, e.g. "5s"
}

// Settings holds the live Tunables shared by the pipeline components.
type Settings struct {
	applyMu   sync.Mutex // orders store and notify across concurrent Apply calls
	mu        sync.RWMutex
	values    Tunables
	listeners []func(old, updated Tunables)
}

// NewSettings validates the initial values and returns a Settings holder.
func NewSettings(initial Tunables) (*Settings, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Settings{values: initial}, nil
}

// Get returns a copy of the current values.
func (s *Settings) Get() Tunables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

func (s *Settings) SimilarityThreshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.SimilarityThreshold
}

func (s *Settings) QualityThreshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.QualityThreshold
}

func (s *Settings) FrameQueueCapacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.FrameQueueCapacity
}

func (s *Settings) WorkerPoolSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.WorkerPoolSize
}

func (s *Settings) SuppressionWindow() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.SuppressionWindow
}

// OnChange registers a callback invoked after every successful Apply.
// Callbacks run outside the read lock, one Apply at a time and in the order
// updates were stored. They must not call Apply.
func (s *Settings) OnChange(fn func(old, updated Tunables)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Apply validates and stores a partial update, then notifies listeners.
// On validation failure nothing changes.
func (s *Settings) Apply(p Patch) (Tunables, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	old := s.values
	next := old
	if p.SimilarityThreshold != nil {
		next.SimilarityThreshold = *p.SimilarityThreshold
	}
	if p.QualityThreshold != nil {
		next.QualityThreshold = *p.QualityThreshold
	}
	if p.FrameQueueCapacity != nil {
		next.FrameQueueCapacity = *p.FrameQueueCapacity
	}
	if p.WorkerPoolSize != nil {
		next.WorkerPoolSize = *p.WorkerPoolSize
	}
	if p.SuppressionWindow != nil {
		d, err := time.ParseDuration(*p.SuppressionWindow)
		if err != nil {
			s.mu.Unlock()
			return old, fmt.Errorf("%w: suppression window: %w", ErrInvalidSettings, err)
		}
		next.SuppressionWindow = d
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return old, err
	}
	s.values = next
	listeners := append([]func(old, updated Tunables){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(old, next)
	}
	return next, nil
}
