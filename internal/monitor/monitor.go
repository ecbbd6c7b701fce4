// Package monitor composes streams, the detection pipeline, the gallery and
// the sinks into one system and is the single entry point used by the HTTP
// API and the CLI.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/frame"
	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/matcher"
	"github.com/kozaktomas/facewatch/internal/metrics"
	"github.com/kozaktomas/facewatch/internal/pipeline"
	"github.com/kozaktomas/facewatch/internal/sink"
	"github.com/kozaktomas/facewatch/internal/stream"
)

var (
	ErrPersonNotFound = errors.New("person not found")
	ErrNoRegistrar    = errors.New("image registration not available")
	ErrPersistence    = errors.New("persistence failed")
)

// Registrar extracts the registration embedding from a still image.
type Registrar interface {
	BestFace(ctx context.Context, image []byte) (*inference.RegistrationFace, error)
}

// Deps are the external collaborators. Only Backend and Sources are required.
type Deps struct {
	Backend   inference.Backend
	Registrar Registrar
	Sources   stream.SourceFactory

	// Optional persistence. Nil disables it.
	Persons database.PersonWriter
	Streams database.StreamStore

	// Extra sinks after the in-memory store and metrics, e.g. MQTT or Postgres.
	Sinks []sink.Sink
	MQTT  *sink.MQTTPublisher
}

// Monitor is the running system.
type Monitor struct {
	cfg      *config.Config
	settings *config.Settings
	gallery  *gallery.Index
	matcher  *matcher.Matcher
	store    *sink.Store
	mux      *frame.Mux
	pipeline *pipeline.Pipeline
	manager  *stream.Manager
	metrics  *metrics.Metrics

	registrar Registrar
	persons   database.PersonWriter
	streams   database.StreamStore
	mqtt      *sink.MQTTPublisher

	// personsMu serializes person writes across gallery and storage.
	personsMu sync.Mutex

	startedAt time.Time
}

// New wires every component. Streams live until ctx ends or Close is called.
// Invalid tunables or an invalid embedding dimension are fatal.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Monitor, error) {
	if deps.Backend == nil || deps.Sources == nil {
		return nil, errors.New("monitor requires an inference backend and a source factory")
	}
	settings, err := config.NewSettings(cfg.Tunables)
	if err != nil {
		return nil, err
	}
	g, err := gallery.New(cfg.Inference.Dim, gallery.WithShortlist(cfg.Gallery.HNSWMinGallery))
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:       cfg,
		settings:  settings,
		gallery:   g,
		matcher:   matcher.New(g, settings.SimilarityThreshold, cfg.Confidence),
		store:     sink.NewStore(cfg.Detections.History),
		mux:       frame.NewMux(),
		registrar: deps.Registrar,
		persons:   deps.Persons,
		streams:   deps.Streams,
		mqtt:      deps.MQTT,
		startedAt: time.Now(),
	}
	m.metrics = metrics.New(metrics.Sources{
		Pipeline: func() pipeline.Stats { return m.pipeline.Stats() },
		Streams:  func() []stream.State { return m.manager.List() },
		Gallery:  g.Len,
	})

	sinks := append([]sink.Sink{m.store, m.metrics}, deps.Sinks...)
	gate := inference.NewQualityGate(deps.Backend, settings.QualityThreshold)
	m.pipeline = pipeline.New(m.mux, deps.Backend, gate, m.matcher, sink.NewFanout(sinks...), settings.SuppressionWindow)
	m.pipeline.OnFrame = m.metrics.ObserveFrame

	m.manager = stream.NewManager(ctx, deps.Sources, stream.Options{
		BackoffInitial:  cfg.Stream.BackoffInitial,
		BackoffMax:      cfg.Stream.BackoffMax,
		MaxAttempts:     cfg.Stream.MaxAttempts,
		LivenessTimeout: cfg.Stream.LivenessTimeout,
		FailureTimeout:  cfg.Stream.FailureTimeout,
		Observer:        m.metrics.ObserveTransition,
	}, settings.FrameQueueCapacity)
	m.manager.OnAdd(func(id string, q *frame.Queue) {
		if err := m.mux.Attach(id, q); err != nil {
			log.Error().Err(err).Str("stream_id", id).Msg("Failed to attach stream queue")
		}
	})
	m.manager.OnRemove(func(id string) {
		m.mux.Detach(id)
		m.pipeline.Suppressor().Forget(id)
		m.metrics.Forget(id)
	})

	settings.OnChange(m.applyTunables)
	return m, nil
}

// Start restores persisted persons and streams, adds the bootstrap streams
// and starts the worker pool.
func (m *Monitor) Start(ctx context.Context, bootstrap []stream.Config) error {
	if err := m.restorePersons(ctx); err != nil {
		return err
	}

	var configs []stream.Config
	if m.streams != nil {
		stored, err := m.streams.ListStreams(ctx)
		if err != nil {
			return fmt.Errorf("loading streams: %w", err)
		}
		configs = append(configs, stored...)
	}
	configs = append(configs, bootstrap...)
	for _, cfg := range configs {
		if _, err := m.manager.Add(cfg); err != nil {
			if errors.Is(err, stream.ErrDuplicateStreamID) {
				log.Debug().Str("stream_id", cfg.ID).Msg("Skipping already restored stream")
				continue
			}
			log.Warn().Err(err).Str("stream_id", cfg.ID).Msg("Skipping invalid stream config")
		}
	}

	m.pipeline.Start(ctx, m.settings.WorkerPoolSize())
	log.Info().
		Int("streams", m.manager.Len()).
		Int("persons", m.gallery.Len()).
		Int("workers", m.pipeline.Workers()).
		Msg("Monitor started")
	return nil
}

func (m *Monitor) restorePersons(ctx context.Context) error {
	if m.persons == nil {
		return nil
	}
	stored, err := m.persons.ListPersons(ctx)
	if err != nil {
		return fmt.Errorf("loading persons: %w", err)
	}

	valid := stored[:0]
	for _, p := range stored {
		if err := m.checkDimensions(p); err != nil {
			log.Warn().Err(err).Str("person_id", p.ID).Msg("Skipping stored person")
			continue
		}
		valid = append(valid, p)
	}
	if err := m.gallery.Replace(valid); err != nil {
		return fmt.Errorf("restoring gallery: %w", err)
	}
	return nil
}

func (m *Monitor) checkDimensions(p gallery.Person) error {
	if len(p.Embeddings) == 0 {
		return gallery.ErrNoEmbeddings
	}
	for _, e := range p.Embeddings {
		if len(e) != m.gallery.Dim() {
			return fmt.Errorf("%w: %d dimensions, want %d", gallery.ErrInvalidEmbeddingDimension, len(e), m.gallery.Dim())
		}
	}
	return nil
}

// Close stops every stream and drains the pipeline.
func (m *Monitor) Close() {
	m.manager.StopAll()
	m.pipeline.Stop()
}

// applyTunables pushes settings that are not read on every use.
func (m *Monitor) applyTunables(old, updated config.Tunables) {
	if old.FrameQueueCapacity != updated.FrameQueueCapacity {
		m.manager.SetQueueCapacity(updated.FrameQueueCapacity)
	}
	if old.WorkerPoolSize != updated.WorkerPoolSize {
		if err := m.pipeline.Resize(updated.WorkerPoolSize); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
			log.Error().Err(err).Msg("Failed to resize worker pool")
		}
	}
	log.Info().
		Float64("similarity_threshold", updated.SimilarityThreshold).
		Float64("quality_threshold", updated.QualityThreshold).
		Int("frame_queue_capacity", updated.FrameQueueCapacity).
		Int("worker_pool_size", updated.WorkerPoolSize).
		Dur("suppression_window", updated.SuppressionWindow).
		Msg("Runtime settings updated")
}

// Settings returns the current runtime settings.
func (m *Monitor) Settings() config.Tunables {
	return m.settings.Get()
}

// UpdateSettings validates and applies a patch without restarting anything.
func (m *Monitor) UpdateSettings(p config.Patch) (config.Tunables, error) {
	return m.settings.Apply(p)
}

// Store exposes detection history and subscriptions.
func (m *Monitor) Store() *sink.Store { return m.store }

// Metrics exposes the Prometheus registry.
func (m *Monitor) Metrics() *metrics.Metrics { return m.metrics }

// Pipeline exposes the worker pool.
func (m *Monitor) Pipeline() *pipeline.Pipeline { return m.pipeline }
