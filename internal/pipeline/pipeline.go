// Package pipeline runs the shared worker pool that turns frames into
// detection events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/constants"
	"github.com/kozaktomas/facewatch/internal/frame"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/matcher"
	"github.com/kozaktomas/facewatch/internal/sink"
)

var ErrNotRunning = errors.New("pipeline not running")

// Matcher is the identity lookup used by workers.
type Matcher interface {
	Match(emb []float32) (matcher.Result, error)
}

// FrameResult summarizes one processed frame for observers.
type FrameResult struct {
	StreamID string
	Faces    int
	Events   int
	Duration time.Duration
	Err      error
}

// Stats are lifetime counters plus the current pool size.
type Stats struct {
	Workers           int    `json:"workers"`
	Busy              int64  `json:"busy"`
	FramesProcessed   uint64 `json:"frames_processed"`
	DetectErrors      uint64 `json:"detect_errors"`
	Faces             uint64 `json:"faces"`
	LowQuality        uint64 `json:"low_quality"`
	EmbeddingFailures uint64 `json:"embedding_failures"`
	Detections        uint64 `json:"detections"`
	Matched           uint64 `json:"matched"`
	Alerts            uint64 `json:"alerts"`
	SinkErrors        uint64 `json:"sink_errors"`
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pipeline pulls frames from the mux with a fixed-size, resizable pool of
// workers: detect, embed, match, emit.
type Pipeline struct {
	mux       *frame.Mux
	detector  inference.Detector
	extractor inference.Extractor
	matcher   Matcher
	sink      sink.Sink
	suppress  *Suppressor

	// OnFrame, when set before Start, observes every processed frame.
	OnFrame func(FrameResult)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers []*worker
	janitor chan struct{}

	busy              atomic.Int64
	framesProcessed   atomic.Uint64
	detectErrors      atomic.Uint64
	faces             atomic.Uint64
	lowQuality        atomic.Uint64
	embeddingFailures atomic.Uint64
	detections        atomic.Uint64
	matched           atomic.Uint64
	alerts            atomic.Uint64
	sinkErrors        atomic.Uint64
}

// New wires a pipeline. window is read on every match so changes apply
// immediately.
func New(mux *frame.Mux, detector inference.Detector, extractor inference.Extractor, m Matcher, s sink.Sink, window func() time.Duration) *Pipeline {
	return &Pipeline{
		mux:       mux,
		detector:  detector,
		extractor: extractor,
		matcher:   m,
		sink:      s,
		suppress:  NewSuppressor(window),
	}
}

// Suppressor exposes the suppression state, used to forget removed streams.
func (p *Pipeline) Suppressor() *Suppressor { return p.suppress }

// Start launches n workers. Calling Start on a running pipeline only resizes it.
func (p *Pipeline) Start(ctx context.Context, n int) {
	p.mu.Lock()
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.janitor = make(chan struct{})
		go p.pruneLoop(p.ctx, p.janitor)
	}
	p.mu.Unlock()

	if err := p.Resize(n); err != nil {
		log.Error().Err(err).Msg("Failed to start pipeline workers")
	}
}

// Resize grows or shrinks the pool. Removed workers finish the frame they
// hold before exiting.
func (p *Pipeline) Resize(n int) error {
	if n < 1 || n > constants.MaxWorkerPoolSize {
		return fmt.Errorf("worker pool size must be between 1 and %d, got %d", constants.MaxWorkerPoolSize, n)
	}

	p.mu.Lock()
	if p.ctx == nil || p.ctx.Err() != nil {
		p.mu.Unlock()
		return ErrNotRunning
	}
	var retired []*worker
	for len(p.workers) < n {
		wctx, cancel := context.WithCancel(p.ctx)
		w := &worker{cancel: cancel, done: make(chan struct{})}
		p.workers = append(p.workers, w)
		go p.run(p.ctx, wctx, w)
	}
	if len(p.workers) > n {
		retired = append(retired, p.workers[n:]...)
		p.workers = p.workers[:n]
	}
	p.mu.Unlock()

	for _, w := range retired {
		w.cancel()
	}
	for _, w := range retired {
		<-w.done
	}
	log.Info().Int("workers", n).Msg("Detection worker pool sized")
	return nil
}

// Workers returns the current pool size.
func (p *Pipeline) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stop cancels all workers and waits for in-flight frames to drain.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	workers := p.workers
	p.workers = nil
	janitor := p.janitor
	p.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
	<-janitor

	p.mu.Lock()
	p.ctx, p.cancel, p.janitor = nil, nil, nil
	p.mu.Unlock()
	log.Info().Msg("Detection pipeline stopped")
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Workers:           p.Workers(),
		Busy:              p.busy.Load(),
		FramesProcessed:   p.framesProcessed.Load(),
		DetectErrors:      p.detectErrors.Load(),
		Faces:             p.faces.Load(),
		LowQuality:        p.lowQuality.Load(),
		EmbeddingFailures: p.embeddingFailures.Load(),
		Detections:        p.detections.Load(),
		Matched:           p.matched.Load(),
		Alerts:            p.alerts.Load(),
		SinkErrors:        p.sinkErrors.Load(),
	}
}

// run serves frames until wctx ends. Frames are processed under the
// pipeline context so a retired worker still completes the frame it holds.
func (p *Pipeline) run(ctx, wctx context.Context, w *worker) {
	defer close(w.done)
	for {
		f, err := p.mux.Next(wctx)
		if err != nil {
			return
		}
		p.busy.Add(1)
		p.processSafe(ctx, f)
		p.busy.Add(-1)
	}
}

func (p *Pipeline) processSafe(ctx context.Context, f frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stream_id", f.StreamID).Uint64("seq", f.Seq).Msg("Frame processing panic recovered")
		}
	}()
	res := p.Process(ctx, f)
	if p.OnFrame != nil {
		p.OnFrame(res)
	}
}

// Process runs one frame through detection, embedding, matching and the sink.
func (p *Pipeline) Process(ctx context.Context, f frame.Frame) (res FrameResult) {
	start := time.Now()
	res.StreamID = f.StreamID
	defer func() {
		res.Duration = time.Since(start)
		p.framesProcessed.Add(1)
	}()

	candidates, err := p.detector.Detect(ctx, f)
	if err != nil {
		if ctx.Err() == nil {
			p.detectErrors.Add(1)
			log.Warn().Err(err).Str("stream_id", f.StreamID).Uint64("seq", f.Seq).Msg("Face detection failed")
		}
		res.Err = err
		return res
	}
	res.Faces = len(candidates)
	p.faces.Add(uint64(len(candidates)))

	for _, c := range candidates {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		if p.handleCandidate(ctx, f, c) {
			res.Events++
		}
	}
	return res
}

// handleCandidate reports whether an event was emitted.
func (p *Pipeline) handleCandidate(ctx context.Context, f frame.Frame, c inference.FaceCandidate) bool {
	emb, err := p.extractor.Embed(ctx, f, c)
	switch {
	case errors.Is(err, inference.ErrLowQuality):
		p.lowQuality.Add(1)
		log.Debug().Str("stream_id", f.StreamID).Float64("quality", c.Quality).Msg("Skipping low quality face")
		return false
	case err != nil:
		if ctx.Err() == nil {
			p.embeddingFailures.Add(1)
			log.Warn().Err(err).Str("stream_id", f.StreamID).Uint64("seq", f.Seq).Msg("Embedding extraction failed")
		}
		return false
	}

	result, err := p.matcher.Match(emb)
	if err != nil {
		p.embeddingFailures.Add(1)
		log.Warn().Err(err).Str("stream_id", f.StreamID).Msg("Embedding rejected by matcher")
		return false
	}

	evt := sink.Event{
		ID:         uuid.NewString(),
		StreamID:   f.StreamID,
		FrameSeq:   f.Seq,
		FrameTime:  f.CapturedAt,
		BBox:       c.BBox,
		Score:      result.Score,
		Quality:    c.Quality,
		Confidence: result.Confidence,
		DetectedAt: time.Now().UTC(),
		Embedding:  emb,
	}
	if result.Matched {
		personID := result.PersonID
		evt.PersonID = &personID
		evt.PersonName = result.PersonName
		evt.Alert, evt.AlertID = p.suppress.Check(f.StreamID, personID, f.CapturedAt, evt.ID)
		p.matched.Add(1)
		if evt.Alert {
			p.alerts.Add(1)
			log.Info().
				Str("stream_id", f.StreamID).
				Str("person_id", personID).
				Str("person_name", result.PersonName).
				Float64("similarity", result.Score).
				Str("confidence", result.Confidence).
				Msg("Missing person detected")
		}
	}
	p.detections.Add(1)

	if err := p.sink.Emit(ctx, evt); err != nil {
		p.sinkErrors.Add(1)
	}
	return true
}

func (p *Pipeline) pruneLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.suppress.Prune(now)
		}
	}
}
