package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/constants"
	"github.com/kozaktomas/facewatch/internal/frame"
)

var errRetryRequested = errors.New("retry requested")

// Options tune reconnect and liveness behavior.
type Options struct {
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	MaxAttempts     int // 0 retries forever
	LivenessTimeout time.Duration
	FailureTimeout  time.Duration

	Observer Observer
	OnFrame  func(frame.Frame)
}

func (o Options) withDefaults() Options {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = constants.DefaultBackoffInitial
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = max(o.BackoffInitial, constants.DefaultBackoffMax)
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = constants.DefaultLivenessTimeout
	}
	if o.FailureTimeout <= o.LivenessTimeout {
		o.FailureTimeout = max(o.LivenessTimeout*3, constants.DefaultFailureTimeout)
	}
	return o
}

// Supervisor owns one source and its queue. It connects, captures, watches
// liveness and reconnects with exponential backoff until stopped. Source
// faults never escape it.
type Supervisor struct {
	cfg     Config
	opts    Options
	factory SourceFactory
	queue   *frame.Queue

	mu     sync.RWMutex
	state  State
	latest frame.Frame

	seq   atomic.Uint64
	retry chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSupervisor creates a stopped supervisor for cfg feeding queue.
func NewSupervisor(cfg Config, queue *frame.Queue, factory SourceFactory, opts Options) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		opts:    opts.withDefaults(),
		factory: factory,
		queue:   queue,
		state: State{
			Config:      cfg,
			Status:      StatusConnecting,
			StatusSince: time.Now().UTC(),
		},
		retry: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *Supervisor) Config() Config      { return s.cfg }
func (s *Supervisor) Queue() *frame.Queue { return s.queue }

// Start launches the capture goroutine. Calling it twice has no effect.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		go s.run(ctx)
	})
}

// Stop cancels capture, releases the source, closes the queue and waits for
// the capture goroutine to exit.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		started := true
		s.startOnce.Do(func() { started = false })

		s.mu.RLock()
		cancel := s.cancel
		s.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		if started {
			<-s.done
		}
		s.queue.Close()
		log.Info().Str("stream_id", s.cfg.ID).Msg("Stream stopped")
	})
}

// Retry resets the backoff and reconnects immediately.
func (s *Supervisor) Retry() {
	select {
	case s.retry <- struct{}{}:
	default:
	}
}

// Health returns a copy of the current state.
func (s *Supervisor) Health() State {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()

	st.BackoffMillis = st.Backoff.Milliseconds()
	st.QueueDepth = s.queue.Len()
	st.QueueCapacity = s.queue.Cap()
	st.FramesDropped = s.queue.Dropped()
	return st
}

// Latest returns the most recent frame without consuming it.
func (s *Supervisor) Latest() (frame.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, !s.latest.IsZero()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	bo := newReconnectBackoff(s.opts.BackoffInitial, s.opts.BackoffMax, s.opts.MaxAttempts)
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			s.mu.Lock()
			s.state.Reconnects++
			s.mu.Unlock()
		}
		first = false
		s.transition(StatusConnecting, nil, 0)

		wentLive, err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if wentLive {
			bo.Reset()
		}
		if errors.Is(err, errRetryRequested) {
			bo.Reset()
			continue
		}

		wait, more := bo.Next()
		if !more {
			wait = 0
		}
		s.mu.Lock()
		s.state.ConsecutiveFailures = bo.Attempts()
		s.state.Backoff = wait
		if err != nil {
			s.state.LastError = err.Error()
		}
		s.mu.Unlock()

		if !more {
			s.transition(StatusFailed, err, 0)
			log.Warn().Str("stream_id", s.cfg.ID).Int("attempts", bo.Attempts()).
				Msg("Reconnect attempts exhausted, waiting for manual retry")
			select {
			case <-ctx.Done():
				return
			case <-s.retry:
				bo.Reset()
				continue
			}
		}

		s.transition(StatusFailed, err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.retry:
			timer.Stop()
			bo.Reset()
		case <-timer.C:
		}
	}
}

// connect opens a fresh source and captures until it fails. wentLive reports
// whether at least one frame arrived in this session.
func (s *Supervisor) connect(ctx context.Context) (wentLive bool, err error) {
	src, err := s.open(ctx)
	if err != nil {
		return false, err
	}
	return s.capture(ctx, src)
}

func (s *Supervisor) open(ctx context.Context) (src Source, err error) {
	defer func() {
		if r := recover(); r != nil {
			src, err = nil, fmt.Errorf("%w: panic: %v", ErrStreamOpen, r)
		}
	}()

	src, err = s.factory(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamOpen, err)
	}
	if err := src.Open(ctx); err != nil {
		_ = src.Close()
		if errors.Is(err, ErrStreamOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStreamOpen, err)
	}
	return src, nil
}

func (s *Supervisor) capture(ctx context.Context, src Source) (wentLive bool, err error) {
	sessCtx, cancel := context.WithCancel(ctx)
	ticks := make(chan struct{}, 1)
	readErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("stream_id", s.cfg.ID).Msg("Capture panic recovered")
				readErr <- fmt.Errorf("capture panic: %v", r)
			}
		}()
		for {
			data, err := src.Read(sessCtx)
			if err != nil {
				readErr <- err
				return
			}
			s.deliver(data)
			select {
			case ticks <- struct{}{}:
			default:
			}
		}
	}()
	defer func() {
		cancel()
		_ = src.Close()
		wg.Wait()
	}()

	poll := max(min(s.opts.LivenessTimeout, s.opts.FailureTimeout)/4, 5*time.Millisecond)
	check := time.NewTicker(poll)
	defer check.Stop()

	lastFrame := time.Now()
	for {
		select {
		case <-ctx.Done():
			return wentLive, ctx.Err()
		case <-s.retry:
			return wentLive, errRetryRequested
		case err := <-readErr:
			return wentLive, fmt.Errorf("reading frame: %w", err)
		case <-ticks:
			lastFrame = time.Now()
			if !wentLive {
				wentLive = true
				s.mu.Lock()
				s.state.ConsecutiveFailures = 0
				s.state.Backoff = 0
				s.state.LastError = ""
				s.mu.Unlock()
			}
			s.transition(StatusLive, nil, 0)
		case now := <-check.C:
			idle := now.Sub(lastFrame)
			if idle >= s.opts.FailureTimeout {
				return wentLive, fmt.Errorf("%w: no frame for %s", ErrStreamTimeout, idle.Round(time.Millisecond))
			}
			if wentLive && idle >= s.opts.LivenessTimeout {
				s.transition(StatusDegraded, ErrStreamTimeout, 0)
			}
		}
	}
}

func (s *Supervisor) deliver(data []byte) {
	f := frame.Frame{
		StreamID:   s.cfg.ID,
		Seq:        s.seq.Add(1),
		CapturedAt: time.Now(),
		Data:       data,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
	}

	s.queue.Push(f)

	s.mu.Lock()
	s.latest = f
	at := f.CapturedAt.UTC()
	s.state.LastFrameAt = &at
	s.state.FramesCaptured++
	s.mu.Unlock()

	if s.opts.OnFrame != nil {
		s.opts.OnFrame(f)
	}
}

// transition moves to status and notifies the observer. Repeated transitions
// to the same status are ignored.
func (s *Supervisor) transition(to Status, cause error, wait time.Duration) {
	s.mu.Lock()
	from := s.state.Status
	if from == to {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.state.Status = to
	s.state.StatusSince = now
	s.mu.Unlock()

	evt := log.Info()
	if to == StatusFailed || to == StatusDegraded {
		evt = log.Warn().Err(cause)
	}
	evt.Str("stream_id", s.cfg.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Dur("backoff", wait).
		Msg("Stream state changed")

	if s.opts.Observer != nil {
		s.opts.Observer(Transition{StreamID: s.cfg.ID, From: from, To: to, At: now, Err: cause, Backoff: wait})
	}
}
