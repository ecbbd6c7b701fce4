package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"testing"
	"time"
)

var errFakeOpen = errors.New("device busy")

var tinyJPEG = func() []byte {
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 3)), nil)
	return buf.Bytes()
}()

// fakeSource emits frames every interval until stallAfter frames were sent,
// then blocks until closed.
type fakeSource struct {
	openErr    error
	interval   time.Duration
	stallAfter int

	mu     sync.Mutex
	sent   int
	closed chan struct{}
	once   sync.Once
}

func newFakeSource(interval time.Duration, stallAfter int) *fakeSource {
	return &fakeSource{interval: interval, stallAfter: stallAfter, closed: make(chan struct{})}
}

func (f *fakeSource) Kind() Kind { return KindWebcam }

func (f *fakeSource) Open(ctx context.Context) error { return f.openErr }

func (f *fakeSource) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	stalled := f.stallAfter > 0 && f.sent >= f.stallAfter
	f.mu.Unlock()

	if stalled {
		select {
		case <-f.closed:
			return nil, errors.New("closed")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case <-f.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.interval):
	}
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
	return tinyJPEG, nil
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// scriptedFactory fails the first failures attempts, then hands out sources
// built by next.
type scriptedFactory struct {
	mu       sync.Mutex
	failures int
	attempts int
	next     func() Source
}

func (s *scriptedFactory) build(cfg Config) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		src := newFakeSource(time.Millisecond, 0)
		src.openErr = errFakeOpen
		return src, nil
	}
	return s.next(), nil
}

func (s *scriptedFactory) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type transitionRecorder struct {
	mu     sync.Mutex
	events []Transition
}

func (r *transitionRecorder) observe(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

func (r *transitionRecorder) snapshot() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.events...)
}

func fastOptions(rec *transitionRecorder) Options {
	return Options{
		BackoffInitial:  10 * time.Millisecond,
		BackoffMax:      time.Second,
		LivenessTimeout: 60 * time.Millisecond,
		FailureTimeout:  180 * time.Millisecond,
		Observer:        rec.observe,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
