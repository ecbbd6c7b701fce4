package stream

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kozaktomas/facewatch/internal/frame"
)

// Manager owns the id to supervisor mapping. Every stream mutation goes
// through it so there is never more than one supervisor per id.
type Manager struct {
	ctx      context.Context
	factory  SourceFactory
	opts     Options
	queueCap func() int

	mu          sync.RWMutex
	supervisors map[string]*Supervisor
	onAdd       []func(id string, q *frame.Queue)
	onRemove    []func(id string)
}

// NewManager creates a manager whose supervisors live until ctx is done or
// they are removed. queueCapacity is read whenever a stream is added.
func NewManager(ctx context.Context, factory SourceFactory, opts Options, queueCapacity func() int) *Manager {
	return &Manager{
		ctx:         ctx,
		factory:     factory,
		opts:        opts,
		queueCap:    queueCapacity,
		supervisors: make(map[string]*Supervisor),
	}
}

// OnAdd registers a hook run when a stream's queue is created, before its
// capture starts.
func (m *Manager) OnAdd(fn func(id string, q *frame.Queue)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAdd = append(m.onAdd, fn)
}

// OnRemove registers a hook run when a stream is removed, before its
// supervisor is stopped.
func (m *Manager) OnRemove(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = append(m.onRemove, fn)
}

// Add starts a new stream. It fails with ErrDuplicateStreamID when the id is
// taken and never replaces an existing supervisor.
func (m *Manager) Add(cfg Config) (State, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return State{}, err
	}

	m.mu.Lock()
	if _, exists := m.supervisors[cfg.ID]; exists {
		m.mu.Unlock()
		return State{}, fmt.Errorf("%w: %s", ErrDuplicateStreamID, cfg.ID)
	}
	q := frame.NewQueue(m.queueCap())
	sup := NewSupervisor(cfg, q, m.factory, m.opts)
	m.supervisors[cfg.ID] = sup
	for _, fn := range m.onAdd {
		fn(cfg.ID, q)
	}
	m.mu.Unlock()

	sup.Start(m.ctx)
	log.Info().
		Str("stream_id", cfg.ID).
		Str("name", cfg.Name).
		Str("type", string(cfg.Kind)).
		Str("source", redactSource(cfg.Source)).
		Msg("Stream added")
	return sup.Health(), nil
}

// Remove stops and releases a stream.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	sup, ok := m.supervisors[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.supervisors, id)
	for _, fn := range m.onRemove {
		fn(id)
	}
	m.mu.Unlock()

	sup.Stop()
	log.Info().Str("stream_id", id).Msg("Stream removed")
	return nil
}

func (m *Manager) get(id string) (*Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sup, ok := m.supervisors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sup, nil
}

// Get returns the state of one stream.
func (m *Manager) Get(id string) (State, error) {
	sup, err := m.get(id)
	if err != nil {
		return State{}, err
	}
	return sup.Health(), nil
}

// List returns every stream state sorted by id.
func (m *Manager) List() []State {
	m.mu.RLock()
	out := make([]State, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		out = append(out, sup.Health())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b State) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Configs returns the config of every stream sorted by id.
func (m *Manager) Configs() []Config {
	states := m.List()
	out := make([]Config, len(states))
	for i, st := range states {
		out[i] = st.Config
	}
	return out
}

// Len returns the number of managed streams.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.supervisors)
}

// LatestFrame peeks at the most recent frame of a stream. The queue is not
// touched.
func (m *Manager) LatestFrame(id string) (frame.Frame, error) {
	sup, err := m.get(id)
	if err != nil {
		return frame.Frame{}, err
	}
	f, ok := sup.Latest()
	if !ok {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrNoFrameYet, id)
	}
	return f, nil
}

// Retry forces an immediate reconnect of a stream.
func (m *Manager) Retry(id string) error {
	sup, err := m.get(id)
	if err != nil {
		return err
	}
	sup.Retry()
	return nil
}

// QueueDepths returns the number of buffered frames per stream.
func (m *Manager) QueueDepths() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.supervisors))
	for id, sup := range m.supervisors {
		out[id] = sup.Queue().Len()
	}
	return out
}

// SetQueueCapacity resizes every queue. New streams read the capacity from
// the provider passed to NewManager.
func (m *Manager) SetQueueCapacity(n int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sup := range m.supervisors {
		sup.Queue().SetCapacity(n)
	}
}

// StopAll removes every stream.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.supervisors))
	for id := range m.supervisors {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Remove(id)
		}()
	}
	wg.Wait()
}

// redactSource hides credentials embedded in stream URLs.
func redactSource(src string) string {
	at := strings.LastIndex(src, "@")
	scheme := strings.Index(src, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return src
	}
	return src[:scheme+3] + "***" + src[at:]
}
