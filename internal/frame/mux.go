package frame

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyAttached is returned when a stream id is attached twice.
var ErrAlreadyAttached = errors.New("queue already attached")

// Mux fans many per-stream queues into one pull point for a shared worker
// pool. Streams are served round-robin so a busy stream cannot starve others.
type Mux struct {
	mu     sync.Mutex
	order  []string
	queues map[string]*Queue
	cursor int
	wake   chan struct{}
}

func NewMux() *Mux {
	return &Mux{
		queues: make(map[string]*Queue),
		wake:   make(chan struct{}, 1),
	}
}

// Attach starts serving frames from q under the given stream id.
func (m *Mux) Attach(id string, q *Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[id]; ok {
		return ErrAlreadyAttached
	}
	m.queues[id] = q
	m.order = append(m.order, id)
	q.setNotify(m.signal)
	if q.Len() > 0 {
		m.signal()
	}
	return nil
}

// Detach stops serving frames for id. Once Detach returns no worker will
// receive another frame from that queue; frames already handed out are
// unaffected.
func (m *Mux) Detach(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return false
	}
	q.setNotify(nil)
	delete(m.queues, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.cursor >= len(m.order) {
		m.cursor = 0
	}
	return true
}

// Next blocks until any attached queue yields a frame or ctx is done.
func (m *Mux) Next(ctx context.Context) (Frame, error) {
	for {
		if f, more, ok := m.tryNext(); ok {
			if more {
				// Hand the wake token on so another idle worker picks up the rest.
				m.signal()
			}
			return f, nil
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-m.wake:
		}
	}
}

func (m *Mux) tryNext() (f Frame, more bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.order)
	for i := range n {
		idx := (m.cursor + i) % n
		if f, ok = m.queues[m.order[idx]].TryPop(); ok {
			m.cursor = (idx + 1) % n
			break
		}
	}
	if !ok {
		return Frame{}, false, false
	}
	for _, q := range m.queues {
		if q.Len() > 0 {
			more = true
			break
		}
	}
	return f, more, true
}

func (m *Mux) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Depths returns the current length of every attached queue.
func (m *Mux) Depths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.queues))
	for id, q := range m.queues {
		out[id] = q.Len()
	}
	return out
}

// Attached returns the number of attached queues.
func (m *Mux) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}
