package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/facewatch/internal/constants"
)

// Counts are lifetime totals, not limited by the history size.
type Counts struct {
	Detections uint64 `json:"detections"`
	Matched    uint64 `json:"matched"`
	Unmatched  uint64 `json:"unmatched"`
	Alerts     uint64 `json:"alerts"`
	Coalesced  uint64 `json:"coalesced"`
}

// Store keeps the most recent detections and alerts in memory and fans them
// out to subscribers.
type Store struct {
	size int

	mu           sync.RWMutex
	history      []Event // ring buffer
	head         int
	n            int
	alerts       []*Alert // oldest first, at most size entries
	byAlert      map[string]*Alert
	pending      map[string]*pendingAlert // coalesced detections seen before their alert
	pendingOrder []string
	counts       Counts

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}
}

// NewStore keeps up to size detections and size alerts.
func NewStore(size int) *Store {
	if size <= 0 {
		size = constants.DefaultDetectionHistory
	}
	return &Store{
		size:    size,
		history: make([]Event, size),
		byAlert: make(map[string]*Alert),
		pending: make(map[string]*pendingAlert),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Emit records e and notifies subscribers. It never fails.
func (s *Store) Emit(_ context.Context, e Event) error {
	s.mu.Lock()
	s.history[(s.head+s.n)%s.size] = e
	if s.n < s.size {
		s.n++
	} else {
		s.head = (s.head + 1) % s.size
	}

	s.counts.Detections++
	if e.Matched() {
		s.counts.Matched++
	} else {
		s.counts.Unmatched++
	}

	switch {
	case e.Alert:
		s.counts.Alerts++
		a := &Alert{Event: e, Coalesced: 1, LastSeenAt: e.DetectedAt}
		if p, ok := s.pending[e.ID]; ok {
			a.Coalesced += p.count
			if p.lastSeen.After(a.LastSeenAt) {
				a.LastSeenAt = p.lastSeen
			}
			delete(s.pending, e.ID)
		}
		s.alerts = append(s.alerts, a)
		s.byAlert[e.ID] = a
		if len(s.alerts) > s.size {
			delete(s.byAlert, s.alerts[0].ID)
			s.alerts[0] = nil
			s.alerts = s.alerts[1:]
		}
	case e.AlertID != "":
		s.counts.Coalesced++
		if a, ok := s.byAlert[e.AlertID]; ok {
			a.Coalesced++
			if e.DetectedAt.After(a.LastSeenAt) {
				a.LastSeenAt = e.DetectedAt
			}
		} else {
			s.addPending(e)
		}
	}
	s.mu.Unlock()

	s.broadcast(e)
	return nil
}

// pendingAlert counts coalesced detections whose alert has not been stored
// yet. Parallel workers may emit them first.
type pendingAlert struct {
	count    int
	lastSeen time.Time
}

// addPending must be called with mu held. Entries for alerts that already
// left history are never claimed, so at most size of them are kept.
func (s *Store) addPending(e Event) {
	p, ok := s.pending[e.AlertID]
	if !ok {
		p = &pendingAlert{}
		s.pending[e.AlertID] = p
		s.pendingOrder = append(s.pendingOrder, e.AlertID)
		for len(s.pendingOrder) > s.size {
			delete(s.pending, s.pendingOrder[0])
			s.pendingOrder = s.pendingOrder[1:]
		}
	}
	p.count++
	if e.DetectedAt.After(p.lastSeen) {
		p.lastSeen = e.DetectedAt
	}
}

// Poll returns matching detections newest first.
func (s *Store) Poll(f Filter) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0, min(s.n, limitOr(f.Limit, s.n)))
	for i := s.n - 1; i >= 0; i-- {
		e := s.history[(s.head+i)%s.size]
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Get returns a detection still held in history.
func (s *Store) Get(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.n {
		if e := s.history[(s.head+i)%s.size]; e.ID == id {
			return e, true
		}
	}
	return Event{}, false
}

// Alerts returns matching alerts newest first. AlertsOnly and Matched are
// implied.
func (s *Store) Alerts(f Filter) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0, limitOr(f.Limit, len(s.alerts)))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if !f.Match(a.Event) {
			continue
		}
		out = append(out, *a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Counts returns lifetime totals.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts
}

// Len returns the number of detections held in history.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

func limitOr(limit, fallback int) int {
	if limit > 0 {
		return limit
	}
	return fallback
}

// Subscription delivers matching events as they are emitted. Slow consumers
// lose events rather than stall the pipeline.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	filter  Filter
	dropped atomic.Uint64
}

// Dropped returns how many events were skipped because the buffer was full.
func (sub *Subscription) Dropped() uint64 { return sub.dropped.Load() }

// Subscribe registers a live feed. Callers must Unsubscribe.
func (s *Store) Subscribe(f Filter) *Subscription {
	ch := make(chan Event, constants.EventChannelBuffer)
	sub := &Subscription{C: ch, ch: ch, filter: f}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (s *Store) Unsubscribe(sub *Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return len(s.subs)
}

func (s *Store) broadcast(e Event) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for sub := range s.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}
