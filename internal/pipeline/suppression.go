package pipeline

import (
	"sync"
	"time"
)

type suppressionKey struct {
	streamID string
	personID string
}

type suppressionEntry struct {
	alertID string
	at      time.Time
}

// Suppressor coalesces repeated matches of the same person on the same
// stream. The window is anchored at the alert, so a person who stays in view
// is re-alerted once per window.
type Suppressor struct {
	window func() time.Duration

	mu   sync.Mutex
	last map[suppressionKey]suppressionEntry
}

func NewSuppressor(window func() time.Duration) *Suppressor {
	return &Suppressor{window: window, last: make(map[suppressionKey]suppressionEntry)}
}

// Check decides whether a match at time at raises a new alert. When it does,
// candidateID becomes the alert id. Otherwise the id of the alert the match
// is coalesced into is returned.
func (s *Suppressor) Check(streamID, personID string, at time.Time, candidateID string) (alert bool, alertID string) {
	key := suppressionKey{streamID: streamID, personID: personID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.last[key]; ok && at.Sub(prev.at) < s.window() {
		return false, prev.alertID
	}
	s.last[key] = suppressionEntry{alertID: candidateID, at: at}
	return true, candidateID
}

// Forget drops state for a stream, called when the stream is removed.
func (s *Suppressor) Forget(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.last {
		if k.streamID == streamID {
			delete(s.last, k)
		}
	}
}

// Prune removes entries whose window ended before now.
func (s *Suppressor) Prune(now time.Time) int {
	w := s.window()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.last {
		if now.Sub(e.at) >= w {
			delete(s.last, k)
			n++
		}
	}
	return n
}

// Len returns the number of active suppression entries.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}
