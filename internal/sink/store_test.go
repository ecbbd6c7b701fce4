package sink

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func person(id string) *string { return &id }

func testEvent(i int, stream string, personID *string) Event {
	return Event{
		ID:         fmt.Sprintf("e%03d", i),
		StreamID:   stream,
		FrameSeq:   uint64(i),
		PersonID:   personID,
		Score:      0.8,
		DetectedAt: time.Unix(1_700_000_000+int64(i), 0),
	}
}

func TestStore_HistoryKeepsNewest(t *testing.T) {
	s := NewStore(3)
	for i := range 5 {
		_ = s.Emit(context.Background(), testEvent(i, "cam", nil))
	}

	got := s.Poll(Filter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, want := range []string{"e004", "e003", "e002"} {
		if got[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
	if c := s.Counts(); c.Detections != 5 || c.Unmatched != 5 {
		t.Errorf("expected lifetime counts unaffected by eviction, got %+v", c)
	}
	if _, ok := s.Get("e000"); ok {
		t.Error("evicted event still retrievable")
	}
	if _, ok := s.Get("e004"); !ok {
		t.Error("newest event not retrievable")
	}
}

func TestStore_PollFilters(t *testing.T) {
	s := NewStore(100)
	events := []Event{
		testEvent(1, "a", person("p1")),
		testEvent(2, "a", nil),
		testEvent(3, "b", person("p2")),
		testEvent(4, "b", nil),
	}
	events[0].Alert = true
	for _, e := range events {
		_ = s.Emit(context.Background(), e)
	}

	yes, no := true, false
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"e004", "e003", "e002", "e001"}},
		{"by stream", Filter{StreamID: "a"}, []string{"e002", "e001"}},
		{"matched", Filter{Matched: &yes}, []string{"e003", "e001"}},
		{"unmatched on b", Filter{StreamID: "b", Matched: &no}, []string{"e004"}},
		{"alerts only", Filter{AlertsOnly: true}, []string{"e001"}},
		{"since", Filter{Since: events[1].DetectedAt}, []string{"e004", "e003"}},
		{"limit", Filter{Limit: 1}, []string{"e004"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Poll(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %d events", tt.want, len(got))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.want[i], got[i].ID)
				}
			}
		})
	}
}

func TestStore_AlertCoalescing(t *testing.T) {
	s := NewStore(10)

	alert := testEvent(1, "cam", person("p1"))
	alert.Alert = true
	alert.AlertID = alert.ID
	_ = s.Emit(context.Background(), alert)

	for i := 2; i <= 5; i++ {
		e := testEvent(i, "cam", person("p1"))
		e.AlertID = alert.ID
		_ = s.Emit(context.Background(), e)
	}

	alerts := s.Alerts(Filter{})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Coalesced != 5 {
		t.Errorf("expected 5 coalesced detections, got %d", alerts[0].Coalesced)
	}
	if !alerts[0].LastSeenAt.Equal(time.Unix(1_700_000_005, 0)) {
		t.Errorf("unexpected last seen %v", alerts[0].LastSeenAt)
	}
	if got := len(s.Poll(Filter{})); got != 5 {
		t.Errorf("expected all 5 detections retrievable, got %d", got)
	}
	if c := s.Counts(); c.Alerts != 1 || c.Coalesced != 4 || c.Matched != 5 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestStore_CoalescedBeforeAlert(t *testing.T) {
	s := NewStore(10)

	alert := testEvent(1, "cam", person("p1"))
	alert.Alert = true
	alert.AlertID = alert.ID

	// Workers finish out of order: two coalesced detections land first.
	for _, i := range []int{3, 2} {
		e := testEvent(i, "cam", person("p1"))
		e.AlertID = alert.ID
		_ = s.Emit(context.Background(), e)
	}
	_ = s.Emit(context.Background(), alert)

	alerts := s.Alerts(Filter{})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].Coalesced != 3 {
		t.Errorf("expected 3 coalesced detections, got %d", alerts[0].Coalesced)
	}
	if !alerts[0].LastSeenAt.Equal(time.Unix(1_700_000_003, 0)) {
		t.Errorf("unexpected last seen %v", alerts[0].LastSeenAt)
	}
	if c := s.Counts(); c.Alerts != 1 || c.Coalesced != 2 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestStore_AlertsBounded(t *testing.T) {
	s := NewStore(2)
	for i := range 4 {
		e := testEvent(i, "cam", person("p"))
		e.Alert = true
		_ = s.Emit(context.Background(), e)
	}
	alerts := s.Alerts(Filter{})
	if len(alerts) != 2 || alerts[0].ID != "e003" {
		t.Errorf("expected the two newest alerts, got %+v", alerts)
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore(10)
	yes := true
	all := s.Subscribe(Filter{})
	matchedOnB := s.Subscribe(Filter{StreamID: "b", Matched: &yes})

	_ = s.Emit(context.Background(), testEvent(1, "a", person("p1")))
	_ = s.Emit(context.Background(), testEvent(2, "b", nil))
	_ = s.Emit(context.Background(), testEvent(3, "b", person("p1")))

	if got := drain(all); len(got) != 3 {
		t.Errorf("expected 3 events on unfiltered subscription, got %v", got)
	}
	if got := drain(matchedOnB); len(got) != 1 || got[0] != "e003" {
		t.Errorf("expected only e003, got %v", got)
	}

	s.Unsubscribe(all)
	s.Unsubscribe(all)
	if _, ok := <-all.C; ok {
		t.Error("expected channel closed after Unsubscribe")
	}
	if s.Subscribers() != 1 {
		t.Errorf("expected 1 subscriber left, got %d", s.Subscribers())
	}
}

func TestStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore(10)
	sub := s.Subscribe(Filter{})
	defer s.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := range 500 {
			_ = s.Emit(context.Background(), testEvent(i, "cam", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	if sub.Dropped() == 0 {
		t.Error("expected dropped events for an unread subscription")
	}
}

func drain(sub *Subscription) []string {
	var ids []string
	for {
		select {
		case e := <-sub.C:
			ids = append(ids, e.ID)
		default:
			return ids
		}
	}
}
