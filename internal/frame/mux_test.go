package frame

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMux_RoundRobin(t *testing.T) {
	m := NewMux()
	a, b := NewQueue(4), NewQueue(4)
	if err := m.Attach("a", a); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Attach("b", b); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	for i := 1; i <= 3; i++ {
		a.Push(Frame{StreamID: "a", Seq: uint64(i)})
		b.Push(Frame{StreamID: "b", Seq: uint64(i)})
	}

	ctx := context.Background()
	var order []string
	for range 6 {
		f, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		order = append(order, f.StreamID)
	}

	for i := 1; i < len(order); i++ {
		if order[i] == order[i-1] {
			t.Errorf("expected alternating streams, got %v", order)
			break
		}
	}
}

func TestMux_AttachDuplicate(t *testing.T) {
	m := NewMux()
	if err := m.Attach("a", NewQueue(1)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Attach("a", NewQueue(1)); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestMux_NextWakesOnPush(t *testing.T) {
	m := NewMux()
	q := NewQueue(2)
	m.Attach("cam", q)

	got := make(chan Frame, 1)
	go func() {
		f, err := m.Next(context.Background())
		if err == nil {
			got <- f
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(Frame{StreamID: "cam", Seq: 1})

	select {
	case f := <-got:
		if f.Seq != 1 {
			t.Errorf("expected seq 1, got %d", f.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on push")
	}
}

func TestMux_DetachStopsDelivery(t *testing.T) {
	m := NewMux()
	q := NewQueue(4)
	m.Attach("cam", q)
	q.Push(Frame{StreamID: "cam", Seq: 1})
	q.Push(Frame{StreamID: "cam", Seq: 2})

	f, err := m.Next(context.Background())
	if err != nil || f.Seq != 1 {
		t.Fatalf("expected first frame, got %d (%v)", f.Seq, err)
	}

	if !m.Detach("cam") {
		t.Fatal("Detach returned false for attached queue")
	}
	q.Push(Frame{StreamID: "cam", Seq: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if f, err := m.Next(ctx); err == nil {
		t.Errorf("expected no frame after detach, got seq %d", f.Seq)
	}
	if q.Len() != 2 {
		t.Errorf("detached queue should keep its frames untouched, len %d", q.Len())
	}
}

func TestMux_MultipleWorkersDrainAll(t *testing.T) {
	m := NewMux()
	q := NewQueue(64)
	m.Attach("cam", q)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make(chan uint64, 64)
	for range 4 {
		go func() {
			for {
				f, err := m.Next(ctx)
				if err != nil {
					return
				}
				results <- f.Seq
			}
		}()
	}

	for i := 1; i <= 40; i++ {
		q.Push(Frame{StreamID: "cam", Seq: uint64(i)})
	}

	seen := make(map[uint64]bool)
	for len(seen) < 40 {
		select {
		case seq := <-results:
			if seen[seq] {
				t.Fatalf("frame %d delivered twice", seq)
			}
			seen[seq] = true
		case <-ctx.Done():
			t.Fatalf("only %d of 40 frames delivered", len(seen))
		}
	}
}
