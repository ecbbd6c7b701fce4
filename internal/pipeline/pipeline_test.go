package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/facewatch/internal/frame"
	"github.com/kozaktomas/facewatch/internal/gallery"
	"github.com/kozaktomas/facewatch/internal/inference"
	"github.com/kozaktomas/facewatch/internal/inference/mock"
	"github.com/kozaktomas/facewatch/internal/matcher"
	"github.com/kozaktomas/facewatch/internal/sink"
)

var (
	p1Embedding = []float32{1, 0, 0, 0}
	t0          = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

type testEnv struct {
	backend  *mock.Backend
	store    *sink.Store
	mux      *frame.Mux
	pipeline *Pipeline
}

func setupPipeline(t *testing.T, window time.Duration) *testEnv {
	t.Helper()
	g, err := gallery.New(4)
	if err != nil {
		t.Fatalf("gallery.New: %v", err)
	}
	if err := g.Upsert(gallery.Person{ID: "p1", Name: "Alice", Embeddings: [][]float32{p1Embedding}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	backend := mock.New()
	gate := inference.NewQualityGate(backend, func() float64 { return 0.7 })
	m := matcher.New(g, func() float64 { return 0.6 }, nil)
	store := sink.NewStore(100)
	mux := frame.NewMux()

	p := New(mux, backend, gate, m, store, func() time.Duration { return window })
	t.Cleanup(p.Stop)
	return &testEnv{backend: backend, store: store, mux: mux, pipeline: p}
}

func face(quality float64, emb []float32) inference.FaceCandidate {
	return inference.FaceCandidate{BBox: inference.BBox{X: 10, Y: 10, W: 40, H: 40}, Quality: quality, Embedding: emb}
}

func testFrame(stream string, seq uint64, at time.Time) frame.Frame {
	return frame.Frame{StreamID: stream, Seq: seq, CapturedAt: at, Data: []byte{0xFF, 0xD8}}
}

func TestProcess_SuppressionCoalescesAlerts(t *testing.T) {
	env := setupPipeline(t, 10*time.Second)
	env.backend.SetFaces("cam", face(0.9, p1Embedding))

	for i := range 5 {
		env.pipeline.Process(context.Background(), testFrame("cam", uint64(i+1), t0.Add(time.Duration(i)*time.Second)))
	}

	alerts := env.store.Alerts(sink.Filter{})
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(alerts))
	}
	if alerts[0].Coalesced != 5 {
		t.Errorf("expected 5 coalesced detections, got %d", alerts[0].Coalesced)
	}
	detections := env.store.Poll(sink.Filter{StreamID: "cam"})
	if len(detections) != 5 {
		t.Fatalf("expected all 5 detections recorded, got %d", len(detections))
	}
	for _, d := range detections {
		if d.AlertID != alerts[0].ID {
			t.Errorf("detection %s not linked to alert %s", d.ID, alerts[0].ID)
		}
		if d.PersonID == nil || *d.PersonID != "p1" {
			t.Errorf("expected p1, got %v", d.PersonID)
		}
	}
}

func TestProcess_NewAlertAfterWindow(t *testing.T) {
	env := setupPipeline(t, 5*time.Second)
	env.backend.SetFaces("cam", face(0.9, p1Embedding))
	env.backend.SetFaces("lobby", face(0.9, p1Embedding))

	env.pipeline.Process(context.Background(), testFrame("cam", 1, t0))
	env.pipeline.Process(context.Background(), testFrame("cam", 2, t0.Add(4*time.Second)))
	env.pipeline.Process(context.Background(), testFrame("cam", 3, t0.Add(5*time.Second)))
	env.pipeline.Process(context.Background(), testFrame("lobby", 1, t0.Add(time.Second)))

	if got := len(env.store.Alerts(sink.Filter{StreamID: "cam"})); got != 2 {
		t.Errorf("expected a second alert once the window elapsed, got %d", got)
	}
	if got := len(env.store.Alerts(sink.Filter{StreamID: "lobby"})); got != 1 {
		t.Errorf("expected suppression to be per stream, got %d lobby alerts", got)
	}
}

func TestProcess_LowQualityNeverMatched(t *testing.T) {
	env := setupPipeline(t, time.Second)
	env.backend.SetFaces("cam", face(0.5, p1Embedding), face(0.69, p1Embedding))

	res := env.pipeline.Process(context.Background(), testFrame("cam", 1, t0))

	if res.Faces != 2 || res.Events != 0 {
		t.Errorf("expected 2 faces and no events, got %+v", res)
	}
	if calls := env.backend.EmbedCalls(); len(calls) != 0 {
		t.Errorf("extractor called for low quality faces: %d", len(calls))
	}
	if env.store.Len() != 0 {
		t.Errorf("expected no detections, got %d", env.store.Len())
	}
	if st := env.pipeline.Stats(); st.LowQuality != 2 {
		t.Errorf("expected 2 low quality skips, got %d", st.LowQuality)
	}
}

func TestProcess_EmbeddingFailureContinues(t *testing.T) {
	env := setupPipeline(t, time.Second)
	env.backend.SetFaces("cam",
		face(0.9, nil),
		face(0.9, []float32{1, 0}),
		face(0.95, p1Embedding),
	)

	res := env.pipeline.Process(context.Background(), testFrame("cam", 7, t0))

	if res.Events != 1 {
		t.Fatalf("expected the healthy candidate to produce an event, got %+v", res)
	}
	st := env.pipeline.Stats()
	if st.EmbeddingFailures != 2 {
		t.Errorf("expected 2 embedding failures, got %d", st.EmbeddingFailures)
	}
	if st.Matched != 1 || st.Alerts != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestProcess_UnmatchedAndMultipleFaces(t *testing.T) {
	env := setupPipeline(t, time.Second)
	env.backend.SetFaces("cam",
		face(0.9, []float32{0, 1, 0, 0}),
		face(0.8, p1Embedding),
	)

	at := t0.Add(123 * time.Millisecond)
	env.pipeline.Process(context.Background(), testFrame("cam", 42, at))

	events := env.store.Poll(sink.Filter{})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	var unmatched, matched int
	for _, e := range events {
		if e.FrameSeq != 42 || !e.FrameTime.Equal(at) {
			t.Errorf("event lost frame identity: %+v", e)
		}
		if e.Matched() {
			matched++
			continue
		}
		unmatched++
		if e.Alert || e.AlertID != "" {
			t.Errorf("unmatched face raised an alert: %+v", e)
		}
		if e.Score > 0.01 {
			t.Errorf("expected near zero score for orthogonal face, got %f", e.Score)
		}
	}
	if matched != 1 || unmatched != 1 {
		t.Errorf("expected one matched and one unmatched, got %d/%d", matched, unmatched)
	}
}

func TestProcess_DetectError(t *testing.T) {
	env := setupPipeline(t, time.Second)
	env.backend.DetectError = errors.New("model offline")

	res := env.pipeline.Process(context.Background(), testFrame("cam", 1, t0))
	if res.Err == nil {
		t.Error("expected detect error in result")
	}
	if st := env.pipeline.Stats(); st.DetectErrors != 1 || st.FramesProcessed != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPipeline_WorkersDrainQueues(t *testing.T) {
	env := setupPipeline(t, time.Minute)
	env.backend.SetFaces("a", face(0.9, p1Embedding))
	env.backend.SetFaces("b", face(0.9, []float32{0, 0, 1, 0}))

	qa, qb := frame.NewQueue(50), frame.NewQueue(50)
	_ = env.mux.Attach("a", qa)
	_ = env.mux.Attach("b", qb)
	env.pipeline.Start(context.Background(), 3)

	for i := range 20 {
		qa.Push(testFrame("a", uint64(i+1), t0.Add(time.Duration(i)*time.Millisecond)))
		qb.Push(testFrame("b", uint64(i+1), t0.Add(time.Duration(i)*time.Millisecond)))
	}

	waitFor(t, 2*time.Second, func() bool { return env.pipeline.Stats().FramesProcessed == 40 })

	yes, no := true, false
	if got := len(env.store.Poll(sink.Filter{StreamID: "a", Matched: &yes})); got != 20 {
		t.Errorf("expected 20 matched detections on a, got %d", got)
	}
	if got := len(env.store.Poll(sink.Filter{StreamID: "b", Matched: &no})); got != 20 {
		t.Errorf("expected 20 unmatched detections on b, got %d", got)
	}
	if got := len(env.store.Alerts(sink.Filter{})); got != 1 {
		t.Errorf("expected a single alert, got %d", got)
	}
}

func TestPipeline_RemoveWhileProcessing(t *testing.T) {
	env := setupPipeline(t, time.Minute)
	env.backend.SetFaces("cam", face(0.9, p1Embedding))

	holding := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.backend.OnDetect = func(f frame.Frame) {
		once.Do(func() {
			close(holding)
			<-release
		})
	}

	q := frame.NewQueue(10)
	_ = env.mux.Attach("cam", q)
	env.pipeline.Start(context.Background(), 2)
	q.Push(testFrame("cam", 1, t0))

	<-holding
	env.mux.Detach("cam")
	for i := 2; i <= 5; i++ {
		q.Push(testFrame("cam", uint64(i), t0))
	}
	close(release)

	waitFor(t, time.Second, func() bool { return env.store.Len() == 1 })
	time.Sleep(50 * time.Millisecond)

	if calls := env.backend.DetectCalls(); calls != 1 {
		t.Errorf("expected only the held frame processed, got %d detect calls", calls)
	}
	if q.Len() != 4 {
		t.Errorf("expected frames pushed after detach to stay queued, got %d", q.Len())
	}
	events := env.store.Poll(sink.Filter{})
	if len(events) != 1 || events[0].FrameSeq != 1 {
		t.Errorf("expected the held frame to complete, got %+v", events)
	}
}

func TestPipeline_Resize(t *testing.T) {
	env := setupPipeline(t, time.Second)

	if err := env.pipeline.Resize(2); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning before Start, got %v", err)
	}

	env.pipeline.Start(context.Background(), 1)
	tests := []struct {
		n       int
		wantErr bool
	}{
		{4, false},
		{2, false},
		{0, true},
		{1000, true},
	}
	for _, tt := range tests {
		err := env.pipeline.Resize(tt.n)
		if (err != nil) != tt.wantErr {
			t.Errorf("Resize(%d) error = %v, wantErr %v", tt.n, err, tt.wantErr)
		}
		if err == nil && env.pipeline.Workers() != tt.n {
			t.Errorf("Resize(%d) left %d workers", tt.n, env.pipeline.Workers())
		}
	}

	env.pipeline.Stop()
	if env.pipeline.Workers() != 0 {
		t.Errorf("expected no workers after Stop, got %d", env.pipeline.Workers())
	}
	if err := env.pipeline.Resize(2); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after Stop, got %v", err)
	}
}

func TestPipeline_StopWaitsForInFlightFrame(t *testing.T) {
	env := setupPipeline(t, time.Second)
	env.backend.SetFaces("cam", face(0.9, p1Embedding))
	env.backend.DetectDelay = 50 * time.Millisecond

	q := frame.NewQueue(1)
	_ = env.mux.Attach("cam", q)
	env.pipeline.Start(context.Background(), 1)
	q.Push(testFrame("cam", 1, t0))

	waitFor(t, time.Second, func() bool { return env.pipeline.Stats().Busy == 1 })
	env.pipeline.Stop()

	if st := env.pipeline.Stats(); st.Busy != 0 || st.FramesProcessed != 1 {
		t.Errorf("expected in-flight frame drained before Stop returned, got %+v", st)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
