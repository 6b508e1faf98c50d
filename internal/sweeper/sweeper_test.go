package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamtimeline/backend/internal/engine"
	"github.com/streamtimeline/backend/internal/twitch"
)

type fakeSource struct {
	stream *twitch.Stream
	err    error
	calls  int
}

func (f *fakeSource) GetStreamByBroadcaster(context.Context, string) (*twitch.Stream, error) {
	f.calls++
	return f.stream, f.err
}

type recordingReconciler struct {
	mu       sync.Mutex
	statuses []engine.LiveStatus
	err      error
}

func (r *recordingReconciler) Reconcile(_ context.Context, _, _ string, status engine.LiveStatus, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return r.err
}

func (r *recordingReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func TestSweep_LiveStreamMapsToStatus(t *testing.T) {
	started := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	src := &fakeSource{stream: &twitch.Stream{
		ID:        "s9",
		GameID:    "743",
		GameName:  "Chess",
		StartedAt: started,
	}}
	rec := &recordingReconciler{}
	s := New(src, rec, "b-42", "streamer", time.Minute, nil)

	s.Sweep(context.Background())

	if len(rec.statuses) != 1 {
		t.Fatalf("want 1 reconcile call, got %d", len(rec.statuses))
	}
	got := rec.statuses[0]
	if !got.IsLive || got.SessionID != "s9" || got.Category.Name != "Chess" || !got.StartedAt.Equal(started) {
		t.Errorf("unexpected status: %+v", got)
	}
}

func TestSweep_OfflineMapsToNotLive(t *testing.T) {
	rec := &recordingReconciler{}
	s := New(&fakeSource{}, rec, "b-42", "", time.Minute, nil)

	s.Sweep(context.Background())

	if len(rec.statuses) != 1 || rec.statuses[0].IsLive {
		t.Fatalf("offline upstream must reconcile with IsLive=false: %+v", rec.statuses)
	}
}

func TestSweep_UpstreamErrorSkipsReconcile(t *testing.T) {
	rec := &recordingReconciler{}
	s := New(&fakeSource{err: errors.New("timeout")}, rec, "b-42", "", time.Minute, nil)

	s.Sweep(context.Background())

	if len(rec.statuses) != 0 {
		t.Error("a failed status query must not reconcile against a guess")
	}
}

func TestRun_SweepsEagerlyAtStart(t *testing.T) {
	src := &fakeSource{}
	rec := &recordingReconciler{}
	s := New(src, rec, "b-42", "", time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("eager sweep did not happen")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	<-done

	if src.calls != 1 {
		t.Errorf("want exactly the eager sweep before the first tick, got %d", src.calls)
	}
}
