package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/streamtimeline/backend/internal/models"
)

// fakeStore is an in-memory segment store with the same idempotency
// semantics as the Postgres repository.
type fakeStore struct {
	sessions map[string]*models.BroadcastSession
	segments []*models.CategorySegment
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*models.BroadcastSession)}
}

func (f *fakeStore) err() error {
	e := f.failNext
	f.failNext = nil
	return e
}

func (f *fakeStore) GetActiveSession(_ context.Context, broadcasterID string) (*models.BroadcastSession, error) {
	if e := f.err(); e != nil {
		return nil, e
	}
	for _, s := range f.sessions {
		if s.BroadcasterID == broadcasterID && s.EndedAt == nil {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpsertSessionStart(_ context.Context, id, broadcasterID, broadcasterName string, startedAt time.Time) (*models.BroadcastSession, error) {
	if e := f.err(); e != nil {
		return nil, e
	}
	if s, ok := f.sessions[id]; ok {
		if startedAt.Before(s.StartedAt) {
			s.StartedAt = startedAt
		}
		return s, nil
	}
	s := &models.BroadcastSession{
		ID:              id,
		BroadcasterID:   broadcasterID,
		BroadcasterName: broadcasterName,
		StartedAt:       startedAt,
	}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeStore) CloseSession(_ context.Context, sessionID string, endedAt time.Time, reason string) error {
	if e := f.err(); e != nil {
		return e
	}
	if s, ok := f.sessions[sessionID]; ok && s.EndedAt == nil {
		t, r := endedAt, reason
		s.EndedAt, s.EndReason = &t, &r
	}
	return nil
}

func (f *fakeStore) GetOpenSegment(_ context.Context, sessionID string) (*models.CategorySegment, error) {
	if e := f.err(); e != nil {
		return nil, e
	}
	for _, seg := range f.segments {
		if seg.SessionID == sessionID && seg.EndedAt == nil {
			return seg, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) OpenSegment(_ context.Context, sessionID string, category models.Category, startedAt time.Time) error {
	if e := f.err(); e != nil {
		return e
	}
	for _, seg := range f.segments {
		if seg.SessionID == sessionID && seg.StartedAt.Equal(startedAt) && seg.CategoryName == category.DisplayName() {
			return nil // composite key conflict
		}
	}
	seg := &models.CategorySegment{
		SessionID:    sessionID,
		CategoryName: category.DisplayName(),
		StartedAt:    startedAt,
	}
	if category.ID != "" {
		id := category.ID
		seg.CategoryID = &id
	}
	f.segments = append(f.segments, seg)
	return nil
}

func (f *fakeStore) CloseOpenSegment(_ context.Context, sessionID string, endedAt time.Time) error {
	if e := f.err(); e != nil {
		return e
	}
	for _, seg := range f.segments {
		if seg.SessionID == sessionID && seg.EndedAt == nil {
			t := endedAt
			d := int64(endedAt.Sub(seg.StartedAt) / time.Second)
			if d < 0 {
				d = 0
			}
			seg.EndedAt, seg.DurationSeconds = &t, &d
		}
	}
	return nil
}

func (f *fakeStore) sessionSegments(sessionID string) []*models.CategorySegment {
	var out []*models.CategorySegment
	for _, seg := range f.segments {
		if seg.SessionID == sessionID {
			out = append(out, seg)
		}
	}
	return out
}

var t0 = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

const broadcaster = "b-42"

func TestOnWentLive_DuplicateKeepsEarlierStart(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)
	ctx := context.Background()

	chess := models.Category{Name: "Chess"}
	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0.Add(30 * time.Second), Category: chess}); err != nil {
		t.Fatalf("first OnWentLive: %v", err)
	}
	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0, Category: chess}); err != nil {
		t.Fatalf("second OnWentLive: %v", err)
	}
	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0.Add(time.Minute), Category: chess}); err != nil {
		t.Fatalf("third OnWentLive: %v", err)
	}

	if len(f.sessions) != 1 {
		t.Fatalf("want 1 session, got %d", len(f.sessions))
	}
	s := f.sessions["s1"]
	if s == nil || !s.StartedAt.Equal(t0) {
		t.Fatalf("start time should be the earliest input, got %v", s.StartedAt)
	}
	if len(f.sessionSegments("s1")) != 1 {
		t.Fatalf("want exactly one segment, got %d", len(f.sessionSegments("s1")))
	}
}

func TestOnWentLive_PlaceholderIDWhenHintAbsent(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)

	if err := e.OnWentLive(context.Background(), WentLive{BroadcasterID: broadcaster, StartedAt: t0}); err != nil {
		t.Fatalf("OnWentLive: %v", err)
	}
	for id := range f.sessions {
		if !strings.HasPrefix(id, "local-") {
			t.Errorf("placeholder id should be locally generated, got %q", id)
		}
	}
	segs := f.sessionSegments(f.segments[0].SessionID)
	if len(segs) != 1 || segs[0].CategoryName != models.UnknownCategory {
		t.Errorf("first segment should use the Unknown sentinel, got %+v", segs)
	}
}

func TestOnCategoryChanged_SegmentsAreContiguous(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)
	ctx := context.Background()

	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0, Category: models.Category{Name: "Chess"}}); err != nil {
		t.Fatalf("OnWentLive: %v", err)
	}
	changes := []struct {
		name string
		at   time.Time
	}{
		{"Poker", t0.Add(10 * time.Minute)},
		{"Just Chatting", t0.Add(25 * time.Minute)},
		{"Chess", t0.Add(40 * time.Minute)},
	}
	for _, ch := range changes {
		if err := e.OnCategoryChanged(ctx, CategoryChanged{BroadcasterID: broadcaster, Category: models.Category{Name: ch.name}, At: ch.at}); err != nil {
			t.Fatalf("OnCategoryChanged(%s): %v", ch.name, err)
		}
	}

	segs := f.sessionSegments("s1")
	if len(segs) != 4 {
		t.Fatalf("want 4 segments, got %d", len(segs))
	}
	open := 0
	for i, seg := range segs {
		if i > 0 {
			prev := segs[i-1]
			if !seg.StartedAt.After(prev.StartedAt) {
				t.Errorf("segments out of order at %d", i)
			}
			if prev.EndedAt == nil || !prev.EndedAt.Equal(seg.StartedAt) {
				t.Errorf("segment %d not contiguous with its predecessor", i)
			}
		}
		if seg.EndedAt == nil {
			open++
		}
	}
	if open != 1 {
		t.Errorf("want exactly one open segment, got %d", open)
	}
}

func TestOnCategoryChanged_SameCategorySuppressed(t *testing.T) {
	cases := []struct {
		name string
		cat  models.Category
	}{
		{"same name", models.Category{Name: "Chess"}},
		{"same id different name spelling", models.Category{ID: "743", Name: "chess"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeStore()
			e := New(f, nil)
			ctx := context.Background()

			if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0, Category: models.Category{ID: "743", Name: "Chess"}}); err != nil {
				t.Fatalf("OnWentLive: %v", err)
			}
			if err := e.OnCategoryChanged(ctx, CategoryChanged{BroadcasterID: broadcaster, Category: tc.cat, At: t0.Add(time.Minute)}); err != nil {
				t.Fatalf("OnCategoryChanged: %v", err)
			}
			if got := len(f.sessionSegments("s1")); got != 1 {
				t.Errorf("re-notification of the open category must not create a segment, got %d", got)
			}
		})
	}
}

func TestOnCategoryChanged_NoActiveSessionDropped(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)

	err := e.OnCategoryChanged(context.Background(), CategoryChanged{BroadcasterID: broadcaster, Category: models.Category{Name: "Poker"}, At: t0})
	if err != nil {
		t.Fatalf("drop must not be an error: %v", err)
	}
	if len(f.segments) != 0 || len(f.sessions) != 0 {
		t.Error("category change with no active session must leave no state behind")
	}
}

func TestOnWentOffline_ClosesSegmentAndSession(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)
	ctx := context.Background()

	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0, Category: models.Category{Name: "Chess"}}); err != nil {
		t.Fatalf("OnWentLive: %v", err)
	}
	end := t0.Add(90 * time.Second)
	if err := e.OnWentOffline(ctx, WentOffline{BroadcasterID: broadcaster, At: end, Reason: models.EndReasonEventNotified}); err != nil {
		t.Fatalf("OnWentOffline: %v", err)
	}

	s := f.sessions["s1"]
	if s.EndedAt == nil || !s.EndedAt.Equal(end) {
		t.Fatalf("session not closed at %v: %+v", end, s)
	}
	if s.EndReason == nil || *s.EndReason != models.EndReasonEventNotified {
		t.Errorf("end reason = %v", s.EndReason)
	}
	seg := f.sessionSegments("s1")[0]
	if seg.EndedAt == nil || !seg.EndedAt.Equal(end) {
		t.Fatalf("segment not closed at %v", end)
	}
	if seg.DurationSeconds == nil || *seg.DurationSeconds != 90 {
		t.Errorf("duration = %v, want 90", seg.DurationSeconds)
	}

	// Duplicate offline is absorbed.
	if err := e.OnWentOffline(ctx, WentOffline{BroadcasterID: broadcaster, At: end.Add(time.Minute), Reason: models.EndReasonEventNotified}); err != nil {
		t.Fatalf("duplicate OnWentOffline: %v", err)
	}
	if !f.sessions["s1"].EndedAt.Equal(end) {
		t.Error("duplicate offline must not move the end time")
	}
}

func TestOnWentOffline_ClockSkewClampsDurationToZero(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)
	ctx := context.Background()

	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0, Category: models.Category{Name: "Chess"}}); err != nil {
		t.Fatalf("OnWentLive: %v", err)
	}
	if err := e.OnWentOffline(ctx, WentOffline{BroadcasterID: broadcaster, At: t0.Add(-5 * time.Second), Reason: models.EndReasonEventNotified}); err != nil {
		t.Fatalf("OnWentOffline: %v", err)
	}
	seg := f.sessionSegments("s1")[0]
	if seg.DurationSeconds == nil || *seg.DurationSeconds != 0 {
		t.Errorf("skewed duration must clamp to 0, got %v", seg.DurationSeconds)
	}
}

func TestReconcile_RecoversMissedOffline(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)
	ctx := context.Background()

	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0, Category: models.Category{Name: "Chess"}}); err != nil {
		t.Fatalf("OnWentLive: %v", err)
	}
	if err := e.OnCategoryChanged(ctx, CategoryChanged{BroadcasterID: broadcaster, Category: models.Category{Name: "Poker"}, At: t0.Add(20 * time.Minute)}); err != nil {
		t.Fatalf("OnCategoryChanged: %v", err)
	}

	now := t0.Add(45 * time.Minute)
	if err := e.Reconcile(ctx, broadcaster, "", LiveStatus{IsLive: false}, now); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	s := f.sessions["s1"]
	if s.EndedAt == nil || !s.EndedAt.Equal(now) {
		t.Fatalf("stale session not closed at the reconciliation instant")
	}
	if s.EndReason == nil || *s.EndReason != models.EndReasonReconciled {
		t.Errorf("end reason = %v, want %q", s.EndReason, models.EndReasonReconciled)
	}
	var total int64
	for _, seg := range f.sessionSegments("s1") {
		if seg.DurationSeconds == nil {
			t.Fatal("all segments must be closed")
		}
		total += *seg.DurationSeconds
	}
	if want := int64(now.Sub(t0) / time.Second); total != want {
		t.Errorf("segment durations sum to %d, want %d", total, want)
	}
}

func TestReconcile_RecoversMissedOnline(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)
	ctx := context.Background()

	status := LiveStatus{
		IsLive:    true,
		SessionID: "s7",
		StartedAt: t0,
		Category:  models.Category{ID: "509658", Name: "Just Chatting"},
	}
	if err := e.Reconcile(ctx, broadcaster, "streamer", status, t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// Idempotent: a second sweep with the same snapshot changes nothing.
	if err := e.Reconcile(ctx, broadcaster, "streamer", status, t0.Add(8*time.Minute)); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if len(f.sessions) != 1 {
		t.Fatalf("want exactly one session, got %d", len(f.sessions))
	}
	s := f.sessions["s7"]
	if s == nil || !s.StartedAt.Equal(t0) {
		t.Fatalf("session should start at the upstream-reported time: %+v", s)
	}
	segs := f.sessionSegments("s7")
	if len(segs) != 1 || segs[0].EndedAt != nil || segs[0].CategoryName != "Just Chatting" {
		t.Fatalf("want one open Just Chatting segment, got %+v", segs)
	}
}

func TestReconcile_MissedOnlineWithoutStartTimeUsesNow(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)

	now := t0.Add(time.Hour)
	if err := e.Reconcile(context.Background(), broadcaster, "", LiveStatus{IsLive: true}, now); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for _, s := range f.sessions {
		if !s.StartedAt.Equal(now) {
			t.Errorf("unknown upstream start must fall back to now, got %v", s.StartedAt)
		}
	}
}

func TestReconcile_NoopWhenConsistent(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)
	ctx := context.Background()

	if err := e.Reconcile(ctx, broadcaster, "", LiveStatus{IsLive: false}, t0); err != nil {
		t.Fatalf("offline+no session: %v", err)
	}
	if len(f.sessions) != 0 {
		t.Error("consistent offline state must create nothing")
	}

	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0, Category: models.Category{Name: "Chess"}}); err != nil {
		t.Fatalf("OnWentLive: %v", err)
	}
	if err := e.Reconcile(ctx, broadcaster, "", LiveStatus{IsLive: true, SessionID: "s1", StartedAt: t0}, t0.Add(time.Minute)); err != nil {
		t.Fatalf("live+active session: %v", err)
	}
	if f.sessions["s1"].EndedAt != nil {
		t.Error("consistent live state must not close the session")
	}
}

func TestScenario_ChessThenPokerThenOffline(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)
	ctx := context.Background()

	if err := e.OnWentLive(ctx, WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0, Category: models.Category{Name: "Chess"}}); err != nil {
		t.Fatalf("OnWentLive: %v", err)
	}
	if err := e.OnCategoryChanged(ctx, CategoryChanged{BroadcasterID: broadcaster, Category: models.Category{Name: "Poker"}, At: t0.Add(600 * time.Second)}); err != nil {
		t.Fatalf("OnCategoryChanged: %v", err)
	}
	if err := e.OnWentOffline(ctx, WentOffline{BroadcasterID: broadcaster, At: t0.Add(1800 * time.Second), Reason: models.EndReasonEventNotified}); err != nil {
		t.Fatalf("OnWentOffline: %v", err)
	}

	segs := f.sessionSegments("s1")
	if len(segs) != 2 {
		t.Fatalf("want 2 segments, got %d", len(segs))
	}
	if segs[0].CategoryName != "Chess" || *segs[0].DurationSeconds != 600 {
		t.Errorf("first segment = %s/%d, want Chess/600", segs[0].CategoryName, *segs[0].DurationSeconds)
	}
	if segs[1].CategoryName != "Poker" || *segs[1].DurationSeconds != 1200 {
		t.Errorf("second segment = %s/%d, want Poker/1200", segs[1].CategoryName, *segs[1].DurationSeconds)
	}
	if !f.sessions["s1"].EndedAt.Equal(t0.Add(1800 * time.Second)) {
		t.Error("session end time mismatch")
	}
}

func TestStoreErrorsAreSurfaced(t *testing.T) {
	f := newFakeStore()
	e := New(f, nil)

	boom := errors.New("connection refused")
	f.failNext = boom
	err := e.OnWentLive(context.Background(), WentLive{BroadcasterID: broadcaster, SessionIDHint: "s1", StartedAt: t0})
	if !errors.Is(err, boom) {
		t.Fatalf("store error must reach the caller, got %v", err)
	}
}
