// Package engine turns the lossy, at-least-once notification stream into a
// gap-free record of broadcast sessions and category segments. Both the
// live notification path and the reconciliation sweeper funnel through the
// four operations here, so replayed, duplicated and out-of-order input all
// converge on the same stored timeline.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamtimeline/backend/internal/models"
)

// Store is the segment store contract the engine writes through.
type Store interface {
	GetActiveSession(ctx context.Context, broadcasterID string) (*models.BroadcastSession, error)
	UpsertSessionStart(ctx context.Context, id, broadcasterID, broadcasterName string, startedAt time.Time) (*models.BroadcastSession, error)
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time, reason string) error
	GetOpenSegment(ctx context.Context, sessionID string) (*models.CategorySegment, error)
	OpenSegment(ctx context.Context, sessionID string, category models.Category, startedAt time.Time) error
	CloseOpenSegment(ctx context.Context, sessionID string, endedAt time.Time) error
}

// WentLive is the decoded online notification.
type WentLive struct {
	BroadcasterID   string
	BroadcasterName string
	SessionIDHint   string // upstream stream id; empty when unknown
	StartedAt       time.Time
	Category        models.Category
}

// CategoryChanged is the decoded category-change notification.
type CategoryChanged struct {
	BroadcasterID string
	Category      models.Category
	At            time.Time
}

// WentOffline is the decoded offline notification.
type WentOffline struct {
	BroadcasterID string
	At            time.Time
	Reason        string
}

// LiveStatus is the upstream "current state" snapshot used by reconciliation.
type LiveStatus struct {
	IsLive    bool
	SessionID string // upstream stream id when live
	StartedAt time.Time
	Category  models.Category
}

// Engine applies domain events to the segment store. Operations are
// serialized per broadcaster; neither the connector path nor the sweeper
// path may interleave a segment close with a segment open.
type Engine struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a segmentation engine.
func New(store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lock(broadcasterID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[broadcasterID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[broadcasterID] = l
	}
	return l
}

// OnWentLive opens a session (and its first segment) if none is active.
// A duplicate online notification only pulls the start time earlier, never
// later, and never opens a second session.
func (e *Engine) OnWentLive(ctx context.Context, ev WentLive) error {
	l := e.lock(ev.BroadcasterID)
	l.Lock()
	defer l.Unlock()
	return e.wentLive(ctx, ev)
}

func (e *Engine) wentLive(ctx context.Context, ev WentLive) error {
	active, err := e.store.GetActiveSession(ctx, ev.BroadcasterID)
	if err != nil {
		return fmt.Errorf("get active session: %w", err)
	}
	if active != nil {
		if _, err := e.store.UpsertSessionStart(ctx, active.ID, ev.BroadcasterID, ev.BroadcasterName, ev.StartedAt); err != nil {
			return fmt.Errorf("upsert session start: %w", err)
		}
		e.logger.Debug("duplicate online notification",
			zap.String("broadcaster_id", ev.BroadcasterID),
			zap.String("session_id", active.ID))
		return nil
	}

	id := ev.SessionIDHint
	if id == "" {
		id = "local-" + uuid.New().String()
	}
	session, err := e.store.UpsertSessionStart(ctx, id, ev.BroadcasterID, ev.BroadcasterName, ev.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert session start: %w", err)
	}
	if session.EndedAt != nil {
		// Replayed online notification for a session that already ended.
		e.logger.Debug("online notification for closed session",
			zap.String("session_id", session.ID))
		return nil
	}
	if err := e.store.OpenSegment(ctx, session.ID, ev.Category, session.StartedAt); err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	e.logger.Info("session started",
		zap.String("broadcaster_id", ev.BroadcasterID),
		zap.String("session_id", session.ID),
		zap.String("category", ev.Category.DisplayName()),
		zap.Time("started_at", session.StartedAt))
	return nil
}

// OnCategoryChanged rotates the open segment: the current one is closed at
// the event time and a new one opened. A change with no active session
// cannot be attributed and is dropped; a change to the currently open
// category is a spurious re-notification and is suppressed.
func (e *Engine) OnCategoryChanged(ctx context.Context, ev CategoryChanged) error {
	l := e.lock(ev.BroadcasterID)
	l.Lock()
	defer l.Unlock()

	active, err := e.store.GetActiveSession(ctx, ev.BroadcasterID)
	if err != nil {
		return fmt.Errorf("get active session: %w", err)
	}
	if active == nil {
		e.logger.Info("category change with no active session, dropped",
			zap.String("broadcaster_id", ev.BroadcasterID),
			zap.String("category", ev.Category.DisplayName()))
		return nil
	}

	open, err := e.store.GetOpenSegment(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("get open segment: %w", err)
	}
	if open != nil {
		current := models.Category{Name: open.CategoryName}
		if open.CategoryID != nil {
			current.ID = *open.CategoryID
		}
		if current.Same(ev.Category) {
			return nil
		}
		if err := e.store.CloseOpenSegment(ctx, active.ID, ev.At); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
	}
	if err := e.store.OpenSegment(ctx, active.ID, ev.Category, ev.At); err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	e.logger.Info("category changed",
		zap.String("session_id", active.ID),
		zap.String("category", ev.Category.DisplayName()),
		zap.Time("at", ev.At))
	return nil
}

// OnWentOffline closes the open segment and then the session. A no-op when
// no session is active (duplicate offline, or the session was already
// recovered by reconciliation).
func (e *Engine) OnWentOffline(ctx context.Context, ev WentOffline) error {
	l := e.lock(ev.BroadcasterID)
	l.Lock()
	defer l.Unlock()
	return e.wentOffline(ctx, ev)
}

func (e *Engine) wentOffline(ctx context.Context, ev WentOffline) error {
	active, err := e.store.GetActiveSession(ctx, ev.BroadcasterID)
	if err != nil {
		return fmt.Errorf("get active session: %w", err)
	}
	if active == nil {
		e.logger.Debug("offline notification with no active session",
			zap.String("broadcaster_id", ev.BroadcasterID))
		return nil
	}
	if err := e.store.CloseOpenSegment(ctx, active.ID, ev.At); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	if err := e.store.CloseSession(ctx, active.ID, ev.At, ev.Reason); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	e.logger.Info("session ended",
		zap.String("broadcaster_id", ev.BroadcasterID),
		zap.String("session_id", active.ID),
		zap.String("reason", ev.Reason),
		zap.Time("ended_at", ev.At))
	return nil
}

// Reconcile corrects drift between the stored state and the upstream
// snapshot: it synthesizes the online notification we never received, or
// the offline notification that fired while the process was down.
func (e *Engine) Reconcile(ctx context.Context, broadcasterID, broadcasterName string, status LiveStatus, now time.Time) error {
	l := e.lock(broadcasterID)
	l.Lock()
	defer l.Unlock()

	active, err := e.store.GetActiveSession(ctx, broadcasterID)
	if err != nil {
		return fmt.Errorf("get active session: %w", err)
	}

	switch {
	case status.IsLive && active == nil:
		startedAt := status.StartedAt
		if startedAt.IsZero() {
			startedAt = now
		}
		e.logger.Info("reconciliation found untracked live session",
			zap.String("broadcaster_id", broadcasterID),
			zap.String("session_id", status.SessionID))
		return e.wentLive(ctx, WentLive{
			BroadcasterID:   broadcasterID,
			BroadcasterName: broadcasterName,
			SessionIDHint:   status.SessionID,
			StartedAt:       startedAt,
			Category:        status.Category,
		})
	case !status.IsLive && active != nil:
		e.logger.Info("reconciliation closing stale session",
			zap.String("broadcaster_id", broadcasterID),
			zap.String("session_id", active.ID))
		return e.wentOffline(ctx, WentOffline{
			BroadcasterID: broadcasterID,
			At:            now,
			Reason:        models.EndReasonReconciled,
		})
	default:
		return nil
	}
}
