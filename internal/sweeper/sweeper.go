// Package sweeper periodically reconciles stored state against the
// authoritative upstream live status. It is the only mechanism that
// discovers a missed offline notification (process down when the broadcast
// ended) or a broadcast that started before the connector was listening.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/streamtimeline/backend/internal/engine"
	"github.com/streamtimeline/backend/internal/models"
	"github.com/streamtimeline/backend/internal/twitch"
)

// LiveStatusSource queries upstream current live status.
type LiveStatusSource interface {
	GetStreamByBroadcaster(ctx context.Context, broadcasterID string) (*twitch.Stream, error)
}

// Reconciler is the engine entry point the sweeper drives.
type Reconciler interface {
	Reconcile(ctx context.Context, broadcasterID, broadcasterName string, status engine.LiveStatus, now time.Time) error
}

// Sweeper polls upstream on a fixed interval and reconciles.
type Sweeper struct {
	source          LiveStatusSource
	reconciler      Reconciler
	broadcasterID   string
	broadcasterName string
	interval        time.Duration
	logger          *zap.Logger
}

// New creates a sweeper for one broadcaster.
func New(source LiveStatusSource, reconciler Reconciler, broadcasterID, broadcasterName string, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		source:          source,
		reconciler:      reconciler,
		broadcasterID:   broadcasterID,
		broadcasterName: broadcasterName,
		interval:        interval,
		logger:          logger,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done. The
// eager sweep covers broadcasts that started or ended while the process
// was not running.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass. Errors are logged and left for
// the next tick; a sweep never aborts the loop.
func (s *Sweeper) Sweep(ctx context.Context) {
	stream, err := s.source.GetStreamByBroadcaster(ctx, s.broadcasterID)
	if err != nil {
		s.logger.Warn("live status query failed", zap.Error(err))
		return
	}

	status := engine.LiveStatus{}
	if stream != nil {
		status = engine.LiveStatus{
			IsLive:    true,
			SessionID: stream.ID,
			StartedAt: stream.StartedAt,
			Category:  models.Category{ID: stream.GameID, Name: stream.GameName},
		}
	}
	if err := s.reconciler.Reconcile(ctx, s.broadcasterID, s.broadcasterName, status, time.Now().UTC()); err != nil {
		s.logger.Error("reconcile failed", zap.Error(err))
	}
}
