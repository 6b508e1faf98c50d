package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamtimeline/backend/internal/models"
)

// Repository handles broadcast_sessions and category_segments persistence.
// All writes are idempotent: replayed notifications and concurrent
// reconciliation sweeps converge on the same rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a segment store repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetActiveSession returns the open (no ended_at) session for a broadcaster, or nil.
func (r *Repository) GetActiveSession(ctx context.Context, broadcasterID string) (*models.BroadcastSession, error) {
	const q = `SELECT id, broadcaster_id, broadcaster_name, started_at, ended_at, end_reason, created_at, updated_at
		FROM broadcast_sessions WHERE broadcaster_id = $1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`
	var s models.BroadcastSession
	err := r.pool.QueryRow(ctx, q, broadcasterID).Scan(&s.ID, &s.BroadcasterID, &s.BroadcasterName, &s.StartedAt, &s.EndedAt, &s.EndReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// UpsertSessionStart creates a session or, if it already exists, moves its
// start time earlier when the new value is earlier. The start time never
// moves later, whatever order duplicate online notifications arrive in.
func (r *Repository) UpsertSessionStart(ctx context.Context, id, broadcasterID, broadcasterName string, startedAt time.Time) (*models.BroadcastSession, error) {
	const q = `INSERT INTO broadcast_sessions (id, broadcaster_id, broadcaster_name, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			started_at = LEAST(broadcast_sessions.started_at, EXCLUDED.started_at),
			broadcaster_name = COALESCE(NULLIF(EXCLUDED.broadcaster_name, ''), broadcast_sessions.broadcaster_name),
			updated_at = NOW()
		RETURNING id, broadcaster_id, broadcaster_name, started_at, ended_at, end_reason, created_at, updated_at`
	var s models.BroadcastSession
	err := r.pool.QueryRow(ctx, q, id, broadcasterID, broadcasterName, startedAt).Scan(&s.ID, &s.BroadcasterID, &s.BroadcasterName, &s.StartedAt, &s.EndedAt, &s.EndReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CloseSession marks a session ended. Only an open session is touched, so a
// second close (duplicate offline notification) is a no-op.
func (r *Repository) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	const q = `UPDATE broadcast_sessions SET ended_at = $2, end_reason = $3, updated_at = NOW()
		WHERE id = $1 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, sessionID, endedAt, reason)
	return err
}

// GetOpenSegment returns the open segment for a session, or nil.
func (r *Repository) GetOpenSegment(ctx context.Context, sessionID string) (*models.CategorySegment, error) {
	const q = `SELECT session_id, category_id, category_name, started_at, ended_at, duration_seconds
		FROM category_segments WHERE session_id = $1 AND ended_at IS NULL LIMIT 1`
	var seg models.CategorySegment
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&seg.SessionID, &seg.CategoryID, &seg.CategoryName, &seg.StartedAt, &seg.EndedAt, &seg.DurationSeconds)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &seg, nil
}

// OpenSegment opens a segment. The (session_id, started_at, category_name)
// primary key makes replays a no-op.
func (r *Repository) OpenSegment(ctx context.Context, sessionID string, category models.Category, startedAt time.Time) error {
	const q = `INSERT INTO category_segments (session_id, category_id, category_name, started_at)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		ON CONFLICT (session_id, started_at, category_name) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, sessionID, category.ID, category.DisplayName(), startedAt)
	return err
}

// CloseOpenSegment closes the open segment of a session at endedAt. Duration
// is whole seconds, floored, clamped at zero against clock skew. No-op when
// the session has no open segment.
func (r *Repository) CloseOpenSegment(ctx context.Context, sessionID string, endedAt time.Time) error {
	const q = `UPDATE category_segments
		SET ended_at = $2,
		    duration_seconds = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($2 - started_at))))::BIGINT
		WHERE session_id = $1 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, sessionID, endedAt)
	return err
}

// ListSessions returns the most recent sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context, limit int) ([]models.BroadcastSession, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, broadcaster_id, broadcaster_name, started_at, ended_at, end_reason, created_at, updated_at
		FROM broadcast_sessions ORDER BY started_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.BroadcastSession
	for rows.Next() {
		var s models.BroadcastSession
		if err := rows.Scan(&s.ID, &s.BroadcasterID, &s.BroadcasterName, &s.StartedAt, &s.EndedAt, &s.EndReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// ListSegments returns all segments of a session ordered by start time.
func (r *Repository) ListSegments(ctx context.Context, sessionID string) ([]models.CategorySegment, error) {
	const q = `SELECT session_id, category_id, category_name, started_at, ended_at, duration_seconds
		FROM category_segments WHERE session_id = $1 ORDER BY started_at ASC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.CategorySegment
	for rows.Next() {
		var seg models.CategorySegment
		if err := rows.Scan(&seg.SessionID, &seg.CategoryID, &seg.CategoryName, &seg.StartedAt, &seg.EndedAt, &seg.DurationSeconds); err != nil {
			return nil, err
		}
		list = append(list, seg)
	}
	return list, rows.Err()
}
