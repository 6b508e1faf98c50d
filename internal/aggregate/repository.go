// Package aggregate is the read-only view over closed segments: per-session
// category rollups and the global per-game totals merged with manual
// baselines. Nothing here writes to the timeline.
package aggregate

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamtimeline/backend/internal/models"
)

// GameTotal is the summed closed-segment duration for one exact category name.
type GameTotal struct {
	Game            string
	DurationSeconds int64
}

// Repository reads closed segments and baselines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an aggregate repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SessionSummary returns closed segments of one session grouped by category.
func (r *Repository) SessionSummary(ctx context.Context, sessionID string) ([]models.SessionCategorySummary, error) {
	const q = `SELECT category_name, COALESCE(SUM(duration_seconds), 0), MAX(ended_at)
		FROM category_segments
		WHERE session_id = $1 AND ended_at IS NOT NULL
		GROUP BY category_name
		ORDER BY 2 DESC, 1 ASC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.SessionCategorySummary
	for rows.Next() {
		var s models.SessionCategorySummary
		if err := rows.Scan(&s.CategoryName, &s.DurationSeconds, &s.LastEndedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// segmentTotals returns summed closed-segment durations per exact name.
func (r *Repository) segmentTotals(ctx context.Context) ([]GameTotal, error) {
	const q = `SELECT category_name, COALESCE(SUM(duration_seconds), 0)
		FROM category_segments
		WHERE ended_at IS NOT NULL
		GROUP BY category_name`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []GameTotal
	for rows.Next() {
		var t GameTotal
		if err := rows.Scan(&t.Game, &t.DurationSeconds); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// latestBaselines returns the most recent baseline row per game name
// (case-insensitive).
func (r *Repository) latestBaselines(ctx context.Context) ([]models.GameBaseline, error) {
	const q = `SELECT DISTINCT ON (LOWER(game)) game, hours, recorded_at
		FROM game_baselines
		ORDER BY LOWER(game), recorded_at DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.GameBaseline
	for rows.Next() {
		var b models.GameBaseline
		if err := rows.Scan(&b.Game, &b.Hours, &b.RecordedAt); err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

// UpsertBaseline records a new baseline row for a game; it becomes the
// latest entry for its case-insensitive name.
func (r *Repository) UpsertBaseline(ctx context.Context, game string, hours float64) error {
	const q = `INSERT INTO game_baselines (game, hours, recorded_at) VALUES ($1, $2, NOW())`
	_, err := r.pool.Exec(ctx, q, game, hours)
	return err
}

// GlobalAggregates returns the ordered GameAggregate sequence: segment
// totals across all sessions added on top of the latest baseline per game.
func (r *Repository) GlobalAggregates(ctx context.Context) ([]models.GameAggregate, error) {
	totals, err := r.segmentTotals(ctx)
	if err != nil {
		return nil, err
	}
	baselines, err := r.latestBaselines(ctx)
	if err != nil {
		return nil, err
	}
	return Merge(totals, baselines), nil
}
