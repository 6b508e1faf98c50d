package models

import "time"

// GameBaseline is a manually supplied starting point for a game's total:
// hours accumulated before this service started tracking. The latest row
// per game (case-insensitive) wins.
type GameBaseline struct {
	Game       string    `json:"game"`
	Hours      float64   `json:"hours"`
	RecordedAt time.Time `json:"recorded_at"`
}

// GameAggregate is the derived total per game: baseline seconds plus the
// sum of all closed segment durations for that game name.
type GameAggregate struct {
	Game            string `json:"game"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// SessionCategorySummary is the per-session rollup of closed segments for
// one category.
type SessionCategorySummary struct {
	CategoryName    string    `json:"category_name"`
	DurationSeconds int64     `json:"duration_seconds"`
	LastEndedAt     time.Time `json:"last_ended_at"`
}
