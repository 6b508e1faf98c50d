package models

import "time"

// UnknownCategory is the sentinel name used when upstream omits the category.
const UnknownCategory = "Unknown"

// CategorySegment is a sub-interval of a session during which one category
// was active. The tuple (session_id, started_at, category_name) is the
// natural key; opening the same segment twice is a no-op.
type CategorySegment struct {
	SessionID       string     `json:"session_id"`
	CategoryID      *string    `json:"category_id,omitempty"`
	CategoryName    string     `json:"category_name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
}

// Open reports whether the segment has not been closed yet.
func (s *CategorySegment) Open() bool {
	return s != nil && s.EndedAt == nil
}

// Category holds an upstream category reference. A zero Category means
// upstream did not report one.
type Category struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// DisplayName returns the category name or the Unknown sentinel.
func (c Category) DisplayName() string {
	if c.Name == "" {
		return UnknownCategory
	}
	return c.Name
}

// Same reports whether two categories refer to the same upstream category,
// by id when both sides carry one, otherwise by name.
func (c Category) Same(other Category) bool {
	if c.ID != "" && other.ID != "" {
		return c.ID == other.ID
	}
	return c.DisplayName() == other.DisplayName()
}
