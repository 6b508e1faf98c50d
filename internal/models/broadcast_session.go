package models

import "time"

// End reasons for a broadcast session.
const (
	EndReasonEventNotified = "event-notified"
	EndReasonReconciled    = "recovered-by-reconciliation"
)

// BroadcastSession is one continuous live interval for the tracked broadcaster.
// The ID is the upstream stream id when one was reported, otherwise a locally
// generated placeholder.
type BroadcastSession struct {
	ID              string     `json:"id"`
	BroadcasterID   string     `json:"broadcaster_id"`
	BroadcasterName string     `json:"broadcaster_name"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       *string    `json:"end_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Active reports whether the session is still open.
func (s *BroadcastSession) Active() bool {
	return s != nil && s.EndedAt == nil
}
