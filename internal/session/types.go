package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is one relay connection for an interview.
type Session struct {
	ID                string    `json:"session_id"`
	InterviewID       string    `json:"interview_id"`
	OwnerID           string    `json:"owner_id"`
	Status            Status    `json:"status"`
	Speaking          bool      `json:"speaking"`
	InterruptionCount int       `json:"interruption_count"`
	SegmentCount      int       `json:"segment_count"`
	EndReason         string    `json:"end_reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}
