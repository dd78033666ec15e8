package domain

import "time"

// SessionStatus represents the overall state of a planned batch run
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
)

// OrchestratorSession groups a planned batch of audit types. PlannedAudits is
// fixed at creation; only Status and CompletedAt mutate afterward, and the
// session is marked completed exactly once.
type OrchestratorSession struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	PlannedAudits []string      `json:"planned_audits"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
