package domain

import (
	"encoding/json"
	"time"
)

// ProgressStatus is the projected per-audit state shown while a batch runs
type ProgressStatus string

const (
	ProgressPending   ProgressStatus = "pending"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressError     ProgressStatus = "error"
)

// Terminal reports whether the projected status is completed or error
func (s ProgressStatus) Terminal() bool {
	return s == ProgressCompleted || s == ProgressError
}

// ProgressFromRun maps a run status onto the projected progress status
func ProgressFromRun(s RunStatus) ProgressStatus {
	switch s {
	case RunRunning:
		return ProgressRunning
	case RunCompleted:
		return ProgressCompleted
	case RunFailed:
		return ProgressError
	default:
		return ProgressPending
	}
}

// AuditProgress is a derived, never-persisted view of one planned audit,
// recomputed from the realtime mapping on every change.
type AuditProgress struct {
	AuditType string          `json:"audit_type"`
	Name      string          `json:"name"`
	Status    ProgressStatus  `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AuditDefinition describes one audit type the backend can execute
type AuditDefinition struct {
	Type        string     `json:"type"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Available   bool       `json:"available"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
	IssuesCount int        `json:"issues_count"`
}
