package domain

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of an audit run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is expected
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// AuditRun is one execution record for one audit type within one session.
// The record lives in the remote audit_runs collection; the client creates it
// pending, the backend worker owns every transition after that.
type AuditRun struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	AuditType   string          `json:"audit_type"`
	Status      RunStatus       `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Terminal reports whether the run reached completed or failed
func (r *AuditRun) Terminal() bool {
	return r.Status.Terminal()
}

// InFlight reports whether the run is pending or running
func (r *AuditRun) InFlight() bool {
	return r.Status == RunPending || r.Status == RunRunning
}

// ResultPayload is the structured portion of a run result the engine
// understands. Audits may attach arbitrary extra fields; those pass through
// untouched.
type ResultPayload struct {
	Score       *float64 `json:"score,omitempty"`
	IssuesCount int      `json:"issues_count"`
}

// ParseResult decodes the engine-visible fields of a result payload.
// A nil or empty payload yields the zero value.
func ParseResult(raw json.RawMessage) ResultPayload {
	var p ResultPayload
	if len(raw) == 0 {
		return p
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ResultPayload{}
	}
	return p
}
