package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/storelens/audit-orchestrator/internal/domain"
)

// Collection names owned by the audit backend
const (
	CollectionRuns     = "audit_runs"
	CollectionSessions = "orchestrator_sessions"
)

// RunsBySession builds the filter expression selecting one session's runs
func RunsBySession(sessionID string) string {
	return fmt.Sprintf("session_id = '%s'", sessionID)
}

// RunBySessionAndType builds the filter for one (session, audit type) pair
func RunBySessionAndType(sessionID, auditType string) string {
	return fmt.Sprintf("session_id = '%s' && audit_type = '%s'", sessionID, auditType)
}

// ListRuns fetches audit runs matching the filter
func (c *Client) ListRuns(ctx context.Context, filter, sort string) ([]domain.AuditRun, error) {
	items, err := c.ListRecords(ctx, CollectionRuns, filter, sort)
	if err != nil {
		return nil, err
	}
	runs := make([]domain.AuditRun, 0, len(items))
	for _, item := range items {
		var run domain.AuditRun
		if err := json.Unmarshal(item, &run); err != nil {
			return nil, fmt.Errorf("decode audit run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// CreateRun inserts an audit run and returns the stored record
func (c *Client) CreateRun(ctx context.Context, run *domain.AuditRun) (*domain.AuditRun, error) {
	raw, err := c.CreateRecord(ctx, CollectionRuns, run)
	if err != nil {
		return nil, err
	}
	var stored domain.AuditRun
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode created run: %w", err)
	}
	return &stored, nil
}

// UpdateRun patches fields on an audit run
func (c *Client) UpdateRun(ctx context.Context, id string, fields map[string]interface{}) error {
	_, err := c.UpdateRecord(ctx, CollectionRuns, id, fields)
	return err
}

// ListSessions fetches orchestrator sessions matching the filter
func (c *Client) ListSessions(ctx context.Context, filter, sort string) ([]domain.OrchestratorSession, error) {
	items, err := c.ListRecords(ctx, CollectionSessions, filter, sort)
	if err != nil {
		return nil, err
	}
	sessions := make([]domain.OrchestratorSession, 0, len(items))
	for _, item := range items {
		var s domain.OrchestratorSession
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// CreateSession inserts an orchestrator session and returns the stored record
func (c *Client) CreateSession(ctx context.Context, s *domain.OrchestratorSession) (*domain.OrchestratorSession, error) {
	raw, err := c.CreateRecord(ctx, CollectionSessions, s)
	if err != nil {
		return nil, err
	}
	var stored domain.OrchestratorSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode created session: %w", err)
	}
	return &stored, nil
}

// UpdateSession patches fields on an orchestrator session
func (c *Client) UpdateSession(ctx context.Context, id string, fields map[string]interface{}) error {
	_, err := c.UpdateRecord(ctx, CollectionSessions, id, fields)
	return err
}
