// Package backend is the HTTP client for the audit execution API. Execution
// itself is asynchronous: Trigger only acknowledges, and status transitions
// are observed through the realtime store.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/storelens/audit-orchestrator/internal/domain"
)

// Client talks to the audit backend API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a backend client for the given base URL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// AvailableAudits fetches the catalog of audit types the backend can execute
func (c *Client) AvailableAudits(ctx context.Context) ([]domain.AuditDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/audits/available", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("available audits: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("available audits: status %d", resp.StatusCode)
	}

	var body struct {
		Audits []domain.AuditDefinition `json:"audits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("available audits: decode: %w", err)
	}
	return body.Audits, nil
}

// SessionSnapshot is the legacy pull-based view of the most recent session.
// It predates the realtime store and only serves as the lowest-precedence
// fallback source for results.
type SessionSnapshot struct {
	ID     string                     `json:"id"`
	Audits map[string]json.RawMessage `json:"audits"`
}

// LatestSession fetches the most recent audit session snapshot, or nil when
// the backend has none
func (c *Client) LatestSession(ctx context.Context) (*SessionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/audits/latest-session", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("latest session: status %d", resp.StatusCode)
	}

	var body struct {
		Session *SessionSnapshot `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("latest session: decode: %w", err)
	}
	return body.Session, nil
}

// TriggerRequest asks the backend to execute one audit
type TriggerRequest struct {
	RecordID  string `json:"recordId"`
	AuditType string `json:"auditType"`
	SessionID string `json:"sessionId"`
}

// Trigger starts one audit. The call returns once the backend acknowledges;
// completion is observed out-of-band via the audit_runs collection.
func (c *Client) Trigger(ctx context.Context, treq TriggerRequest) error {
	payload, err := json.Marshal(treq)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/audits/trigger", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", treq.AuditType, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("trigger %s: status %d", treq.AuditType, resp.StatusCode)
	}
	return nil
}
