// Package controller triggers individual audits and resolves their displayed
// state by merging three partially-observable sources: the realtime mirror
// (authoritative), a local optimistic marker set at trigger time, and the
// legacy backend session snapshot.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storelens/audit-orchestrator/internal/backend"
	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/realtime"
	"github.com/storelens/audit-orchestrator/internal/session"
)

// RunStore is the remote audit_runs surface the controller writes through
type RunStore interface {
	ListRuns(ctx context.Context, filter, sort string) ([]domain.AuditRun, error)
	CreateRun(ctx context.Context, run *domain.AuditRun) (*domain.AuditRun, error)
	UpdateRun(ctx context.Context, id string, fields map[string]interface{}) error
}

// Triggerer invokes the backend trigger endpoint
type Triggerer interface {
	Trigger(ctx context.Context, req backend.TriggerRequest) error
}

// RunView is the live mapping of audit runs for the current session
type RunView interface {
	Snapshot() map[string]domain.AuditRun
}

// MarkerState tracks one audit type's optimistic lifecycle until the realtime
// feed confirms or contradicts it
type MarkerState int

const (
	StateUnknown MarkerState = iota
	StateOptimistic
	StateConfirmed
	StateTerminal
)

type marker struct {
	state     MarkerState
	startedAt time.Time
	runID     string
}

// ResultSource names which of the three sources resolved a displayed result
type ResultSource string

const (
	SourceRealtime   ResultSource = "realtime"
	SourceOptimistic ResultSource = "optimistic"
	SourceSnapshot   ResultSource = "snapshot"
	SourceNone       ResultSource = "none"
)

// Resolution is the merged view of one audit type
type Resolution struct {
	Status domain.ProgressStatus
	Result json.RawMessage
	Error  string
	Source ResultSource
}

// Controller triggers single audits and tracks their in-flight state
type Controller struct {
	mirror   RunView
	store    RunStore
	backend  Triggerer
	resolver *session.Resolver
	recordID string

	mu      sync.Mutex
	markers map[string]*marker

	snapMu   sync.RWMutex
	snapshot *backend.SessionSnapshot
}

// New creates a controller. recordID identifies the merchant record audits run
// against.
func New(mirror RunView, store RunStore, be Triggerer, resolver *session.Resolver, recordID string) *Controller {
	return &Controller{
		mirror:   mirror,
		store:    store,
		backend:  be,
		resolver: resolver,
		recordID: recordID,
		markers:  make(map[string]*marker),
	}
}

// SetLegacySnapshot installs the pull-based fallback snapshot. Pre-realtime
// sessions surface results only through it.
func (c *Controller) SetLegacySnapshot(snap *backend.SessionSnapshot) {
	c.snapMu.Lock()
	c.snapshot = snap
	c.snapMu.Unlock()
}

// Trigger starts one audit within the current session. The pending record is
// created before the trigger call so the realtime feed reflects the run even
// if the call itself is slow. A failed trigger clears the optimistic marker
// but leaves the created record for the backend or a later retry to resolve.
func (c *Controller) Trigger(ctx context.Context, auditType string) error {
	sessionID, err := c.resolver.Current(ctx)
	if err != nil {
		return err
	}
	if sessionID == "" {
		sessionID = c.resolver.StartNew()
	}

	// At most one in-flight run per (session, type): reject while a marker
	// says a trigger is already out, or the mirror shows the backend actually
	// executing. A pending record alone does not refuse; it is a bulk-created
	// placeholder still waiting for its trigger call.
	c.mu.Lock()
	if mk, ok := c.markers[auditType]; ok && (mk.state == StateOptimistic || mk.state == StateConfirmed) {
		c.mu.Unlock()
		return fmt.Errorf("audit %s already running", auditType)
	}
	if run, ok := c.runFor(auditType, sessionID); ok && run.Status == domain.RunRunning {
		c.markers[auditType] = &marker{state: StateConfirmed, startedAt: run.StartedAt, runID: run.ID}
		c.mu.Unlock()
		return fmt.Errorf("audit %s already running", auditType)
	}
	mk := &marker{state: StateOptimistic, startedAt: time.Now()}
	c.markers[auditType] = mk
	c.mu.Unlock()

	runID, err := c.ensureRun(ctx, sessionID, auditType)
	if err != nil {
		c.clearMarker(auditType)
		return err
	}
	c.mu.Lock()
	mk.runID = runID
	c.mu.Unlock()

	err = c.backend.Trigger(ctx, backend.TriggerRequest{
		RecordID:  c.recordID,
		AuditType: auditType,
		SessionID: sessionID,
	})
	if err != nil {
		// The record stays behind; resolving a run stuck in pending is the
		// backend's responsibility via its own timeout
		c.clearMarker(auditType)
		return err
	}
	return nil
}

// ensureRun creates the pending record unless the store already holds an
// in-flight one for this (session, type) pair
func (c *Controller) ensureRun(ctx context.Context, sessionID, auditType string) (string, error) {
	existing, err := c.store.ListRuns(ctx, realtime.RunBySessionAndType(sessionID, auditType), "-started_at")
	if err != nil {
		return "", fmt.Errorf("check existing runs: %w", err)
	}
	for i := range existing {
		if existing[i].InFlight() {
			return existing[i].ID, nil
		}
	}

	created, err := c.store.CreateRun(ctx, &domain.AuditRun{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AuditType: auditType,
		Status:    domain.RunPending,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("create run record: %w", err)
	}
	return created.ID, nil
}

// IsRunning reports whether the audit is currently executing. Realtime store
// status is authoritative; a local optimistic marker covers the window before
// the feed catches up.
func (c *Controller) IsRunning(auditType string) bool {
	sessionID := c.sessionHint()

	c.mu.Lock()
	defer c.mu.Unlock()

	if run, ok := c.runFor(auditType, sessionID); ok {
		c.reconcile(auditType, run)
		return run.InFlight()
	}
	if mk, ok := c.markers[auditType]; ok {
		return mk.state == StateOptimistic || mk.state == StateConfirmed
	}
	// The legacy snapshot only holds finished results, so its presence means
	// the audit is not running
	return false
}

// Resolve merges the three sources for one audit type with the documented
// precedence: realtime running placeholder, realtime completed payload,
// backend session snapshot, then nothing.
func (c *Controller) Resolve(auditType string) Resolution {
	sessionID := c.sessionHint()

	c.mu.Lock()
	run, ok := c.runFor(auditType, sessionID)
	if ok {
		c.reconcile(auditType, run)
	}
	mk := c.markers[auditType]
	c.mu.Unlock()

	if ok {
		return Resolution{
			Status: domain.ProgressFromRun(run.Status),
			Result: run.Result,
			Error:  run.Error,
			Source: SourceRealtime,
		}
	}
	if mk != nil && mk.state == StateOptimistic {
		return Resolution{Status: domain.ProgressRunning, Source: SourceOptimistic}
	}

	c.snapMu.RLock()
	snap := c.snapshot
	c.snapMu.RUnlock()
	if snap != nil {
		if result, ok := snap.Audits[auditType]; ok {
			return Resolution{Status: domain.ProgressCompleted, Result: result, Source: SourceSnapshot}
		}
	}
	return Resolution{Status: domain.ProgressPending, Source: SourceNone}
}

// CurrentResult returns the displayed payload for an audit type, or nil
func (c *Controller) CurrentResult(auditType string) json.RawMessage {
	res := c.Resolve(auditType)
	if res.Status == domain.ProgressRunning {
		return nil
	}
	return res.Result
}

// MarkerState exposes the optimistic state machine position for one type
func (c *Controller) MarkerState(auditType string) MarkerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mk, ok := c.markers[auditType]; ok {
		return mk.state
	}
	return StateUnknown
}

// Stop overwrites a run's status to failed as a best-effort stop signal. The
// backend may or may not honor it; there is no true cancellation of in-flight
// work.
func (c *Controller) Stop(ctx context.Context, auditType string) error {
	sessionID := c.sessionHint()

	c.mu.Lock()
	run, ok := c.runFor(auditType, sessionID)
	c.mu.Unlock()
	if !ok || !run.InFlight() {
		return fmt.Errorf("audit %s has no in-flight run", auditType)
	}

	now := time.Now().UTC()
	err := c.store.UpdateRun(ctx, run.ID, map[string]interface{}{
		"status":       string(domain.RunFailed),
		"error":        "stopped by operator",
		"completed_at": now,
	})
	if err != nil {
		return fmt.Errorf("stop %s: %w", auditType, err)
	}
	c.clearMarker(auditType)
	return nil
}

// reconcile advances the marker state machine against a mirrored record.
// Terminal records discard the marker entirely. Caller holds c.mu.
func (c *Controller) reconcile(auditType string, run domain.AuditRun) {
	mk, ok := c.markers[auditType]
	if !ok {
		return
	}
	if run.Terminal() {
		delete(c.markers, auditType)
		return
	}
	if mk.state == StateOptimistic {
		mk.state = StateConfirmed
		mk.runID = run.ID
	}
}

// runFor picks the newest mirrored run for (session, type). Caller holds c.mu.
func (c *Controller) runFor(auditType, sessionID string) (domain.AuditRun, bool) {
	var best domain.AuditRun
	found := false
	for _, run := range c.mirror.Snapshot() {
		if run.AuditType != auditType {
			continue
		}
		if sessionID != "" && run.SessionID != sessionID {
			continue
		}
		if !found || run.StartedAt.After(best.StartedAt) {
			best = run
			found = true
		}
	}
	return best, found
}

func (c *Controller) sessionHint() string {
	// Display paths must not block on the network; use whatever id is already
	// known locally and fall back to matching any session in the mirror
	return c.resolver.Known()
}

func (c *Controller) clearMarker(auditType string) {
	c.mu.Lock()
	if _, ok := c.markers[auditType]; ok {
		delete(c.markers, auditType)
	} else {
		log.Printf("controller: no marker to clear for %s", auditType)
	}
	c.mu.Unlock()
}
