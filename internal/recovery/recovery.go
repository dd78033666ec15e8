// Package recovery re-attaches the sequential runner to a batch that was
// in flight when the client last died. A reload discards all local state;
// without this, a refresh mid-batch would orphan the remaining audits forever.
package recovery

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/realtime"
	"github.com/storelens/audit-orchestrator/internal/session"
)

// SessionLister fetches orchestrator sessions from the remote store
type SessionLister interface {
	ListSessions(ctx context.Context, filter, sort string) ([]domain.OrchestratorSession, error)
}

// Resumer is the runner surface recovery drives
type Resumer interface {
	Resume(ctx context.Context, sessionID string, planned []string, sessionRecID string) error
	Planned() []string
}

// RunView is the realtime mapping of audit runs. The production mirror is
// unfiltered, so the engine inspects records rather than the mapping size.
type RunView interface {
	Snapshot() map[string]domain.AuditRun
}

// Engine inspects the remote store on activation and resumes a still-running
// orchestrator session from the correct position
type Engine struct {
	sessions SessionLister
	resolver *session.Resolver
	runner   Resumer
	mirror   RunView

	mu        sync.Mutex
	attempted map[string]bool
}

// New creates a recovery engine
func New(sessions SessionLister, resolver *session.Resolver, runner Resumer, mirror RunView) *Engine {
	return &Engine{
		sessions:  sessions,
		resolver:  resolver,
		runner:    runner,
		mirror:    mirror,
		attempted: make(map[string]bool),
	}
}

// TryResume resumes the current session's batch if one is still marked
// running. It returns true when a resume was started. Recovery runs at most
// once per session id, so a session stuck "running" by a backend bug cannot
// cause an infinite re-trigger loop.
func (e *Engine) TryResume(ctx context.Context) (bool, error) {
	sessionID, err := e.resolver.Current(ctx)
	if err != nil {
		return false, err
	}
	if sessionID == "" {
		return false, nil
	}
	if len(e.runner.Planned()) > 0 {
		// A local plan exists; this process already owns a batch
		return false, nil
	}
	if !e.mirrorHasSession(sessionID) {
		// Nothing mirrored for this session; no evidence of an in-flight
		// batch. Runs from older sessions do not count.
		return false, nil
	}

	e.mu.Lock()
	if e.attempted[sessionID] {
		e.mu.Unlock()
		return false, nil
	}
	e.mu.Unlock()

	sessions, err := e.sessions.ListSessions(ctx,
		fmt.Sprintf("session_id = '%s'", sessionID), "-started_at")
	if err != nil {
		return false, fmt.Errorf("fetch orchestrator session: %w", err)
	}
	if len(sessions) == 0 {
		return false, nil
	}
	sess := sessions[0]
	if sess.Status != domain.SessionRunning {
		// Completed (or raced to completion) between reload and inspection;
		// leave it alone
		return false, nil
	}

	e.mu.Lock()
	if e.attempted[sessionID] {
		e.mu.Unlock()
		return false, nil
	}
	e.attempted[sessionID] = true
	e.mu.Unlock()

	log.Printf("recovery: resuming session %s with %d planned audits", sessionID, len(sess.PlannedAudits))
	if err := e.runner.Resume(ctx, sessionID, sess.PlannedAudits, sess.ID); err != nil {
		return true, fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	return true, nil
}

func (e *Engine) mirrorHasSession(sessionID string) bool {
	for _, run := range e.mirror.Snapshot() {
		if run.SessionID == sessionID {
			return true
		}
	}
	return false
}

// compile-time interface checks against the real collaborators
var (
	_ SessionLister = (*realtime.Client)(nil)
	_ RunView       = (*realtime.Mirror[domain.AuditRun])(nil)
)
