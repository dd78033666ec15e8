// Package session resolves the logical batch identity under which audit runs
// are grouped, stable across client reloads.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/storelens/audit-orchestrator/internal/domain"
)

// idLength is the fixed length of generated session ids
const idLength = 15

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID generates a short high-entropy session identifier
func NewID() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("session: rand failed: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}

// RunLister lists audit runs from the remote store
type RunLister interface {
	ListRuns(ctx context.Context, filter, sort string) ([]domain.AuditRun, error)
}

// SessionLister lists orchestrator sessions from the remote store
type SessionLister interface {
	ListSessions(ctx context.Context, filter, sort string) ([]domain.OrchestratorSession, error)
}

// Resolver produces the current session id. A locally generated id always wins
// over a backend-reported one, because the backend snapshot may lag a freshly
// created session that has not been indexed yet.
type Resolver struct {
	runs     RunLister
	sessions SessionLister

	mu      sync.Mutex
	localID string
	adopted string
}

// NewResolver creates a resolver backed by the given store listers
func NewResolver(runs RunLister, sessions SessionLister) *Resolver {
	return &Resolver{runs: runs, sessions: sessions}
}

// StartNew generates a fresh session id and pins it for this process lifetime
func (r *Resolver) StartNew() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localID = NewID()
	return r.localID
}

// Local returns the locally generated id, if one was created this lifetime
func (r *Resolver) Local() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localID
}

// Known returns whichever id is already resolved this lifetime, local or
// adopted, without touching the store. Display paths use this to avoid
// blocking on the network.
func (r *Resolver) Known() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localID != "" {
		return r.localID
	}
	return r.adopted
}

// Current resolves the session id. Order: locally generated id; a running
// orchestrator session; the most recent audit run of any status (covers
// single-audit runs that never had a batch session); otherwise empty until a
// run is explicitly started.
func (r *Resolver) Current(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.localID != "" {
		id := r.localID
		r.mu.Unlock()
		return id, nil
	}
	if r.adopted != "" {
		id := r.adopted
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	sessions, err := r.sessions.ListSessions(ctx,
		fmt.Sprintf("status = '%s'", domain.SessionRunning), "-started_at")
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if len(sessions) > 0 {
		return r.adopt(sessions[0].SessionID), nil
	}

	runs, err := r.runs.ListRuns(ctx, "", "-started_at")
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if len(runs) > 0 {
		return r.adopt(runs[0].SessionID), nil
	}

	return "", nil
}

func (r *Resolver) adopt(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A local id generated while the lookup was in flight still wins
	if r.localID != "" {
		return r.localID
	}
	r.adopted = id
	return id
}
