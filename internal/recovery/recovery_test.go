package recovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/session"
)

type fakeStore struct {
	mu       sync.Mutex
	runs     []domain.AuditRun
	sessions []domain.OrchestratorSession
}

func (f *fakeStore) ListRuns(ctx context.Context, filter, sort string) ([]domain.AuditRun, error) {
	return f.runs, nil
}

func (f *fakeStore) ListSessions(ctx context.Context, filter, sort string) ([]domain.OrchestratorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrchestratorSession(nil), f.sessions...), nil
}

type fakeRunner struct {
	mu      sync.Mutex
	planned []string
	resumes []string
}

func (f *fakeRunner) Resume(ctx context.Context, sessionID string, planned []string, sessionRecID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, sessionID)
	f.planned = planned
	return nil
}

func (f *fakeRunner) Planned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.planned...)
}

type fakeView struct {
	runs map[string]domain.AuditRun
}

func (f *fakeView) Snapshot() map[string]domain.AuditRun { return f.runs }

// mirrorOf builds a realtime mapping holding n runs for one session
func mirrorOf(sessionID string, n int) *fakeView {
	runs := make(map[string]domain.AuditRun, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-run%d", sessionID, i)
		runs[id] = domain.AuditRun{ID: id, SessionID: sessionID, AuditType: "tracking"}
	}
	return &fakeView{runs: runs}
}

func runningSession(sessionID string) domain.OrchestratorSession {
	return domain.OrchestratorSession{
		ID: "rec-" + sessionID, SessionID: sessionID,
		PlannedAudits: []string{"tracking", "ads", "seo"},
		Status:        domain.SessionRunning,
		StartedAt:     time.Now().Add(-time.Minute),
	}
}

func TestTryResume_ResumesRunningSession(t *testing.T) {
	store := &fakeStore{sessions: []domain.OrchestratorSession{runningSession("sess1")}}
	runner := &fakeRunner{}
	resolver := session.NewResolver(store, store)
	e := New(store, resolver, runner, mirrorOf("sess1", 2))

	resumed, err := e.TryResume(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !resumed {
		t.Fatal("expected a resume")
	}
	if len(runner.resumes) != 1 || runner.resumes[0] != "sess1" {
		t.Errorf("resumes = %v", runner.resumes)
	}
	if len(runner.planned) != 3 {
		t.Errorf("adopted planned = %v, want the session's 3 audits", runner.planned)
	}
}

func TestTryResume_AtMostOncePerSession(t *testing.T) {
	store := &fakeStore{sessions: []domain.OrchestratorSession{runningSession("sess1")}}
	runner := &fakeRunner{}
	resolver := session.NewResolver(store, store)
	e := New(store, resolver, runner, mirrorOf("sess1", 2))

	if _, err := e.TryResume(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The backend bug case: the session never leaves running. Clear the
	// runner's plan so only the once-guard can stop a second resume.
	runner.mu.Lock()
	runner.planned = nil
	runner.mu.Unlock()

	resumed, err := e.TryResume(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if resumed {
		t.Error("second resume for the same session id")
	}
	if len(runner.resumes) != 1 {
		t.Errorf("resumes = %v, want exactly one", runner.resumes)
	}
}

func TestTryResume_LeavesCompletedSessionAlone(t *testing.T) {
	sess := runningSession("sess1")
	sess.Status = domain.SessionCompleted
	store := &fakeStore{
		sessions: []domain.OrchestratorSession{sess},
		runs:     []domain.AuditRun{{SessionID: "sess1"}},
	}
	runner := &fakeRunner{}
	resolver := session.NewResolver(store, store)
	e := New(store, resolver, runner, mirrorOf("sess1", 2))

	resumed, err := e.TryResume(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if resumed || len(runner.resumes) != 0 {
		t.Error("completed session must not be resumed")
	}
}

func TestTryResume_GuardConditions(t *testing.T) {
	t.Run("no session id", func(t *testing.T) {
		store := &fakeStore{}
		runner := &fakeRunner{}
		e := New(store, session.NewResolver(store, store), runner, mirrorOf("sess1", 2))
		if resumed, _ := e.TryResume(context.Background()); resumed {
			t.Error("resumed with no session id")
		}
	})

	t.Run("local plan exists", func(t *testing.T) {
		store := &fakeStore{sessions: []domain.OrchestratorSession{runningSession("sess1")}}
		runner := &fakeRunner{planned: []string{"tracking"}}
		e := New(store, session.NewResolver(store, store), runner, mirrorOf("sess1", 2))
		if resumed, _ := e.TryResume(context.Background()); resumed {
			t.Error("resumed while a local plan exists")
		}
	})

	t.Run("empty mirror", func(t *testing.T) {
		store := &fakeStore{sessions: []domain.OrchestratorSession{runningSession("sess1")}}
		runner := &fakeRunner{}
		e := New(store, session.NewResolver(store, store), runner, &fakeView{})
		if resumed, _ := e.TryResume(context.Background()); resumed {
			t.Error("resumed with an empty realtime mapping")
		}
	})

	// The production mirror is unfiltered, so leftovers from an older session
	// must not satisfy the non-empty guard
	t.Run("only other sessions mirrored", func(t *testing.T) {
		store := &fakeStore{sessions: []domain.OrchestratorSession{runningSession("sess1")}}
		runner := &fakeRunner{}
		e := New(store, session.NewResolver(store, store), runner, mirrorOf("stale", 2))
		if resumed, _ := e.TryResume(context.Background()); resumed {
			t.Error("resumed on the strength of another session's runs")
		}
	})
}
