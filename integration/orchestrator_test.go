//go:build integration

package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storelens/audit-orchestrator/internal/auditsim"
	"github.com/storelens/audit-orchestrator/internal/backend"
	"github.com/storelens/audit-orchestrator/internal/controller"
	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/realtime"
	"github.com/storelens/audit-orchestrator/internal/recovery"
	"github.com/storelens/audit-orchestrator/internal/runner"
	"github.com/storelens/audit-orchestrator/internal/scoring"
	"github.com/storelens/audit-orchestrator/internal/session"
)

// world is the full orchestrator stack wired against a live simulator
type world struct {
	sim      *auditsim.Store
	rt       *realtime.Client
	mirror   *realtime.Mirror[domain.AuditRun]
	be       *backend.Client
	resolver *session.Resolver
	ctrl     *controller.Controller
	runner   *runner.Runner
	recovery *recovery.Engine
}

func fastScoring() (scoring.Weights, scoring.Thresholds) {
	return scoring.Weights{"tracking": 50, "ads": 30, "seo": 20},
		scoring.Thresholds{Ready: 80, Partial: 50}
}

func newWorld(t *testing.T) *world {
	t.Helper()

	store, err := auditsim.NewStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	score := func(v float64) *float64 { return &v }
	catalog := &auditsim.Catalog{Audits: []auditsim.CatalogEntry{
		{Type: "tracking", Name: "Tracking Setup", Available: true,
			Duration: auditsim.Duration(30 * time.Millisecond), Score: score(100)},
		{Type: "ads", Name: "Ads Readiness", Available: true,
			Duration: auditsim.Duration(30 * time.Millisecond), Fail: true},
		{Type: "seo", Name: "SEO Health", Available: true,
			Duration: auditsim.Duration(30 * time.Millisecond), Score: score(70), Issues: 3},
		{Type: "legacy", Name: "Legacy", Available: false},
	}}

	sim := auditsim.NewServer(store, catalog, "")
	ts := httptest.NewServer(sim.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	rt := realtime.NewClient(ts.URL, wsURL)
	rt.Start()
	t.Cleanup(rt.Close)

	w := &world{sim: store, rt: rt}

	w.mirror = realtime.NewMirror[domain.AuditRun](rt, realtime.CollectionRuns, realtime.MirrorOptions[domain.AuditRun]{
		OnChange: func() {
			if w.runner != nil {
				w.runner.OnMirrorChange()
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.mirror.Start(ctx); err != nil {
		t.Fatalf("mirror start: %v", err)
	}

	w.be = backend.NewClient(ts.URL)
	w.resolver = session.NewResolver(rt, rt)
	w.ctrl = controller.New(w.mirror, rt, w.be, w.resolver, "store42")
	w.runner = runner.New(w.ctrl, rt, rt, w.mirror, w.resolver,
		w.be.AvailableAudits, fastScoring, runner.Config{
			SettleDelay:  20 * time.Millisecond,
			PollInterval: 15 * time.Millisecond,
			AuditTimeout: 3 * time.Second,
		})
	w.recovery = recovery.New(rt, w.resolver, w.runner, w.mirror)

	return w
}

func TestEndToEnd_BatchThroughSimulator(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := w.runner.Start(ctx, nil); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	summary := w.runner.Summary()
	if summary == nil {
		t.Fatal("batch finished without a summary")
	}

	// tracking 100*50 + ads 0*30 + seo 70*20 over weight 100 = 64
	if summary.Score.Total < 63 || summary.Score.Total > 65 {
		t.Errorf("score = %.2f, want ~64", summary.Score.Total)
	}
	if summary.Readiness.Level != scoring.LevelPartial {
		t.Errorf("readiness = %s, want partial", summary.Readiness.Level)
	}

	// The failed ads audit and the seo issues both yield recommendations
	if len(summary.Readiness.Recommendations) != 2 {
		t.Errorf("recommendations = %v", summary.Readiness.Recommendations)
	}

	// Session record was finalized on the backend
	sessions, err := w.sim.ListSessions(auditsim.SessionListOptions{Status: "completed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("completed sessions = %d, want 1", len(sessions))
	}
	if len(sessions[0].PlannedAudits) != 3 {
		t.Errorf("planned = %v, want the 3 available types", sessions[0].PlannedAudits)
	}
}

func TestEndToEnd_ProgressMirroredLive(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.runner.Start(ctx, []string{"tracking"}) }()

	// The run record should appear in the mirror before the batch finishes
	deadline := time.Now().Add(5 * time.Second)
	for w.mirror.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run records never reached the mirror")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := <-done; err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	progress := w.runner.Progress()
	if len(progress) != 1 || progress[0].Status != domain.ProgressCompleted {
		t.Errorf("progress = %+v", progress)
	}
}

func TestEndToEnd_RecoveryResumesInterruptedBatch(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// First process: runs tracking to completion, then dies with ads and seo
	// still pending
	if err := w.runner.Start(ctx, []string{"tracking"}); err != nil {
		t.Fatalf("first batch failed: %v", err)
	}
	sessionID := w.resolver.Known()
	if sessionID == "" {
		t.Fatal("no session id after first batch")
	}

	// Simulate the interrupted plan: the stored session claims three audits
	// and is still marked running
	sessions, err := w.sim.ListSessions(auditsim.SessionListOptions{})
	if err != nil || len(sessions) == 0 {
		t.Fatalf("sessions = %v, err %v", sessions, err)
	}
	sess := sessions[0]
	sess.Status = domain.SessionRunning
	sess.CompletedAt = nil
	sess.PlannedAudits = []string{"tracking", "ads", "seo"}
	if err := w.sim.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	// Second process: fresh stack over the same simulator
	w2 := &world{}
	*w2 = *w
	w2.runner = runner.New(w.ctrl, w.rt, w.rt, w.mirror, w.resolver,
		w.be.AvailableAudits, fastScoring, runner.Config{
			SettleDelay:  20 * time.Millisecond,
			PollInterval: 15 * time.Millisecond,
			AuditTimeout: 3 * time.Second,
		})
	w2.recovery = recovery.New(w.rt, w.resolver, w2.runner, w.mirror)

	resumed, err := w2.recovery.TryResume(ctx)
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if !resumed {
		t.Fatal("expected a resume")
	}

	progress := w2.runner.Progress()
	if len(progress) != 3 {
		t.Fatalf("progress = %+v", progress)
	}
	for _, p := range progress {
		if !p.Status.Terminal() {
			t.Errorf("%s = %s, want terminal", p.AuditType, p.Status)
		}
	}

	// tracking must not have been re-executed: still exactly one run
	runs, err := w.sim.ListRuns(auditsim.RunListOptions{AuditType: "tracking"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("tracking runs = %d, want 1", len(runs))
	}
}
