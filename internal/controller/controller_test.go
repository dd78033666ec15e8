package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storelens/audit-orchestrator/internal/backend"
	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/session"
)

type fakeView struct {
	mu   sync.Mutex
	runs map[string]domain.AuditRun
}

func newFakeView() *fakeView {
	return &fakeView{runs: make(map[string]domain.AuditRun)}
}

func (v *fakeView) Snapshot() map[string]domain.AuditRun {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]domain.AuditRun, len(v.runs))
	for id, r := range v.runs {
		out[id] = r
	}
	return out
}

func (v *fakeView) put(r domain.AuditRun) {
	v.mu.Lock()
	v.runs[r.ID] = r
	v.mu.Unlock()
}

type fakeRunStore struct {
	mu      sync.Mutex
	runs    []domain.AuditRun
	updates map[string]map[string]interface{}
	created int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{updates: make(map[string]map[string]interface{})}
}

func (s *fakeRunStore) ListRuns(ctx context.Context, filter, sort string) ([]domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditRun(nil), s.runs...), nil
}

func (s *fakeRunStore) CreateRun(ctx context.Context, run *domain.AuditRun) (*domain.AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	s.runs = append(s.runs, *run)
	return run, nil
}

func (s *fakeRunStore) UpdateRun(ctx context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = fields
	return nil
}

func (s *fakeRunStore) ListSessions(ctx context.Context, filter, sort string) ([]domain.OrchestratorSession, error) {
	return nil, nil
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeTrigger) Trigger(ctx context.Context, req backend.TriggerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("trigger rejected")
	}
	f.calls = append(f.calls, req.AuditType)
	return nil
}

func newController(view *fakeView, store *fakeRunStore, trig *fakeTrigger) (*Controller, *session.Resolver) {
	resolver := session.NewResolver(store, store)
	return New(view, store, trig, resolver, "store-1"), resolver
}

func TestTrigger_CreatesRecordBeforeCall(t *testing.T) {
	view := newFakeView()
	store := newFakeRunStore()
	trig := &fakeTrigger{}
	c, _ := newController(view, store, trig)

	if err := c.Trigger(context.Background(), "tracking"); err != nil {
		t.Fatal(err)
	}

	if store.created != 1 {
		t.Fatalf("created = %d, want 1", store.created)
	}
	if store.runs[0].Status != domain.RunPending {
		t.Errorf("status = %q, want pending", store.runs[0].Status)
	}
	if len(trig.calls) != 1 || trig.calls[0] != "tracking" {
		t.Errorf("trigger calls = %v", trig.calls)
	}
	if got := c.MarkerState("tracking"); got != StateOptimistic {
		t.Errorf("marker = %v, want optimistic", got)
	}
}

func TestTrigger_FailureClearsMarkerKeepsRecord(t *testing.T) {
	view := newFakeView()
	store := newFakeRunStore()
	trig := &fakeTrigger{fail: true}
	c, _ := newController(view, store, trig)

	if err := c.Trigger(context.Background(), "seo"); err == nil {
		t.Fatal("expected trigger error")
	}

	if got := c.MarkerState("seo"); got != StateUnknown {
		t.Errorf("marker = %v, want unknown after failed trigger", got)
	}
	if store.created != 1 {
		t.Errorf("created = %d, want 1 (record left for reconciliation)", store.created)
	}
}

func TestTrigger_AtMostOneInFlight(t *testing.T) {
	view := newFakeView()
	store := newFakeRunStore()
	trig := &fakeTrigger{}
	c, _ := newController(view, store, trig)

	if err := c.Trigger(context.Background(), "ads"); err != nil {
		t.Fatal(err)
	}
	if err := c.Trigger(context.Background(), "ads"); err == nil {
		t.Fatal("second trigger should be rejected while first is in flight")
	}
	if store.created != 1 {
		t.Errorf("created = %d, want exactly 1 non-terminal record", store.created)
	}
}

func TestTrigger_SkipsCreateWhenStoreHasInFlightRun(t *testing.T) {
	view := newFakeView()
	store := newFakeRunStore()
	trig := &fakeTrigger{}
	c, resolver := newController(view, store, trig)
	sessionID := resolver.StartNew()

	store.runs = append(store.runs, domain.AuditRun{
		ID: "existing", SessionID: sessionID, AuditType: "ads",
		Status: domain.RunPending, StartedAt: time.Now(),
	})

	if err := c.Trigger(context.Background(), "ads"); err != nil {
		t.Fatal(err)
	}
	if store.created != 0 {
		t.Errorf("created = %d, want 0 (existing pending record reused)", store.created)
	}
	if len(trig.calls) != 1 {
		t.Errorf("trigger calls = %v, want the pending record to still be triggered", trig.calls)
	}
}

func TestTrigger_RefusedWhileBackendExecuting(t *testing.T) {
	view := newFakeView()
	store := newFakeRunStore()
	trig := &fakeTrigger{}
	c, resolver := newController(view, store, trig)
	sessionID := resolver.StartNew()

	view.put(domain.AuditRun{
		ID: "r1", SessionID: sessionID, AuditType: "ads",
		Status: domain.RunRunning, StartedAt: time.Now(),
	})

	if err := c.Trigger(context.Background(), "ads"); err == nil {
		t.Fatal("trigger should be refused while the backend is executing")
	}
	if store.created != 0 || len(trig.calls) != 0 {
		t.Errorf("created = %d, calls = %v; want no side effects", store.created, trig.calls)
	}
}

func TestIsRunning_Precedence(t *testing.T) {
	view := newFakeView()
	store := newFakeRunStore()
	trig := &fakeTrigger{}
	c, resolver := newController(view, store, trig)
	sessionID := resolver.StartNew()

	// No record, no marker
	if c.IsRunning("tracking") {
		t.Error("IsRunning = true with no state")
	}

	// Optimistic marker only
	if err := c.Trigger(context.Background(), "tracking"); err != nil {
		t.Fatal(err)
	}
	if !c.IsRunning("tracking") {
		t.Error("IsRunning = false with optimistic marker")
	}

	// Realtime record arrives: authoritative, confirms the marker
	view.put(domain.AuditRun{
		ID: "r1", SessionID: sessionID, AuditType: "tracking",
		Status: domain.RunRunning, StartedAt: time.Now(),
	})
	if !c.IsRunning("tracking") {
		t.Error("IsRunning = false with realtime running record")
	}
	if got := c.MarkerState("tracking"); got != StateConfirmed {
		t.Errorf("marker = %v, want confirmed", got)
	}

	// Terminal record: running ends, marker discarded
	view.put(domain.AuditRun{
		ID: "r1", SessionID: sessionID, AuditType: "tracking",
		Status: domain.RunCompleted, StartedAt: time.Now(),
	})
	if c.IsRunning("tracking") {
		t.Error("IsRunning = true after terminal record")
	}
	if got := c.MarkerState("tracking"); got != StateUnknown {
		t.Errorf("marker = %v, want discarded", got)
	}
}

func TestResolve_Precedence(t *testing.T) {
	view := newFakeView()
	store := newFakeRunStore()
	trig := &fakeTrigger{}
	c, resolver := newController(view, store, trig)
	sessionID := resolver.StartNew()

	snapResult := json.RawMessage(`{"score":55}`)
	c.SetLegacySnapshot(&backend.SessionSnapshot{
		ID:     "legacy",
		Audits: map[string]json.RawMessage{"tracking": snapResult},
	})

	// Snapshot only
	res := c.Resolve("tracking")
	if res.Source != SourceSnapshot || res.Status != domain.ProgressCompleted {
		t.Errorf("resolution = %+v, want snapshot/completed", res)
	}

	// Realtime running beats snapshot
	view.put(domain.AuditRun{
		ID: "r1", SessionID: sessionID, AuditType: "tracking",
		Status: domain.RunRunning, StartedAt: time.Now(),
	})
	res = c.Resolve("tracking")
	if res.Source != SourceRealtime || res.Status != domain.ProgressRunning {
		t.Errorf("resolution = %+v, want realtime/running", res)
	}
	if c.CurrentResult("tracking") != nil {
		t.Error("CurrentResult should be nil while running")
	}

	// Realtime completed payload
	view.put(domain.AuditRun{
		ID: "r1", SessionID: sessionID, AuditType: "tracking",
		Status: domain.RunCompleted, StartedAt: time.Now(),
		Result: json.RawMessage(`{"score":91}`),
	})
	res = c.Resolve("tracking")
	if res.Source != SourceRealtime || res.Status != domain.ProgressCompleted {
		t.Errorf("resolution = %+v, want realtime/completed", res)
	}
	if string(c.CurrentResult("tracking")) != `{"score":91}` {
		t.Errorf("CurrentResult = %s", c.CurrentResult("tracking"))
	}

	// Unknown type with no sources at all
	res = c.Resolve("ads")
	if res.Source != SourceNone || res.Status != domain.ProgressPending {
		t.Errorf("resolution = %+v, want none/pending", res)
	}
}

func TestStop_OverwritesStatus(t *testing.T) {
	view := newFakeView()
	store := newFakeRunStore()
	trig := &fakeTrigger{}
	c, resolver := newController(view, store, trig)
	sessionID := resolver.StartNew()

	view.put(domain.AuditRun{
		ID: "r9", SessionID: sessionID, AuditType: "seo",
		Status: domain.RunRunning, StartedAt: time.Now(),
	})

	if err := c.Stop(context.Background(), "seo"); err != nil {
		t.Fatal(err)
	}
	fields, ok := store.updates["r9"]
	if !ok {
		t.Fatal("no update written")
	}
	if fields["status"] != string(domain.RunFailed) {
		t.Errorf("status = %v, want failed", fields["status"])
	}

	if err := c.Stop(context.Background(), "missing"); err == nil {
		t.Error("Stop should fail with no in-flight run")
	}
}
