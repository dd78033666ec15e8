// Package runner drives a planned, ordered batch of audits to completion one
// at a time. The remote store is the source of truth throughout: progress and
// completion are projected from the realtime mapping, never from the loop's
// internal position, so a recovered runner attaching mid-batch stays correct.
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/realtime"
	"github.com/storelens/audit-orchestrator/internal/scoring"
	"github.com/storelens/audit-orchestrator/internal/session"
)

// RunStore is the remote audit_runs surface the runner polls and writes
type RunStore interface {
	ListRuns(ctx context.Context, filter, sort string) ([]domain.AuditRun, error)
	CreateRun(ctx context.Context, run *domain.AuditRun) (*domain.AuditRun, error)
}

// SessionStore is the remote orchestrator_sessions surface
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.OrchestratorSession) (*domain.OrchestratorSession, error)
	UpdateSession(ctx context.Context, id string, fields map[string]interface{}) error
}

// AuditTrigger starts one audit; *controller.Controller satisfies this
type AuditTrigger interface {
	Trigger(ctx context.Context, auditType string) error
}

// RunView is the live mapping of the session's audit runs
type RunView interface {
	Snapshot() map[string]domain.AuditRun
}

// Catalog fetches the audit definitions the backend can currently execute
type Catalog func(ctx context.Context) ([]domain.AuditDefinition, error)

// ScoringConfig supplies the current weights and thresholds; indirected
// through a func so config hot-reload reaches an already-constructed runner
type ScoringConfig func() (scoring.Weights, scoring.Thresholds)

// Config holds the runner timings. SettleDelay is a heuristic wait for feed
// propagation before the first poll; replaceable, hence configuration.
type Config struct {
	SettleDelay  time.Duration
	PollInterval time.Duration
	AuditTimeout time.Duration
}

// DefaultConfig returns the stock timings
func DefaultConfig() Config {
	return Config{
		SettleDelay:  2 * time.Second,
		PollInterval: 2 * time.Second,
		AuditTimeout: 3 * time.Minute,
	}
}

// State is the runner's coarse lifecycle position
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateSummarized State = "summarized"
)

// Summary is the finalized view of a completed batch
type Summary struct {
	Score       scoring.CampaignScore
	Readiness   scoring.CampaignReadiness
	CompletedAt time.Time
}

// Runner executes a planned batch sequentially
type Runner struct {
	trigger  AuditTrigger
	runs     RunStore
	sessions SessionStore
	view     RunView
	resolver *session.Resolver
	catalog  Catalog
	scoring  ScoringConfig
	cfg      Config

	mu           sync.Mutex
	planned      []string
	names        map[string]string
	state        State
	finalized    bool
	sessionRecID string
	summary      *Summary
}

// New creates a runner
func New(trigger AuditTrigger, runs RunStore, sessions SessionStore, view RunView, resolver *session.Resolver, catalog Catalog, scoringCfg ScoringConfig, cfg Config) *Runner {
	return &Runner{
		trigger:  trigger,
		runs:     runs,
		sessions: sessions,
		view:     view,
		resolver: resolver,
		catalog:  catalog,
		scoring:  scoringCfg,
		cfg:      cfg,
		names:    make(map[string]string),
		state:    StateIdle,
	}
}

// Start begins a new batch under a fresh session id. The requested list is
// deduplicated and filtered to currently-available audit types, first
// occurrence order preserved; an empty request plans every available audit.
// At most one batch runs per runner; a second Start while one is active is
// refused. Start blocks until the batch finishes or ctx is cancelled.
func (r *Runner) Start(ctx context.Context, requested []string) error {
	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		return fmt.Errorf("runner already active")
	}
	r.state = StateRunning
	r.planned = nil
	r.finalized = false
	r.summary = nil
	r.mu.Unlock()

	defs, err := r.catalog(ctx)
	if err != nil {
		r.setState(StateIdle)
		return fmt.Errorf("fetch audit catalog: %w", err)
	}

	planned, names := planFromCatalog(requested, defs)
	if len(planned) == 0 {
		r.setState(StateIdle)
		return fmt.Errorf("no available audits to run")
	}

	sessionID := r.resolver.StartNew()

	r.mu.Lock()
	r.planned = planned
	r.names = names
	r.mu.Unlock()

	stored, err := r.sessions.CreateSession(ctx, &domain.OrchestratorSession{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		PlannedAudits: planned,
		Status:        domain.SessionRunning,
		StartedAt:     time.Now().UTC(),
	})
	if err != nil {
		r.setState(StateIdle)
		return fmt.Errorf("create orchestrator session: %w", err)
	}
	r.mu.Lock()
	r.sessionRecID = stored.ID
	r.mu.Unlock()

	if err := r.bulkCreateRuns(ctx, sessionID, planned); err != nil {
		// Missing records are recreated one by one at trigger time
		log.Printf("runner: bulk create runs: %v", err)
	}

	// Let the realtime feed catch up before the loop starts polling
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.cfg.SettleDelay):
	}

	return r.runLoop(ctx, sessionID)
}

// Resume re-attaches the runner to an existing running session. Planned items
// already terminal in the store are skipped, never re-triggered.
func (r *Runner) Resume(ctx context.Context, sessionID string, planned []string, sessionRecID string) error {
	names := make(map[string]string)
	if defs, err := r.catalog(ctx); err == nil {
		for _, d := range defs {
			names[d.Type] = d.Name
		}
	}

	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		return fmt.Errorf("runner already active")
	}
	r.planned = planned
	r.names = names
	r.state = StateRunning
	r.finalized = false
	r.summary = nil
	r.sessionRecID = sessionRecID
	r.mu.Unlock()

	return r.runLoop(ctx, sessionID)
}

// bulkCreateRuns creates pending records for every planned type that is not
// already in flight, so the feed reflects the whole batch immediately
func (r *Runner) bulkCreateRuns(ctx context.Context, sessionID string, planned []string) error {
	existing, err := r.runs.ListRuns(ctx, realtime.RunsBySession(sessionID), "")
	if err != nil {
		return err
	}
	inFlight := make(map[string]bool)
	for i := range existing {
		if existing[i].InFlight() {
			inFlight[existing[i].AuditType] = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, auditType := range planned {
		if inFlight[auditType] {
			continue
		}
		g.Go(func() error {
			_, err := r.runs.CreateRun(gctx, &domain.AuditRun{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				AuditType: auditType,
				Status:    domain.RunPending,
				StartedAt: time.Now().UTC(),
			})
			return err
		})
	}
	return g.Wait()
}

// runLoop triggers each planned audit in order, waiting for the previous one
// to reach a terminal status before starting the next. Trigger errors and
// wait timeouts are tolerated: a stuck audit must never permanently block the
// batch.
func (r *Runner) runLoop(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	planned := append([]string(nil), r.planned...)
	r.mu.Unlock()

	for _, auditType := range planned {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		status, ok := r.projectedStatus(auditType)
		if ok && status.Terminal() {
			continue
		}

		// A run already executing (recovery re-attach) is waited on, not
		// re-triggered
		if status != domain.ProgressRunning {
			if err := r.trigger.Trigger(ctx, auditType); err != nil {
				log.Printf("runner: trigger %s: %v, continuing", auditType, err)
			}
		}

		if err := r.waitTerminal(ctx, sessionID, auditType); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("runner: wait for %s: %v, continuing", auditType, err)
		}
	}

	return r.CheckCompletion(ctx)
}

// waitTerminal polls the remote store until the run for this audit type
// reaches a terminal status or the per-audit timeout elapses
func (r *Runner) waitTerminal(ctx context.Context, sessionID, auditType string) error {
	deadline := time.Now().Add(r.cfg.AuditTimeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		runs, err := r.runs.ListRuns(ctx, realtime.RunBySessionAndType(sessionID, auditType), "-started_at")
		if err != nil {
			log.Printf("runner: poll %s: %v", auditType, err)
		} else if len(runs) > 0 && runs[0].Terminal() {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %v", r.cfg.AuditTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Progress projects the per-audit state purely from the current realtime
// mapping and the fixed planned list; it never depends on loop position
func (r *Runner) Progress() []domain.AuditProgress {
	r.mu.Lock()
	planned := append([]string(nil), r.planned...)
	names := r.names
	r.mu.Unlock()

	return Project(r.view.Snapshot(), planned, names, r.resolver.Known())
}

// AllDone reports whether every planned audit has a terminal projected status
func (r *Runner) AllDone() bool {
	progress := r.Progress()
	if len(progress) == 0 {
		return false
	}
	for _, p := range progress {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

// CheckCompletion finalizes the batch on the first observation of all-done
// while running: the orchestrator session is marked completed exactly once
// and the campaign summary is computed. Safe to call redundantly; wired to
// the mirror's change notifications so recovery can observe completion
// without ever running the loop.
func (r *Runner) CheckCompletion(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning || r.finalized || len(r.planned) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if !r.AllDone() {
		return nil
	}

	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.finalized = true
	sessionRecID := r.sessionRecID
	r.mu.Unlock()

	progress := r.Progress()
	weights, thresholds := r.scoring()
	score := scoring.Score(progress, weights)
	readiness := scoring.Readiness(score, progress, thresholds)
	now := time.Now().UTC()

	r.mu.Lock()
	r.summary = &Summary{Score: score, Readiness: readiness, CompletedAt: now}
	r.state = StateSummarized
	r.mu.Unlock()

	if sessionRecID != "" {
		err := r.sessions.UpdateSession(ctx, sessionRecID, map[string]interface{}{
			"status":       string(domain.SessionCompleted),
			"completed_at": now,
		})
		if err != nil {
			return fmt.Errorf("mark session completed: %w", err)
		}
	}
	log.Printf("runner: batch complete, score %.0f (%s)", score.Total, readiness.Level)
	return nil
}

// OnMirrorChange is the hook for the realtime mirror's change notifications
func (r *Runner) OnMirrorChange() {
	go func() {
		if err := r.CheckCompletion(context.Background()); err != nil {
			log.Printf("runner: completion check: %v", err)
		}
	}()
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// State returns the runner's lifecycle position
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Planned returns the fixed planned audit list of the current batch
func (r *Runner) Planned() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.planned...)
}

// Summary returns the finalized batch summary, or nil before finalization
func (r *Runner) Summary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

func (r *Runner) projectedStatus(auditType string) (domain.ProgressStatus, bool) {
	for _, p := range r.Progress() {
		if p.AuditType == auditType {
			return p.Status, true
		}
	}
	return "", false
}

// planFromCatalog filters the requested types to available ones, keeping the
// first occurrence of each so a repeated type cannot yield two in-flight runs
// for one (session, type) pair; an empty request plans all available audits
// in catalog order
func planFromCatalog(requested []string, defs []domain.AuditDefinition) ([]string, map[string]string) {
	available := make(map[string]bool, len(defs))
	names := make(map[string]string, len(defs))
	for _, d := range defs {
		available[d.Type] = d.Available
		names[d.Type] = d.Name
	}

	var planned []string
	if len(requested) == 0 {
		for _, d := range defs {
			if d.Available {
				planned = append(planned, d.Type)
			}
		}
	} else {
		seen := make(map[string]bool, len(requested))
		for _, t := range requested {
			if available[t] && !seen[t] {
				seen[t] = true
				planned = append(planned, t)
			}
		}
	}
	return planned, names
}
