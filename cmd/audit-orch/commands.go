package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/storelens/audit-orchestrator/internal/auditsim"
	"github.com/storelens/audit-orchestrator/internal/backend"
	"github.com/storelens/audit-orchestrator/internal/config"
	"github.com/storelens/audit-orchestrator/internal/controller"
	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/realtime"
	"github.com/storelens/audit-orchestrator/internal/recovery"
	"github.com/storelens/audit-orchestrator/internal/runner"
	"github.com/storelens/audit-orchestrator/internal/schedule"
	"github.com/storelens/audit-orchestrator/internal/scoring"
	"github.com/storelens/audit-orchestrator/internal/session"
	"github.com/storelens/audit-orchestrator/tui"
)

var (
	simPort    int
	simCatalog string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run [TYPE...]",
		Short: "Run a batch of audits sequentially",
		Long: `Run starts a new audit session, creates pending run records for the
requested audit types (all available types when none are given), triggers them
one at a time, and prints the campaign readiness score when every audit has
reached a terminal state.`,
		RunE: runBatch,
	}
	rootCmd.AddCommand(runCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current session's audit progress",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Launch the live batch dashboard",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Score the current session's results",
		RunE:  runScore,
	}
	rootCmd.AddCommand(scoreCmd)

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run recurring audit batches on cron expressions",
		RunE:  runSchedule,
	}
	rootCmd.AddCommand(scheduleCmd)

	simCmd := &cobra.Command{
		Use:   "sim",
		Short: "Run the local audit backend simulator",
		RunE:  runSim,
	}
	simCmd.Flags().IntVar(&simPort, "port", 0, "port to listen on")
	simCmd.Flags().StringVar(&simCatalog, "catalog", "", "audit catalog YAML path")
	rootCmd.AddCommand(simCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// app wires the orchestrator's collaborators for one process lifetime
type app struct {
	cfg      *config.Config
	rt       *realtime.Client
	mirror   *realtime.Mirror[domain.AuditRun]
	be       *backend.Client
	resolver *session.Resolver
	ctrl     *controller.Controller
	runner   *runner.Runner
	recovery *recovery.Engine

	scoringMu  sync.RWMutex
	weights    scoring.Weights
	thresholds scoring.Thresholds
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        cfg,
		weights:    cfg.ScoringWeights(),
		thresholds: cfg.ScoringThresholds(),
	}

	a.rt = realtime.NewClient(cfg.Backend.BaseURL, cfg.Realtime.URL)
	a.rt.Start()

	a.mirror = realtime.NewMirror[domain.AuditRun](a.rt, realtime.CollectionRuns, realtime.MirrorOptions[domain.AuditRun]{
		OnChange: func() {
			if a.runner != nil {
				a.runner.OnMirrorChange()
			}
		},
	})

	a.be = backend.NewClient(cfg.Backend.BaseURL)
	a.resolver = session.NewResolver(a.rt, a.rt)
	a.ctrl = controller.New(a.mirror, a.rt, a.be, a.resolver, cfg.Backend.RecordID)

	a.runner = runner.New(a.ctrl, a.rt, a.rt, a.mirror, a.resolver,
		a.be.AvailableAudits, a.scoringConfig, runner.Config{
			SettleDelay:  cfg.Orchestrator.SettleDelay,
			PollInterval: cfg.Orchestrator.PollInterval,
			AuditTimeout: cfg.Orchestrator.AuditTimeout,
		})
	a.recovery = recovery.New(a.rt, a.resolver, a.runner, a.mirror)

	if err := a.mirror.Start(ctx); err != nil {
		// Keep going; the mirror refetches once the feed comes up
		log.Printf("initial fetch failed: %v", err)
	}

	// Legacy snapshot is the lowest-precedence result source
	if snap, err := a.be.LatestSession(ctx); err == nil && snap != nil {
		a.ctrl.SetLegacySnapshot(snap)
	}

	return a, nil
}

func (a *app) close() {
	a.mirror.Stop()
	a.rt.Close()
}

func (a *app) scoringConfig() (scoring.Weights, scoring.Thresholds) {
	a.scoringMu.RLock()
	defer a.scoringMu.RUnlock()
	return a.weights, a.thresholds
}

// watchScoring hot-reloads scoring weights when the config file changes
func (a *app) watchScoring(ctx context.Context) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	w, err := config.NewWatcher(path, func(cfg *config.Config) {
		a.scoringMu.Lock()
		a.weights = cfg.ScoringWeights()
		a.thresholds = cfg.ScoringThresholds()
		a.scoringMu.Unlock()
		log.Printf("scoring weights reloaded from %s", path)
	})
	if err != nil {
		log.Printf("config watch unavailable: %v", err)
		return
	}
	w.Start(ctx)
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	a.watchScoring(ctx)

	// Start blocks until the batch finishes; progress is printed alongside
	done := make(chan error, 1)
	go func() {
		done <- a.runner.Start(ctx, args)
	}()

	seen := make(map[string]domain.ProgressStatus)
	announced := false
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err != nil {
				return err
			}
			printTransitions(a.runner.Progress(), seen)
			if summary := a.runner.Summary(); summary != nil {
				fmt.Println()
				printScore(summary.Score, summary.Readiness)
			} else {
				fmt.Println("Batch ended with audits still unresolved; see status")
			}
			return nil
		case <-ticker.C:
		}

		if !announced {
			if planned := a.runner.Planned(); len(planned) > 0 {
				fmt.Printf("Running %d audit(s): %v\n", len(planned), planned)
				announced = true
			}
		}
		printTransitions(a.runner.Progress(), seen)
	}
}

func printTransitions(progress []domain.AuditProgress, seen map[string]domain.ProgressStatus) {
	for _, p := range progress {
		if seen[p.AuditType] == p.Status {
			continue
		}
		seen[p.AuditType] = p.Status
		switch p.Status {
		case domain.ProgressRunning:
			fmt.Printf("  ▶ %s running\n", p.AuditType)
		case domain.ProgressCompleted:
			if issues := domain.ParseResult(p.Result).IssuesCount; issues > 0 {
				fmt.Printf("  ✓ %s completed, %d issue(s)\n", p.AuditType, issues)
			} else {
				fmt.Printf("  ✓ %s completed\n", p.AuditType)
			}
		case domain.ProgressError:
			fmt.Printf("  ✗ %s failed: %s\n", p.AuditType, p.Error)
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sessionID, err := a.resolver.Current(ctx)
	if err != nil {
		return err
	}
	if sessionID == "" {
		fmt.Println("No audit session found")
		return nil
	}

	progress, err := a.sessionProgress(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Printf("Session %s, feed %s\n", sessionID, feedState(a.mirror.Connected()))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AUDIT\tSTATUS\tISSUES\tERROR")
	for _, p := range progress {
		name := p.Name
		if name == "" {
			name = p.AuditType
		}
		issues := "-"
		if p.Status == domain.ProgressCompleted {
			issues = fmt.Sprintf("%d", domain.ParseResult(p.Result).IssuesCount)
		}
		errMsg := p.Error
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, p.Status, issues, errMsg)
	}
	w.Flush()

	return nil
}

// sessionProgress projects per-audit progress for a session from the mirror,
// against the full backend catalog
func (a *app) sessionProgress(ctx context.Context, sessionID string) ([]domain.AuditProgress, error) {
	defs, err := a.be.AvailableAudits(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(defs))
	var types []string
	for _, def := range defs {
		names[def.Type] = def.Name
		types = append(types, def.Type)
	}

	snapshot := a.mirror.Snapshot()

	// Only audits that have a run in this session; the full plan is unknown
	// outside a live runner
	var withRuns []string
	for _, t := range types {
		for _, run := range snapshot {
			if run.SessionID == sessionID && run.AuditType == t {
				withRuns = append(withRuns, t)
				break
			}
		}
	}
	return runner.Project(snapshot, withRuns, names, sessionID), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	a.watchScoring(ctx)

	// Re-attach to an in-flight batch from a previous process, if any
	go func() {
		if resumed, err := a.recovery.TryResume(ctx); err != nil {
			log.Printf("recovery: %v", err)
		} else if resumed {
			log.Printf("recovery: re-attached to running session")
		}
	}()

	model := tui.NewModel(tui.ModelConfig{
		Source:    a.runner,
		Connected: a.mirror.Connected,
		Preview: func(progress []domain.AuditProgress) (scoring.CampaignScore, scoring.CampaignReadiness) {
			weights, thresholds := a.scoringConfig()
			score := scoring.Score(progress, weights)
			return score, scoring.Readiness(score, progress, thresholds)
		},
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sessionID, err := a.resolver.Current(ctx)
	if err != nil {
		return err
	}
	if sessionID == "" {
		fmt.Println("No audit session found")
		return nil
	}

	progress, err := a.sessionProgress(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(progress) == 0 {
		fmt.Printf("Session %s has no audit runs\n", sessionID)
		return nil
	}

	weights, thresholds := a.scoringConfig()
	score := scoring.Score(progress, weights)
	printScore(score, scoring.Readiness(score, progress, thresholds))
	return nil
}

func printScore(score scoring.CampaignScore, readiness scoring.CampaignReadiness) {
	fmt.Printf("Campaign readiness: %.0f/100 · %s\n", score.Total, readiness.Label)
	fmt.Println(readiness.Description)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AUDIT\tSTATUS\tWEIGHT\tCONTRIBUTION")
	for _, b := range score.Breakdown {
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%.1f\n", b.AuditType, b.Status, b.Weight, b.WeightedScore)
	}
	w.Flush()

	if len(readiness.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, rec := range readiness.Recommendations {
			fmt.Printf("  • %s\n", rec)
		}
	}
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	a.watchScoring(ctx)

	schedCfg, err := schedule.LoadScheduleConfig(a.cfg.Orchestrator.SchedulePath)
	if err != nil {
		return err
	}
	if len(schedCfg.Batches) == 0 {
		return fmt.Errorf("no batches configured in %s", a.cfg.Orchestrator.SchedulePath)
	}

	sched, err := schedule.NewScheduler(schedCfg.Batches)
	if err != nil {
		return err
	}

	for _, name := range sched.ListBatches() {
		fmt.Printf("Batch %s next runs at %s\n", name, sched.NextRun(name).Format(time.RFC1123))
	}

	sched.Start(ctx, func(runCtx context.Context, batch schedule.BatchConfig) error {
		log.Printf("schedule: starting batch %s", batch.Name)
		if err := a.runner.Start(runCtx, batch.Audits); err != nil {
			return err
		}
		if summary := a.runner.Summary(); summary != nil {
			log.Printf("schedule: batch %s scored %.0f/100 (%s)",
				batch.Name, summary.Score.Total, summary.Readiness.Level)
		}
		return nil
	})
	return nil
}

func runSim(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	port := simPort
	if port == 0 {
		port = cfg.Sim.Port
	}
	catalogPath := simCatalog
	if catalogPath == "" {
		catalogPath = cfg.Sim.CatalogPath
	}

	catalog, err := auditsim.LoadCatalog(catalogPath)
	if err != nil {
		return err
	}

	store, err := auditsim.NewStore(cfg.Sim.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	fmt.Printf("Simulator with %d audit type(s) at http://%s\n", len(catalog.Audits), addr)
	return auditsim.NewServer(store, catalog, addr).Start(cmd.Context())
}

func feedState(connected bool) string {
	if connected {
		return "connected"
	}
	return "reconnecting"
}
