// Package tui renders the live batch dashboard for the watch command.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/runner"
	"github.com/storelens/audit-orchestrator/internal/scoring"
)

// Source supplies the live batch state the dashboard renders
type Source interface {
	Progress() []domain.AuditProgress
	State() runner.State
	Summary() *runner.Summary
}

// PreviewFunc scores the current progress mid-batch, before the runner
// finalizes
type PreviewFunc func(progress []domain.AuditProgress) (scoring.CampaignScore, scoring.CampaignReadiness)

// ConnectedFunc reports whether the realtime feed is up
type ConnectedFunc func() bool

// Model is the TUI application model
type Model struct {
	// Collaborators
	source    Source
	connected ConnectedFunc
	preview   PreviewFunc

	// Data, refreshed on every tick
	progress []domain.AuditProgress
	state    runner.State
	summary  *runner.Summary
	feedUp   bool

	// UI state
	width  int
	height int

	startedAt   time.Time
	lastRefresh time.Time
}

// ModelConfig holds the dashboard's collaborators
type ModelConfig struct {
	Source    Source
	Connected ConnectedFunc
	Preview   PreviewFunc
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	m := Model{
		source:    cfg.Source,
		connected: cfg.Connected,
		preview:   cfg.Preview,
		startedAt: time.Now(),
	}
	m.refresh()
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *Model) refresh() {
	m.progress = m.source.Progress()
	m.state = m.source.State()
	m.summary = m.source.Summary()
	if m.connected != nil {
		m.feedUp = m.connected()
	}
	m.lastRefresh = time.Now()
}
