package tui

import (
	"encoding/json"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/runner"
	"github.com/storelens/audit-orchestrator/internal/scoring"
)

type fakeSource struct {
	progress []domain.AuditProgress
	state    runner.State
	summary  *runner.Summary
}

func (f *fakeSource) Progress() []domain.AuditProgress { return f.progress }
func (f *fakeSource) State() runner.State              { return f.state }
func (f *fakeSource) Summary() *runner.Summary         { return f.summary }

func testProgress() []domain.AuditProgress {
	return []domain.AuditProgress{
		{AuditType: "tracking", Name: "Tracking Setup", Status: domain.ProgressCompleted},
		{AuditType: "ads", Name: "Ads Readiness", Status: domain.ProgressRunning},
		{AuditType: "seo", Name: "SEO Health", Status: domain.ProgressPending},
	}
}

func testModel(src *fakeSource) Model {
	m := NewModel(ModelConfig{
		Source:    src,
		Connected: func() bool { return true },
		Preview: func(p []domain.AuditProgress) (scoring.CampaignScore, scoring.CampaignReadiness) {
			score := scoring.Score(p, scoring.Weights{})
			return score, scoring.Readiness(score, p, scoring.Thresholds{Ready: 80, Partial: 50})
		},
	})
	m.width = 100
	m.height = 40
	return m
}

func TestView_RendersPlannedAudits(t *testing.T) {
	m := testModel(&fakeSource{progress: testProgress(), state: runner.StateRunning})

	out := m.View()
	for _, want := range []string{"Tracking Setup", "Ads Readiness", "SEO Health", "completed", "running", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestView_ShowsIssueCounts(t *testing.T) {
	src := &fakeSource{
		progress: []domain.AuditProgress{
			{AuditType: "seo", Name: "SEO Health", Status: domain.ProgressCompleted,
				Result: json.RawMessage(`{"issues_count":3}`)},
		},
		state: runner.StateRunning,
	}
	m := testModel(src)

	if out := m.View(); !strings.Contains(out, "3 issue(s)") {
		t.Errorf("view missing issue count:\n%s", out)
	}
}

func TestView_FinalSummaryWinsOverPreview(t *testing.T) {
	progress := []domain.AuditProgress{
		{AuditType: "tracking", Status: domain.ProgressCompleted},
	}
	score := scoring.Score(progress, scoring.Weights{})
	src := &fakeSource{
		progress: progress,
		state:    runner.StateSummarized,
		summary: &runner.Summary{
			Score:     score,
			Readiness: scoring.Readiness(score, progress, scoring.Thresholds{Ready: 80, Partial: 50}),
		},
	}
	m := testModel(src)

	out := m.View()
	if strings.Contains(out, "preview") {
		t.Error("finalized batch should not render the preview hint")
	}
	if !strings.Contains(out, "Ready to launch") {
		t.Errorf("view missing readiness label:\n%s", out)
	}
}

func TestView_EmptyBatch(t *testing.T) {
	m := testModel(&fakeSource{state: runner.StateIdle})

	if out := m.View(); !strings.Contains(out, "no batch in progress") {
		t.Errorf("view missing idle hint:\n%s", out)
	}
}

func TestUpdate_TickRefreshes(t *testing.T) {
	src := &fakeSource{state: runner.StateIdle}
	m := testModel(src)

	src.progress = testProgress()
	src.state = runner.StateRunning

	updated, cmd := m.Update(TickMsg{})
	m = updated.(Model)
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
	if len(m.progress) != 3 || m.state != runner.StateRunning {
		t.Errorf("refresh did not pull new data: %d audits, state %s", len(m.progress), m.state)
	}
}

func TestUpdate_QuitKeys(t *testing.T) {
	m := testModel(&fakeSource{})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Error("q should quit")
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Error("ctrl+c should quit")
	}
}

func TestView_DisconnectedFeed(t *testing.T) {
	m := NewModel(ModelConfig{
		Source:    &fakeSource{progress: testProgress(), state: runner.StateRunning},
		Connected: func() bool { return false },
	})
	m.width = 100

	if out := m.View(); !strings.Contains(out, "reconnecting") {
		t.Errorf("view missing reconnect hint:\n%s", out)
	}
}
