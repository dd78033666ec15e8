package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/scoring"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	scoreReadyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	scorePartialStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("214"))

	scoreNotReadyStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	feed := "feed: connected"
	if !m.feedUp {
		feed = "feed: reconnecting"
	}
	header := fmt.Sprintf(" Audit Orchestrator │ batch: %s │ %s │ started %s ",
		m.state, feed, humanize.Time(m.startedAt))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderProgress()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderScore()))
	b.WriteString("\n")

	statusBar := fmt.Sprintf(" q: quit │ r: refresh │ updated %s ", humanize.Time(m.lastRefresh))
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderProgress() string {
	var b strings.Builder
	b.WriteString("Planned audits\n")

	if len(m.progress) == 0 {
		b.WriteString(dimmedStyle.Render("  no batch in progress"))
		return b.String()
	}

	for _, p := range m.progress {
		name := p.Name
		if name == "" {
			name = p.AuditType
		}
		line := fmt.Sprintf("  %s %-24s %s", statusIcon(p.Status), name, statusLabel(p))
		b.WriteString(styleFor(p.Status).Render(line))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderScore() string {
	var b strings.Builder

	// Final summary when the batch finalized, live preview otherwise
	var score scoring.CampaignScore
	var readiness scoring.CampaignReadiness
	switch {
	case m.summary != nil:
		score = m.summary.Score
		readiness = m.summary.Readiness
	case m.preview != nil && len(m.progress) > 0:
		score, readiness = m.preview(m.progress)
		b.WriteString(dimmedStyle.Render("preview, batch still running"))
		b.WriteString("\n")
	default:
		return "Campaign readiness\n" + dimmedStyle.Render("  waiting for results")
	}

	b.WriteString(fmt.Sprintf("Campaign readiness: %s\n",
		scoreStyleFor(readiness.Level).Render(fmt.Sprintf("%.0f/100 · %s", score.Total, readiness.Label))))

	for _, a := range score.Breakdown {
		b.WriteString(fmt.Sprintf("  %-14s weight %4.0f  contributes %5.1f\n", a.AuditType, a.Weight, a.WeightedScore))
	}
	for _, rec := range readiness.Recommendations {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  • %s", rec)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusIcon(s domain.ProgressStatus) string {
	switch s {
	case domain.ProgressCompleted:
		return "✓"
	case domain.ProgressRunning:
		return "▶"
	case domain.ProgressError:
		return "✗"
	default:
		return "·"
	}
}

func statusLabel(p domain.AuditProgress) string {
	switch p.Status {
	case domain.ProgressCompleted:
		if issues := domain.ParseResult(p.Result).IssuesCount; issues > 0 {
			return fmt.Sprintf("completed, %d issue(s)", issues)
		}
		return "completed"
	case domain.ProgressError:
		if p.Error != "" {
			return "error: " + p.Error
		}
		return "error"
	default:
		return string(p.Status)
	}
}

func styleFor(s domain.ProgressStatus) lipgloss.Style {
	switch s {
	case domain.ProgressCompleted:
		return completedStyle
	case domain.ProgressRunning:
		return runningStyle
	case domain.ProgressError:
		return errorStyle
	default:
		return pendingStyle
	}
}

func scoreStyleFor(level scoring.ReadinessLevel) lipgloss.Style {
	switch level {
	case scoring.LevelReady:
		return scoreReadyStyle
	case scoring.LevelPartial:
		return scorePartialStyle
	default:
		return scoreNotReadyStyle
	}
}
