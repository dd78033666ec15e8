package scoring

import (
	"encoding/json"
	"testing"

	"github.com/storelens/audit-orchestrator/internal/domain"
)

var testWeights = Weights{"tracking": 50, "ads": 30, "seo": 20}

var testThresholds = Thresholds{Ready: 80, Partial: 50}

func progress(auditType string, status domain.ProgressStatus, result string) domain.AuditProgress {
	p := domain.AuditProgress{AuditType: auditType, Status: status}
	if result != "" {
		p.Result = json.RawMessage(result)
	}
	return p
}

func TestScore_WeightedScenario(t *testing.T) {
	// A completes clean, B fails, C completes with issues
	batch := []domain.AuditProgress{
		progress("tracking", domain.ProgressCompleted, `{"score":100,"issues_count":0}`),
		progress("ads", domain.ProgressError, ""),
		progress("seo", domain.ProgressCompleted, `{"score":70,"issues_count":3}`),
	}

	score := Score(batch, testWeights)

	// (100*50 + 0*30 + 70*20) / 100 = 64
	if score.Total != 64 {
		t.Errorf("Total = %v, want 64", score.Total)
	}
	if len(score.Breakdown) != 3 {
		t.Fatalf("breakdown len = %d, want 3", len(score.Breakdown))
	}
	if score.Breakdown[1].WeightedScore != 0 {
		t.Errorf("failed audit weighted score = %v, want 0", score.Breakdown[1].WeightedScore)
	}
	if score.Breakdown[1].Weight != 30 {
		t.Errorf("failed audit weight = %v, want 30 (kept in denominator)", score.Breakdown[1].Weight)
	}
	if score.Breakdown[2].IssuesCount != 3 {
		t.Errorf("seo issues = %d, want 3", score.Breakdown[2].IssuesCount)
	}

	verdict := Readiness(score, batch, testThresholds)
	if verdict.Level != LevelPartial {
		t.Errorf("level = %q, want partial at total 64", verdict.Level)
	}
	if len(verdict.Recommendations) != 2 {
		t.Errorf("recommendations = %v, want 2", verdict.Recommendations)
	}
}

func TestScore_MonotonicWeighting(t *testing.T) {
	// Flipping one audit from completed to failed must strictly decrease the
	// total, with all else constant
	completed := []domain.AuditProgress{
		progress("tracking", domain.ProgressCompleted, `{"score":100}`),
		progress("ads", domain.ProgressCompleted, `{"score":80}`),
	}
	failed := []domain.AuditProgress{
		completed[0],
		progress("ads", domain.ProgressError, ""),
	}

	before := Score(completed, testWeights).Total
	after := Score(failed, testWeights).Total
	if after >= before {
		t.Errorf("total after failure %v, want strictly below %v", after, before)
	}
}

func TestScore_IssuePenaltyWithoutExplicitScore(t *testing.T) {
	batch := []domain.AuditProgress{
		progress("tracking", domain.ProgressCompleted, `{"issues_count":4}`),
	}
	got := Score(batch, Weights{"tracking": 100}).Total
	if got != 60 {
		t.Errorf("Total = %v, want 60 (100 - 4*10)", got)
	}

	// Penalty floors at zero
	batch[0].Result = json.RawMessage(`{"issues_count":40}`)
	if got := Score(batch, Weights{"tracking": 100}).Total; got != 0 {
		t.Errorf("Total = %v, want 0", got)
	}
}

func TestScore_UnconfiguredTypeGetsDefaultWeight(t *testing.T) {
	batch := []domain.AuditProgress{
		progress("mystery", domain.ProgressCompleted, `{"score":50}`),
	}
	if got := Score(batch, testWeights).Total; got != 50 {
		t.Errorf("Total = %v, want 50", got)
	}
}

func TestScore_Deterministic(t *testing.T) {
	batch := []domain.AuditProgress{
		progress("tracking", domain.ProgressCompleted, `{"score":88}`),
		progress("ads", domain.ProgressRunning, ""),
		progress("seo", domain.ProgressError, ""),
	}
	first := Score(batch, testWeights)
	for i := 0; i < 10; i++ {
		if got := Score(batch, testWeights); got.Total != first.Total {
			t.Fatalf("Score not deterministic: %v vs %v", got.Total, first.Total)
		}
	}
}

func TestReadiness_Levels(t *testing.T) {
	tests := []struct {
		total float64
		want  ReadinessLevel
	}{
		{95, LevelReady},
		{80, LevelReady},
		{79.9, LevelPartial},
		{50, LevelPartial},
		{49, LevelNotReady},
		{0, LevelNotReady},
	}
	for _, tt := range tests {
		got := Readiness(CampaignScore{Total: tt.total}, nil, testThresholds)
		if got.Level != tt.want {
			t.Errorf("Readiness(%v) = %q, want %q", tt.total, got.Level, tt.want)
		}
		if got.Label == "" || got.Description == "" {
			t.Errorf("Readiness(%v) missing label or description", tt.total)
		}
	}
}
