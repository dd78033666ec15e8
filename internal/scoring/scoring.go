// Package scoring aggregates a finished batch of per-audit results into a
// weighted campaign score and a human-facing readiness verdict. Everything
// here is pure: identical input always yields identical output.
package scoring

import (
	"fmt"

	"github.com/storelens/audit-orchestrator/internal/domain"
)

// Weights maps audit type to its configured weight. Types absent from the map
// weigh defaultWeight so unconfigured audits still count.
type Weights map[string]float64

const defaultWeight = 1.0

// Thresholds hold the readiness cut-offs; values are configuration, not part
// of the algorithm
type Thresholds struct {
	Ready   float64
	Partial float64
}

// AuditScore is one audit's contribution to the campaign score
type AuditScore struct {
	AuditType     string                `json:"audit_type"`
	Status        domain.ProgressStatus `json:"status"`
	IssuesCount   int                   `json:"issues_count"`
	Weight        float64               `json:"weight"`
	WeightedScore float64               `json:"weighted_score"`
}

// CampaignScore is the weighted total over a batch
type CampaignScore struct {
	Total     float64      `json:"total"`
	Breakdown []AuditScore `json:"breakdown"`
}

// ReadinessLevel classifies the campaign verdict
type ReadinessLevel string

const (
	LevelReady    ReadinessLevel = "ready"
	LevelPartial  ReadinessLevel = "partial"
	LevelNotReady ReadinessLevel = "not_ready"
)

// CampaignReadiness is the human-facing verdict
type CampaignReadiness struct {
	Level           ReadinessLevel `json:"level"`
	Label           string         `json:"label"`
	Description     string         `json:"description"`
	Recommendations []string       `json:"recommendations"`
}

// issuePenalty is subtracted per issue when a completed result carries no
// explicit score
const issuePenalty = 10.0

// auditScore computes one audit's raw 0-100 score. Failed audits score zero
// but keep their weight in the denominator, so failures pull the average down
// instead of being excluded.
func auditScore(p domain.AuditProgress) float64 {
	if p.Status != domain.ProgressCompleted {
		return 0
	}
	result := domain.ParseResult(p.Result)
	if result.Score != nil {
		return clamp(*result.Score)
	}
	return clamp(100 - issuePenalty*float64(result.IssuesCount))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Score computes the weighted campaign total, breakdown ordered as the
// progress input
func Score(progress []domain.AuditProgress, weights Weights) CampaignScore {
	score := CampaignScore{Breakdown: make([]AuditScore, 0, len(progress))}

	var weightedSum, weightTotal float64
	for _, p := range progress {
		weight, ok := weights[p.AuditType]
		if !ok {
			weight = defaultWeight
		}
		raw := auditScore(p)
		weighted := raw * weight / 100

		score.Breakdown = append(score.Breakdown, AuditScore{
			AuditType:     p.AuditType,
			Status:        p.Status,
			IssuesCount:   domain.ParseResult(p.Result).IssuesCount,
			Weight:        weight,
			WeightedScore: weighted,
		})
		weightedSum += raw * weight
		weightTotal += weight
	}

	if weightTotal > 0 {
		score.Total = weightedSum / weightTotal
	}
	return score
}

// Readiness derives the verdict from a computed score and the batch progress
func Readiness(score CampaignScore, progress []domain.AuditProgress, th Thresholds) CampaignReadiness {
	var recommendations []string
	for _, p := range progress {
		name := p.Name
		if name == "" {
			name = p.AuditType
		}
		switch {
		case p.Status == domain.ProgressError:
			recommendations = append(recommendations, fmt.Sprintf("Re-run the %s audit; the last attempt did not finish", name))
		case p.Status == domain.ProgressCompleted:
			if issues := domain.ParseResult(p.Result).IssuesCount; issues > 0 {
				recommendations = append(recommendations, fmt.Sprintf("Resolve %d issue(s) found by the %s audit", issues, name))
			}
		}
	}

	switch {
	case score.Total >= th.Ready:
		return CampaignReadiness{
			Level:           LevelReady,
			Label:           "Ready to launch",
			Description:     fmt.Sprintf("Campaign readiness score is %.0f/100; the store is in good shape.", score.Total),
			Recommendations: recommendations,
		}
	case score.Total >= th.Partial:
		return CampaignReadiness{
			Level:           LevelPartial,
			Label:           "Almost there",
			Description:     fmt.Sprintf("Campaign readiness score is %.0f/100; a few areas need attention before launch.", score.Total),
			Recommendations: recommendations,
		}
	default:
		return CampaignReadiness{
			Level:           LevelNotReady,
			Label:           "Not ready",
			Description:     fmt.Sprintf("Campaign readiness score is %.0f/100; significant problems remain.", score.Total),
			Recommendations: recommendations,
		}
	}
}
