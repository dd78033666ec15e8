package runner

import (
	"github.com/storelens/audit-orchestrator/internal/domain"
)

// Project derives one AuditProgress per planned type from a realtime mapping
// snapshot. Pure: the same snapshot and plan always yield the same result,
// regardless of how many loop iterations have executed. When several runs
// exist for a type within the session, the newest wins.
func Project(snapshot map[string]domain.AuditRun, planned []string, names map[string]string, sessionID string) []domain.AuditProgress {
	latest := make(map[string]domain.AuditRun, len(planned))
	for _, run := range snapshot {
		if sessionID != "" && run.SessionID != sessionID {
			continue
		}
		prev, ok := latest[run.AuditType]
		if !ok || run.StartedAt.After(prev.StartedAt) {
			latest[run.AuditType] = run
		}
	}

	progress := make([]domain.AuditProgress, 0, len(planned))
	for _, auditType := range planned {
		p := domain.AuditProgress{
			AuditType: auditType,
			Name:      names[auditType],
			Status:    domain.ProgressPending,
		}
		if run, ok := latest[auditType]; ok {
			p.Status = domain.ProgressFromRun(run.Status)
			p.Result = run.Result
			p.Error = run.Error
		}
		progress = append(progress, p)
	}
	return progress
}
