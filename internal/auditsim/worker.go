package auditsim

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/rtproto"
)

// BroadcastFunc publishes one record change to the change feed
type BroadcastFunc func(action, collection string, record interface{})

// Worker executes triggered audits according to their catalog script. Each
// run walks pending, running, then completed or failed, with every transition
// persisted and broadcast so connected orchestrators mirror it live.
type Worker struct {
	store     *Store
	catalog   *Catalog
	broadcast BroadcastFunc

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewWorker creates a worker over the given store
func NewWorker(store *Store, catalog *Catalog, broadcast BroadcastFunc) *Worker {
	return &Worker{
		store:     store,
		catalog:   catalog,
		broadcast: broadcast,
		inFlight:  make(map[string]bool),
	}
}

// Execute runs one audit asynchronously. Re-triggering a run that is already
// executing is a no-op.
func (w *Worker) Execute(run *domain.AuditRun, entry CatalogEntry) {
	w.mu.Lock()
	if w.inFlight[run.ID] {
		w.mu.Unlock()
		return
	}
	w.inFlight[run.ID] = true
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, run.ID)
			w.mu.Unlock()
		}()
		w.execute(run, entry)
	}()
}

func (w *Worker) execute(run *domain.AuditRun, entry CatalogEntry) {
	run.Status = domain.RunRunning
	if err := w.store.SaveRun(run); err != nil {
		log.Printf("auditsim: worker save failed: %v", err)
		return
	}
	w.broadcast(rtproto.ActionUpdate, "audit_runs", run)

	time.Sleep(time.Duration(entry.Duration))

	now := time.Now().UTC()
	run.CompletedAt = &now
	if entry.Fail {
		run.Status = domain.RunFailed
		run.Error = "audit execution failed"
	} else {
		run.Status = domain.RunCompleted
		payload := domain.ResultPayload{
			Score:       entry.Score,
			IssuesCount: entry.Issues,
		}
		data, err := json.Marshal(payload)
		if err == nil {
			run.Result = data
		}
	}

	if err := w.store.SaveRun(run); err != nil {
		log.Printf("auditsim: worker save failed: %v", err)
		return
	}
	w.broadcast(rtproto.ActionUpdate, "audit_runs", run)
	log.Printf("auditsim: %s audit for session %s finished %s", run.AuditType, run.SessionID, run.Status)
}
