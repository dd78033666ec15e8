package schedule

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler fires configured audit batches when their cron expressions come
// due. Only one invocation of a batch runs at a time; a batch that is still
// running when its next slot arrives is skipped. Each invocation gets a
// context bounded by the batch's MaxDuration.
type Scheduler struct {
	configs  map[string]BatchConfig
	parser   cron.Parser
	lastRun  map[string]time.Time
	running  map[string]bool
	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// RunFunc executes one due batch; it is expected to block until the batch
// finishes and to honor ctx, which expires after the batch's MaxDuration.
type RunFunc func(ctx context.Context, cfg BatchConfig) error

// NewScheduler creates a scheduler from validated batch configs
func NewScheduler(configs []BatchConfig) (*Scheduler, error) {
	s := &Scheduler{
		configs:  make(map[string]BatchConfig),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
	}

	return s, nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// nextAfter returns the batch's first slot after t, or zero for an unknown
// batch. Callers hold at least the read lock.
func (s *Scheduler) nextAfter(name string, t time.Time) time.Time {
	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}

// NextRun returns the next scheduled run time for a batch
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextAfter(name, time.Now())
}

// ShouldRun returns true if a batch is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.running[name] {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	next := s.nextAfter(name, lastRun)
	return !next.IsZero() && time.Now().After(next)
}

// MarkRunning marks a batch as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a batch as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// ListBatches returns all batch names
func (s *Scheduler) ListBatches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	return names
}

// Start begins the scheduler loop; it returns when ctx is cancelled or Stop
// is called. Each due batch runs in its own goroutine.
func (s *Scheduler) Start(ctx context.Context, runFunc RunFunc) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.fireDue(ctx, runFunc)
		}
	}
}

// fireDue launches every due batch under a MaxDuration-bounded context
func (s *Scheduler) fireDue(ctx context.Context, runFunc RunFunc) {
	s.mu.RLock()
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		if !s.ShouldRun(name) {
			continue
		}

		s.mu.RLock()
		cfg := s.configs[name]
		s.mu.RUnlock()

		s.MarkRunning(name)
		go func(c BatchConfig) {
			defer s.MarkComplete(c.Name)
			runCtx, cancel := context.WithTimeout(ctx, c.MaxDuration)
			defer cancel()
			if err := runFunc(runCtx, c); err != nil {
				log.Printf("schedule: batch %s failed: %v", c.Name, err)
			}
		}(cfg)
	}
}

// Stop stops the scheduler. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
