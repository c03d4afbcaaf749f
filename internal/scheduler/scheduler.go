// Package scheduler submits due scheduled tasks to the swarm and runs the
// coordinator's periodic maintenance.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/schedule"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/swarm"
)

// Submitter hands a task to the swarm. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, task swarm.Task, source string) (*store.TaskRun, error)
}

// Maintainer is the periodic housekeeping a long-running swarm needs.
type Maintainer interface {
	PruneConsensusCache() int
}

// IdleEvicter drops pooled agents idle past their timeout.
type IdleEvicter interface {
	EvictIdle(ctx context.Context) int
}

// Publisher receives task_executed events. natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Scheduler struct {
	store     *store.Store
	submitter Submitter
	maint     Maintainer
	evicter   IdleEvicter
	pub       Publisher
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	cfg      config.SchedulerConfig
	reloadCh chan struct{}
}

type Option func(*Scheduler)

func WithMaintenance(m Maintainer, e IdleEvicter) Option {
	return func(s *Scheduler) {
		s.maint = m
		s.evicter = e
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.pub = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(st *store.Store, sub Submitter, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     st,
		submitter: sub,
		cfg:       withDefaults(cfg),
		log:       slog.Default(),
		now:       time.Now,
		reloadCh:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func withDefaults(cfg config.SchedulerConfig) config.SchedulerConfig {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Minute
	}
	return cfg
}

// UpdateConfig swaps the intervals and signals the run loop to reset its
// tickers.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.cfg = withDefaults(cfg)
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) config() config.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	cfg := s.config()
	poll := time.NewTicker(cfg.PollInterval)
	defer poll.Stop()
	maint := time.NewTicker(cfg.MaintenanceInterval)
	defer maint.Stop()

	s.log.Info("scheduler started", "poll_interval", cfg.PollInterval, "maintenance_interval", cfg.MaintenanceInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			cfg = s.config()
			poll.Reset(cfg.PollInterval)
			maint.Reset(cfg.MaintenanceInterval)
			s.log.Info("scheduler config reloaded", "poll_interval", cfg.PollInterval, "maintenance_interval", cfg.MaintenanceInterval)
		case <-poll.C:
			s.Poll(ctx)
		case <-maint.C:
			s.Maintain(ctx)
		}
	}
}

// Poll submits every task that is due and returns how many ran.
func (s *Scheduler) Poll(ctx context.Context) int {
	tasks, err := s.store.GetDueTasks(s.now())
	if err != nil {
		s.log.Error("failed to get due tasks", "error", err)
		return 0
	}
	for _, task := range tasks {
		s.execute(ctx, task)
	}
	return len(tasks)
}

// Maintain prunes expired consensus results and evicts idle pooled agents.
func (s *Scheduler) Maintain(ctx context.Context) {
	var pruned, evicted int
	if s.maint != nil {
		pruned = s.maint.PruneConsensusCache()
	}
	if s.evicter != nil {
		evicted = s.evicter.EvictIdle(ctx)
	}
	if pruned > 0 || evicted > 0 {
		s.log.Debug("maintenance", "pruned_consensus", pruned, "evicted_agents", evicted)
	}
}

func (s *Scheduler) execute(ctx context.Context, task store.ScheduledTask) {
	s.log.Info("executing scheduled task", "id", task.ID, "name", task.Name)

	run, err := s.submitter.Submit(ctx, swarm.Task{
		ID:           task.ID,
		Description:  task.Description,
		Priority:     swarm.Priority(task.Priority),
		Complexity:   swarm.Complexity(task.Complexity),
		Capabilities: task.Capabilities,
	}, "scheduler")

	lastStatus, lastError := "success", ""
	switch {
	case err != nil:
		lastStatus, lastError = "error", err.Error()
		s.log.Error("task execution failed", "id", task.ID, "error", err)
	case run != nil && run.Status != "spawned":
		lastStatus = run.Status
	}

	nextRun := schedule.NextRun(task.Schedule, s.now())
	if err := s.store.UpdateTaskRun(task.ID, lastStatus, lastError, nextRun); err != nil {
		s.log.Error("failed to update task run", "id", task.ID, "error", err)
	}

	s.publishTaskExecuted(task, lastStatus)

	if nextRun == nil {
		s.log.Info("no next run, marking task as completed", "id", task.ID, "name", task.Name)
		if err := s.store.UpdateTaskStatus(task.ID, "completed"); err != nil {
			s.log.Error("failed to complete task", "id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishTaskExecuted(task store.ScheduledTask, status string) {
	if s.pub == nil {
		return
	}
	event := map[string]any{
		"type":      "task_executed",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     task.ID,
			"name":   task.Name,
			"status": status,
		},
	}
	if err := s.pub.PublishJSON(natsbus.TopicEventsSwarm("task_executed"), event); err != nil {
		s.log.Debug("publish task event failed", "error", err)
	}
}
