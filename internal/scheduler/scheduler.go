package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/venturelab/simcore/pkg/models"
)

// TaskStore is the slice of the data layer the scheduler needs. The lease
// operations must be atomic conditional writes; see store.Store.
type TaskStore interface {
	UpsertRecurringTask(ctx context.Context, task *models.RecurringTask) error
	ListEnabledTasks(ctx context.Context) ([]*models.RecurringTask, error)
	TryAcquireLease(ctx context.Context, jobName, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, jobName, owner string) error
	MarkTaskStarted(ctx context.Context, jobName string) error
	MarkTaskCompleted(ctx context.Context, jobName string) error
	MarkTaskFailed(ctx context.Context, jobName, errMsg string) error
}

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler ticks through enabled recurring tasks and executes the due
// ones under a lease. Many instances run the same loop against the same
// database; the lease CAS decides which instance takes each tick, and a
// crashed owner's lease expires after its TTL so liveness is preserved.
type Scheduler struct {
	store    TaskStore
	registry *Registry
	owner    string
	leaseTTL time.Duration
	tick     time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	lastCheck map[string]time.Time
}

func New(st TaskStore, registry *Registry, owner string, leaseTTL, tick time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     st,
		registry:  registry,
		owner:     owner,
		leaseTTL:  leaseTTL,
		tick:      tick,
		logger:    logger.With("owner", owner),
		lastCheck: make(map[string]time.Time),
	}
}

// RegisterTask upserts the task document and binds its handler. Upsert
// never touches lease fields, so re-registration on deploy cannot steal a
// live lease.
func (s *Scheduler) RegisterTask(ctx context.Context, task *models.RecurringTask, fn TaskFunc) error {
	if _, err := cronParser.Parse(task.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", task.Schedule, task.JobName, err)
	}
	if task.Timezone != "" {
		if _, err := time.LoadLocation(task.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q for task %s: %w", task.Timezone, task.JobName, err)
		}
	}
	if err := s.registry.Register(task.WorkerType, fn); err != nil {
		return err
	}
	if err := s.store.UpsertRecurringTask(ctx, task); err != nil {
		return fmt.Errorf("upserting task %s: %w", task.JobName, err)
	}
	return nil
}

// Run blocks until ctx is cancelled, evaluating due tasks every tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.tick, "lease_ttl", s.leaseTTL, "tasks", s.registry.Names())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

// runDue executes every enabled task whose schedule fired since its last
// evaluation. Exposed to the Run loop and to tests.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListEnabledTasks(ctx)
	if err != nil {
		s.logger.Error("listing enabled tasks", "error", err)
		return
	}

	for _, task := range tasks {
		due, err := s.isDue(task, now)
		if err != nil {
			s.logger.Error("evaluating schedule", "task", task.JobName, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.runTask(ctx, task)
	}
}

// isDue reports whether the task's cron schedule fired between the last
// evaluation and now, in the task's own timezone.
func (s *Scheduler) isDue(task *models.RecurringTask, now time.Time) (bool, error) {
	schedule, err := cronParser.Parse(task.Schedule)
	if err != nil {
		return false, err
	}
	loc := time.UTC
	if task.Timezone != "" {
		if loc, err = time.LoadLocation(task.Timezone); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	last, ok := s.lastCheck[task.JobName]
	if !ok {
		// First sight of this task: start the window now so a restart does
		// not replay old ticks.
		last = now
	}
	s.lastCheck[task.JobName] = now
	s.mu.Unlock()

	next := schedule.Next(last.In(loc))
	return !next.After(now.In(loc)), nil
}

// runTask is the lease-guarded runner protocol: acquire → mark-started →
// execute → mark-completed/failed, with the release deferred so it happens
// on every exit path. Losing the acquire race skips the tick silently —
// another instance owns it.
func (s *Scheduler) runTask(ctx context.Context, task *models.RecurringTask) {
	acquired, err := s.store.TryAcquireLease(ctx, task.JobName, s.owner, s.leaseTTL)
	if err != nil {
		s.logger.Error("acquiring lease", "task", task.JobName, "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), task.JobName, s.owner); err != nil {
			s.logger.Error("releasing lease", "task", task.JobName, "error", err)
		}
	}()

	fn, ok := s.registry.Get(task.WorkerType)
	if !ok {
		s.logger.Error("no handler for worker type", "task", task.JobName, "worker_type", task.WorkerType)
		_ = s.store.MarkTaskFailed(ctx, task.JobName, "no handler registered for worker type "+task.WorkerType)
		return
	}

	if err := s.store.MarkTaskStarted(ctx, task.JobName); err != nil {
		s.logger.Error("marking task started", "task", task.JobName, "error", err)
		return
	}

	start := time.Now()
	err = s.execute(ctx, fn)
	elapsed := time.Since(start)

	if err != nil {
		s.logger.Error("task failed", "task", task.JobName, "elapsed", elapsed, "error", err)
		_ = s.store.MarkTaskFailed(ctx, task.JobName, err.Error())
		return
	}
	s.logger.Info("task completed", "task", task.JobName, "elapsed", elapsed)
	_ = s.store.MarkTaskCompleted(ctx, task.JobName)
}

// execute runs the handler, converting panics into errors so one bad task
// cannot take the scheduler loop down.
func (s *Scheduler) execute(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
