package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venturelab/simcore/internal/store"
	"github.com/venturelab/simcore/pkg/models"
)

// taskStore is an in-memory TaskStore with the same conditional-update
// lease semantics as the Postgres layer.
type taskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.RecurringTask
}

func newTaskStore() *taskStore {
	return &taskStore{tasks: make(map[string]*models.RecurringTask)}
}

func (s *taskStore) UpsertRecurringTask(_ context.Context, task *models.RecurringTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[task.JobName]; ok {
		existing.WorkerType = task.WorkerType
		existing.Schedule = task.Schedule
		existing.Timezone = task.Timezone
		existing.Enabled = task.Enabled
		return nil
	}
	copied := *task
	s.tasks[task.JobName] = &copied
	return nil
}

func (s *taskStore) ListEnabledTasks(context.Context) ([]*models.RecurringTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RecurringTask
	for _, t := range s.tasks {
		if t.Enabled {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *taskStore) TryAcquireLease(_ context.Context, jobName, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[jobName]
	if !ok {
		return false, store.ErrNotFound
	}
	now := time.Now()
	free := t.LeaseOwner == nil ||
		(t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)) ||
		*t.LeaseOwner == owner
	if !free {
		return false, nil
	}
	expires := now.Add(ttl)
	t.LeaseOwner = &owner
	t.LeaseExpiresAt = &expires
	return true, nil
}

func (s *taskStore) ReleaseLease(_ context.Context, jobName, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[jobName]
	if !ok {
		return store.ErrNotFound
	}
	if t.LeaseOwner != nil && *t.LeaseOwner == owner {
		t.LeaseOwner = nil
		t.LeaseExpiresAt = nil
	}
	return nil
}

func (s *taskStore) MarkTaskStarted(_ context.Context, jobName string) error {
	return s.bump(jobName, func(t *models.RecurringTask) { t.RunCount++ })
}

func (s *taskStore) MarkTaskCompleted(_ context.Context, jobName string) error {
	return s.bump(jobName, func(t *models.RecurringTask) { t.SuccessCount++ })
}

func (s *taskStore) MarkTaskFailed(_ context.Context, jobName, errMsg string) error {
	return s.bump(jobName, func(t *models.RecurringTask) {
		t.ErrorCount++
		t.LastError = &errMsg
	})
}

func (s *taskStore) bump(jobName string, fn func(*models.RecurringTask)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[jobName]
	if !ok {
		return store.ErrNotFound
	}
	fn(t)
	return nil
}

func (s *taskStore) task(t *testing.T, jobName string) models.RecurringTask {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[jobName]
	require.True(t, ok)
	return *task
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func everyMinuteTask(name string) *models.RecurringTask {
	return &models.RecurringTask{
		JobName:    name,
		WorkerType: name + "-worker",
		Schedule:   "* * * * *",
		Timezone:   "UTC",
		Enabled:    true,
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("digest", func(context.Context) error { return nil }))
	require.NoError(t, r.Register("cleanup", func(context.Context) error { return nil }))

	err := r.Register("digest", func(context.Context) error { return nil })
	require.Error(t, err)

	assert.Equal(t, []string{"cleanup", "digest"}, r.Names())

	_, ok := r.Get("digest")
	assert.True(t, ok)
	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestSchedulerRunsDueTask(t *testing.T) {
	ctx := context.Background()
	st := newTaskStore()
	sched := New(st, NewRegistry(), "owner-a", time.Minute, time.Second, discardLogger())

	runs := 0
	require.NoError(t, sched.RegisterTask(ctx, everyMinuteTask("digest"), func(context.Context) error {
		runs++
		return nil
	}))

	now := time.Now()
	sched.runDue(ctx, now)           // first sight: opens the window, nothing due
	sched.runDue(ctx, now.Add(2*time.Minute))

	assert.Equal(t, 1, runs)
	task := st.task(t, "digest")
	assert.Equal(t, int64(1), task.RunCount)
	assert.Equal(t, int64(1), task.SuccessCount)
	// Lease released after the run.
	assert.Nil(t, task.LeaseOwner)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	ctx := context.Background()
	sched := New(newTaskStore(), NewRegistry(), "owner-a", time.Minute, time.Second, discardLogger())

	bad := everyMinuteTask("bad")
	bad.Schedule = "not a cron line"
	require.Error(t, sched.RegisterTask(ctx, bad, func(context.Context) error { return nil }))

	badTZ := everyMinuteTask("bad-tz")
	badTZ.Timezone = "Mars/Olympus"
	require.Error(t, sched.RegisterTask(ctx, badTZ, func(context.Context) error { return nil }))
}

func TestSchedulerLeaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	st := newTaskStore()

	block := make(chan struct{})
	started := make(chan struct{})
	var runsA, runsB int

	schedA := New(st, NewRegistry(), "owner-a", time.Minute, time.Second, discardLogger())
	require.NoError(t, schedA.RegisterTask(ctx, everyMinuteTask("digest"), func(context.Context) error {
		runsA++
		close(started)
		<-block
		return nil
	}))

	schedB := New(st, NewRegistry(), "owner-b", time.Minute, time.Second, discardLogger())
	require.NoError(t, schedB.registry.Register("digest-worker", func(context.Context) error {
		runsB++
		return nil
	}))

	now := time.Now()
	schedA.runDue(ctx, now)
	schedB.runDue(ctx, now)

	done := make(chan struct{})
	go func() {
		defer close(done)
		schedA.runDue(ctx, now.Add(2*time.Minute))
	}()

	// While owner-a holds the lease mid-execution, owner-b's tick for the
	// same minute must skip silently.
	<-started
	schedB.runDue(ctx, now.Add(2*time.Minute))
	close(block)
	<-done

	assert.Equal(t, 1, runsA)
	assert.Equal(t, 0, runsB)
	task := st.task(t, "digest")
	assert.Equal(t, int64(1), task.RunCount)
}

func TestSchedulerLeaseExpiryReacquire(t *testing.T) {
	ctx := context.Background()
	st := newTaskStore()

	sched := New(st, NewRegistry(), "owner-b", time.Minute, time.Second, discardLogger())
	runs := 0
	require.NoError(t, sched.RegisterTask(ctx, everyMinuteTask("digest"), func(context.Context) error {
		runs++
		return nil
	}))

	// A crashed instance left a lease behind with a short TTL.
	acquired, err := st.TryAcquireLease(ctx, "digest", "owner-dead", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	now := time.Now()
	sched.runDue(ctx, now)

	// Before expiry the tick is skipped.
	sched.runDue(ctx, now.Add(2*time.Minute))
	assert.Equal(t, 0, runs)

	time.Sleep(20 * time.Millisecond)
	sched.runDue(ctx, now.Add(4*time.Minute))
	assert.Equal(t, 1, runs)
}

func TestSchedulerTaskFailure(t *testing.T) {
	ctx := context.Background()
	st := newTaskStore()
	sched := New(st, NewRegistry(), "owner-a", time.Minute, time.Second, discardLogger())

	boom := errors.New("digest exploded")
	require.NoError(t, sched.RegisterTask(ctx, everyMinuteTask("digest"), func(context.Context) error {
		return boom
	}))

	now := time.Now()
	sched.runDue(ctx, now)
	sched.runDue(ctx, now.Add(2*time.Minute))

	task := st.task(t, "digest")
	assert.Equal(t, int64(1), task.RunCount)
	assert.Equal(t, int64(0), task.SuccessCount)
	assert.Equal(t, int64(1), task.ErrorCount)
	require.NotNil(t, task.LastError)
	assert.Contains(t, *task.LastError, "digest exploded")
	assert.Nil(t, task.LeaseOwner)
}

func TestSchedulerPanicRecovery(t *testing.T) {
	ctx := context.Background()
	st := newTaskStore()
	sched := New(st, NewRegistry(), "owner-a", time.Minute, time.Second, discardLogger())

	require.NoError(t, sched.RegisterTask(ctx, everyMinuteTask("digest"), func(context.Context) error {
		panic("handler bug")
	}))

	now := time.Now()
	sched.runDue(ctx, now)
	sched.runDue(ctx, now.Add(2*time.Minute))

	task := st.task(t, "digest")
	assert.Equal(t, int64(1), task.ErrorCount)
	require.NotNil(t, task.LastError)
	assert.Contains(t, *task.LastError, "panic")
	assert.Nil(t, task.LeaseOwner)
}
