package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/venturelab/simcore/pkg/models"
)

const taskColumns = `id, job_name, worker_type, schedule, timezone, enabled,
	lease_owner, lease_expires_at, run_count, success_count, error_count,
	last_run, last_success, last_error, created_at, updated_at`

func scanTask(row pgx.Row) (*models.RecurringTask, error) {
	var t models.RecurringTask
	err := row.Scan(&t.ID, &t.JobName, &t.WorkerType, &t.Schedule, &t.Timezone, &t.Enabled,
		&t.LeaseOwner, &t.LeaseExpiresAt, &t.RunCount, &t.SuccessCount, &t.ErrorCount,
		&t.LastRun, &t.LastSuccess, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertRecurringTask registers a task definition on boot. Lease fields and
// counters are never touched on conflict: another instance may hold the
// lease right now.
func (s *PostgresStore) UpsertRecurringTask(ctx context.Context, task *models.RecurringTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recurring_tasks (id, job_name, worker_type, schedule, timezone, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_name) DO UPDATE SET
		   worker_type = EXCLUDED.worker_type,
		   schedule    = EXCLUDED.schedule,
		   timezone    = EXCLUDED.timezone,
		   enabled     = EXCLUDED.enabled,
		   updated_at  = NOW()`,
		task.ID, task.JobName, task.WorkerType, task.Schedule, task.Timezone, task.Enabled)
	if err != nil {
		return fmt.Errorf("upsert recurring task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecurringTask(ctx context.Context, jobName string) (*models.RecurringTask, error) {
	task, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM recurring_tasks WHERE job_name = $1`, jobName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListEnabledTasks(ctx context.Context) ([]*models.RecurringTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM recurring_tasks WHERE enabled ORDER BY job_name`)
	if err != nil {
		return nil, fmt.Errorf("list enabled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.RecurringTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TryAcquireLease is a one-round-trip compare-and-swap on the task row.
// The WHERE clause admits exactly three cases: no lease, an expired lease,
// or a lease this owner already holds (re-entrant renewal). Anything else
// loses, and losing is not an error.
func (s *PostgresStore) TryAcquireLease(ctx context.Context, jobName, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recurring_tasks SET
		   lease_owner      = $2,
		   lease_expires_at = NOW() + ($3 * interval '1 millisecond'),
		   updated_at       = NOW()
		 WHERE job_name = $1
		   AND (lease_owner IS NULL OR lease_expires_at < NOW() OR lease_owner = $2)`,
		jobName, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("try acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease clears lease fields only while still held by owner. If the
// lease expired and someone else reacquired it, this is a no-op.
func (s *PostgresStore) ReleaseLease(ctx context.Context, jobName, owner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE recurring_tasks SET
		   lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		 WHERE job_name = $1 AND lease_owner = $2`,
		jobName, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkTaskStarted(ctx context.Context, jobName string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recurring_tasks SET
		   run_count = run_count + 1, last_run = NOW(), updated_at = NOW()
		 WHERE job_name = $1`, jobName)
	if err != nil {
		return fmt.Errorf("mark task started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkTaskCompleted(ctx context.Context, jobName string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recurring_tasks SET
		   success_count = success_count + 1, last_success = NOW(), updated_at = NOW()
		 WHERE job_name = $1`, jobName)
	if err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkTaskFailed(ctx context.Context, jobName, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recurring_tasks SET
		   error_count = error_count + 1, last_error = $2, updated_at = NOW()
		 WHERE job_name = $1`, jobName, errMsg)
	if err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Stream leases ---

// TryAcquireStreamLease is the same CAS as TryAcquireLease, keyed by the
// (classroom, user) ledger stream. The row is created on first use.
func (s *PostgresStore) TryAcquireStreamLease(ctx context.Context, classroomID, userID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO stream_leases (classroom_id, user_id, lease_owner, lease_expires_at)
		 VALUES ($1, $2, $3, NOW() + ($4 * interval '1 millisecond'))
		 ON CONFLICT (classroom_id, user_id) DO UPDATE SET
		   lease_owner      = EXCLUDED.lease_owner,
		   lease_expires_at = EXCLUDED.lease_expires_at
		 WHERE stream_leases.lease_owner IS NULL
		    OR stream_leases.lease_expires_at < NOW()
		    OR stream_leases.lease_owner = EXCLUDED.lease_owner`,
		classroomID, userID, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("try acquire stream lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseStreamLease(ctx context.Context, classroomID, userID uuid.UUID, owner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE stream_leases SET lease_owner = NULL, lease_expires_at = NULL
		 WHERE classroom_id = $1 AND user_id = $2 AND lease_owner = $3`,
		classroomID, userID, owner)
	if err != nil {
		return fmt.Errorf("release stream lease: %w", err)
	}
	return nil
}
