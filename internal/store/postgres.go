package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/venturelab/simcore/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Classrooms, store configs, scenarios ---

func (s *PostgresStore) GetClassroom(ctx context.Context, id uuid.UUID) (*models.Classroom, error) {
	var c models.Classroom
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM classrooms WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get classroom: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetStoreConfig(ctx context.Context, classroomID uuid.UUID) (*models.StoreConfig, error) {
	var c models.StoreConfig
	err := s.pool.QueryRow(ctx,
		`SELECT id, classroom_id, starting_balance, starting_inventory, variables, created_at, updated_at
		 FROM store_configs WHERE classroom_id = $1`, classroomID,
	).Scan(&c.ID, &c.ClassroomID, &c.StartingBalance, &c.StartingInventory, &c.Variables, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get store config: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetScenario(ctx context.Context, id uuid.UUID) (*models.Scenario, error) {
	var sc models.Scenario
	err := s.pool.QueryRow(ctx,
		`SELECT id, classroom_id, title, week_number, variables, created_at, updated_at
		 FROM scenarios WHERE id = $1`, id,
	).Scan(&sc.ID, &sc.ClassroomID, &sc.Title, &sc.WeekNumber, &sc.Variables, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario: %w", err)
	}
	return &sc, nil
}

func (s *PostgresStore) GetScenarioOutcome(ctx context.Context, scenarioID uuid.UUID) (*models.ScenarioOutcome, error) {
	var o models.ScenarioOutcome
	err := s.pool.QueryRow(ctx,
		`SELECT id, scenario_id, random_event_enabled, notes, created_at, updated_at
		 FROM scenario_outcomes WHERE scenario_id = $1`, scenarioID,
	).Scan(&o.ID, &o.ScenarioID, &o.RandomEventEnabled, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario outcome: %w", err)
	}
	return &o, nil
}

// --- Submissions ---

const submissionColumns = `id, scenario_id, classroom_id, user_id, decisions, processing_status, ledger_entry_id, created_at, updated_at`

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var sub models.Submission
	err := row.Scan(&sub.ID, &sub.ScenarioID, &sub.ClassroomID, &sub.UserID, &sub.Decisions,
		&sub.ProcessingStatus, &sub.LedgerEntryID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissionsForScenario(ctx context.Context, scenarioID uuid.UUID) ([]*models.Submission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE scenario_id = $1 ORDER BY created_at`, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) UpdateSubmissionProcessing(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET processing_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update submission processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LinkSubmissionLedgerEntry(ctx context.Context, id uuid.UUID, ledgerEntryID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET ledger_entry_id = $2, updated_at = NOW() WHERE id = $1`, id, ledgerEntryID)
	if err != nil {
		return fmt.Errorf("link submission ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Simulation jobs ---

const jobColumns = `id, classroom_id, scenario_id, submission_id, user_id, status, attempts,
	error_message, started_at, completed_at, dry_run, prepared_request,
	expected_cash_before, expected_inventory,
	external_batch_id, input_file_id, output_file_id, error_file_id,
	batch_submitted_at, batch_completed_at, ledger_entry_id, created_at, updated_at`

func scanJob(row pgx.Row) (*models.SimulationJob, error) {
	var j models.SimulationJob
	var expectedInv []byte
	err := row.Scan(&j.ID, &j.ClassroomID, &j.ScenarioID, &j.SubmissionID, &j.UserID, &j.Status, &j.Attempts,
		&j.ErrorMessage, &j.StartedAt, &j.CompletedAt, &j.DryRun, &j.PreparedRequest,
		&j.ExpectedCashBefore, &expectedInv,
		&j.Batch.ExternalBatchID, &j.Batch.InputFileID, &j.Batch.OutputFileID, &j.Batch.ErrorFileID,
		&j.Batch.SubmittedAt, &j.Batch.CompletedAt, &j.LedgerEntryID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expectedInv != nil {
		var inv models.InventoryState
		if err := json.Unmarshal(expectedInv, &inv); err != nil {
			return nil, fmt.Errorf("decode expected inventory: %w", err)
		}
		j.ExpectedInventory = &inv
	}
	return &j, nil
}

func (s *PostgresStore) CreateOrResetJob(ctx context.Context, job *models.SimulationJob) (*models.SimulationJob, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO simulation_jobs (id, classroom_id, scenario_id, submission_id, user_id, status, dry_run)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		 ON CONFLICT (scenario_id, user_id) DO UPDATE SET
		   submission_id        = EXCLUDED.submission_id,
		   status               = 'pending',
		   attempts             = 0,
		   error_message        = NULL,
		   started_at           = NULL,
		   completed_at         = NULL,
		   dry_run              = EXCLUDED.dry_run,
		   prepared_request     = NULL,
		   expected_cash_before = NULL,
		   expected_inventory   = NULL,
		   external_batch_id    = NULL,
		   input_file_id        = NULL,
		   output_file_id       = NULL,
		   error_file_id        = NULL,
		   batch_submitted_at   = NULL,
		   batch_completed_at   = NULL,
		   ledger_entry_id      = NULL,
		   updated_at           = NOW()
		 RETURNING `+jobColumns,
		job.ID, job.ClassroomID, job.ScenarioID, job.SubmissionID, job.UserID, job.DryRun)

	created, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("create or reset job: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.SimulationJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM simulation_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) listJobs(ctx context.Context, query string, args ...any) ([]*models.SimulationJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SimulationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListPendingJobs(ctx context.Context, limit int) ([]*models.SimulationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM simulation_jobs
		 WHERE status = 'pending' AND external_batch_id IS NULL
		 ORDER BY created_at LIMIT $1`, limit)
}

func (s *PostgresStore) ListJobsForScenario(ctx context.Context, scenarioID uuid.UUID) ([]*models.SimulationJob, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM simulation_jobs WHERE scenario_id = $1 ORDER BY created_at`, scenarioID)
}

func (s *PostgresStore) ListJobsForBatch(ctx context.Context, externalBatchID string) ([]*models.SimulationJob, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM simulation_jobs WHERE external_batch_id = $1 ORDER BY created_at`, externalBatchID)
}

// MarkJobRunning is the pending -> running transition. The status guard is
// part of the UPDATE itself so two consumers holding the same job ID cannot
// both win.
func (s *PostgresStore) MarkJobRunning(ctx context.Context, id uuid.UUID) (*models.SimulationJob, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE simulation_jobs SET
		   status     = 'running',
		   attempts   = attempts + 1,
		   started_at = NOW(),
		   updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+jobColumns, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the job does not exist or it is not pending.
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) MarkJobCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_jobs SET
		   status = 'completed', error_message = NULL, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) MarkJobFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_jobs SET
		   status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) ReturnJobToPending(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_jobs SET
		   status = 'pending', error_message = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`, id, errMsg)
	if err != nil {
		return fmt.Errorf("return job to pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) SetJobPrepared(ctx context.Context, id uuid.UUID, request json.RawMessage, expectedCash float64, expectedInventory models.InventoryState) error {
	inv, err := json.Marshal(expectedInventory)
	if err != nil {
		return fmt.Errorf("encode expected inventory: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_jobs SET
		   prepared_request = $2, expected_cash_before = $3, expected_inventory = $4, updated_at = NOW()
		 WHERE id = $1`, id, request, expectedCash, inv)
	if err != nil {
		return fmt.Errorf("set job prepared: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetJobBatchState(ctx context.Context, id uuid.UUID, batch models.BatchSubState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_jobs SET
		   external_batch_id  = $2,
		   input_file_id      = $3,
		   output_file_id     = $4,
		   error_file_id      = $5,
		   batch_submitted_at = $6,
		   batch_completed_at = $7,
		   updated_at         = NOW()
		 WHERE id = $1`,
		id, batch.ExternalBatchID, batch.InputFileID, batch.OutputFileID, batch.ErrorFileID,
		batch.SubmittedAt, batch.CompletedAt)
	if err != nil {
		return fmt.Errorf("set job batch state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LinkJobLedgerEntry(ctx context.Context, id uuid.UUID, ledgerEntryID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_jobs SET ledger_entry_id = $2, updated_at = NOW() WHERE id = $1`, id, ledgerEntryID)
	if err != nil {
		return fmt.Errorf("link job ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
