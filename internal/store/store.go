package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/venturelab/simcore/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrContinuityViolation means a ledger entry failed the cash or
	// inventory continuity check and was rejected before insert.
	ErrContinuityViolation = errors.New("ledger continuity violation")
)

// Store is the data access interface. All database operations go through
// here. Every cross-instance coordination primitive (leases, job
// uniqueness, ledger uniqueness) is expressed as an atomic conditional
// write so no caller ever does read-then-write across a round trip.
type Store interface {
	Ping(ctx context.Context) error

	GetClassroom(ctx context.Context, id uuid.UUID) (*models.Classroom, error)
	GetStoreConfig(ctx context.Context, classroomID uuid.UUID) (*models.StoreConfig, error)
	GetScenario(ctx context.Context, id uuid.UUID) (*models.Scenario, error)
	GetScenarioOutcome(ctx context.Context, scenarioID uuid.UUID) (*models.ScenarioOutcome, error)

	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	ListSubmissionsForScenario(ctx context.Context, scenarioID uuid.UUID) ([]*models.Submission, error)
	UpdateSubmissionProcessing(ctx context.Context, id uuid.UUID, status string) error
	LinkSubmissionLedgerEntry(ctx context.Context, id uuid.UUID, ledgerEntryID uuid.UUID) error

	// CreateOrResetJob inserts a job for (scenario, user), or — when one
	// already exists — resets it in place: status back to pending, attempts
	// zeroed, all AI artifacts, batch sub-state and ledger linkage cleared.
	CreateOrResetJob(ctx context.Context, job *models.SimulationJob) (*models.SimulationJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.SimulationJob, error)
	// ListPendingJobs returns pending jobs awaiting the synchronous path.
	// Jobs handed to a provider batch carry external_batch_id and are
	// excluded: the batch poller owns them until the batch resolves.
	ListPendingJobs(ctx context.Context, limit int) ([]*models.SimulationJob, error)
	ListJobsForScenario(ctx context.Context, scenarioID uuid.UUID) ([]*models.SimulationJob, error)
	ListJobsForBatch(ctx context.Context, externalBatchID string) ([]*models.SimulationJob, error)
	// MarkJobRunning transitions pending -> running, increments attempts and
	// stamps started_at in one conditional update. Returns
	// ErrInvalidTransition when the job is not pending, which guards against
	// double-processing from duplicate enqueues.
	MarkJobRunning(ctx context.Context, id uuid.UUID) (*models.SimulationJob, error)
	MarkJobCompleted(ctx context.Context, id uuid.UUID) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// ReturnJobToPending records the error but keeps the job retryable; used
	// on non-final attempt failures.
	ReturnJobToPending(ctx context.Context, id uuid.UUID, errMsg string) error
	SetJobPrepared(ctx context.Context, id uuid.UUID, request json.RawMessage, expectedCash float64, expectedInventory models.InventoryState) error
	SetJobBatchState(ctx context.Context, id uuid.UUID, batch models.BatchSubState) error
	LinkJobLedgerEntry(ctx context.Context, id uuid.UUID, ledgerEntryID uuid.UUID) error

	// CreateLedgerEntry is append-only, unique per (scenario, user), and
	// rejects entries violating cash continuity or negative inventory.
	CreateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	// GetLedgerHistory returns entries for (classroom, user) ordered by
	// insertion sequence, excluding the given scenario so a rerun never
	// reads stale history from itself. Pass uuid.Nil to exclude nothing.
	GetLedgerHistory(ctx context.Context, classroomID, userID, excludeScenarioID uuid.UUID) ([]*models.LedgerEntry, error)
	DeleteLedgerEntriesForScenario(ctx context.Context, scenarioID uuid.UUID) (int64, error)

	CreateBatch(ctx context.Context, batch *models.SimulationBatch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.SimulationBatch, error)
	ListOpenBatches(ctx context.Context) ([]*models.SimulationBatch, error)
	MarkBatchSubmitted(ctx context.Context, id uuid.UUID, externalBatchID, inputFileID string) error
	// RecordBatchPoll bumps poll_count, stamps last_polled_at and applies
	// the provider-reported status and file IDs.
	RecordBatchPoll(ctx context.Context, id uuid.UUID, status string, outputFileID, errorFileID *string) error
	MarkBatchFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	UpsertRecurringTask(ctx context.Context, task *models.RecurringTask) error
	GetRecurringTask(ctx context.Context, jobName string) (*models.RecurringTask, error)
	ListEnabledTasks(ctx context.Context) ([]*models.RecurringTask, error)
	// TryAcquireLease performs a single atomic conditional update against
	// the task row: it succeeds when the lease is absent, expired, or
	// already held by owner. Never read-then-write.
	TryAcquireLease(ctx context.Context, jobName, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease clears the lease fields only while still held by owner,
	// so a lease reacquired by someone else after expiry is never clobbered.
	ReleaseLease(ctx context.Context, jobName, owner string) error
	MarkTaskStarted(ctx context.Context, jobName string) error
	MarkTaskCompleted(ctx context.Context, jobName string) error
	MarkTaskFailed(ctx context.Context, jobName, errMsg string) error

	// Stream leases harden the per-(classroom, user) single-writer invariant
	// across worker instances; same CAS shape as recurring-task leases.
	TryAcquireStreamLease(ctx context.Context, classroomID, userID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	ReleaseStreamLease(ctx context.Context, classroomID, userID uuid.UUID, owner string) error
}
