package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/venturelab/simcore/internal/cache"
	"github.com/venturelab/simcore/internal/ledger"
	"github.com/venturelab/simcore/internal/store"
	"github.com/venturelab/simcore/pkg/models"
)

// jobStatusTTL bounds how long the Redis status mirror outlives the job.
const jobStatusTTL = 30 * time.Minute

// Worker executes one simulation job end to end: context assembly, AI
// invocation, continuity correction, ledger persistence.
type Worker struct {
	store    store.Store
	cache    cache.Cache
	provider models.SimulationProvider
	ledger   *ledger.Service
	logger   *slog.Logger

	// streamLeaseTTL > 0 enables the per-(classroom, user) stream lease,
	// hardening the single-writer invariant across worker instances instead
	// of relying on configuration policy alone.
	streamLeaseTTL time.Duration
	owner          string
}

// NewWorker creates a Worker. Pass streamLeaseTTL = 0 to disable stream
// leasing.
func NewWorker(st store.Store, ca cache.Cache, provider models.SimulationProvider, ledgerSvc *ledger.Service, owner string, streamLeaseTTL time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		store:          st,
		cache:          ca,
		provider:       provider,
		ledger:         ledgerSvc,
		logger:         logger,
		streamLeaseTTL: streamLeaseTTL,
		owner:          owner,
	}
}

// ProcessJob runs the full pipeline for one pending job.
//
// The error branch separates user-visible job status from queue attempt
// bookkeeping: a non-final failure returns the job to pending with the
// error recorded and re-throws, so the queue's own backoff stays accurate
// while the student still sees "processing". Only a final-attempt failure
// marks the job and submission failed.
func (w *Worker) ProcessJob(ctx context.Context, jobID uuid.UUID, isFinalAttempt bool) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if job.Status != models.JobStatusPending {
		// Duplicate enqueue; someone else already picked this job up.
		w.logger.Warn("skipping job not in pending state", "job_id", jobID, "status", job.Status)
		return nil
	}
	if job.Batch.ExternalBatchID != nil {
		// The job was handed to the provider's batch API; the batch poller
		// completes it. Running it here would duplicate the AI call.
		w.logger.Warn("skipping batch-owned job", "job_id", jobID, "external_batch_id", *job.Batch.ExternalBatchID)
		return nil
	}

	job, err = w.store.MarkJobRunning(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			w.logger.Warn("job claimed by another consumer", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("marking job running: %w", err)
	}
	_ = w.cache.SetJobStatus(ctx, jobID, models.JobStatusRunning, jobStatusTTL)

	if w.streamLeaseTTL > 0 {
		ok, leaseErr := w.store.TryAcquireStreamLease(ctx, job.ClassroomID, job.UserID, w.owner, w.streamLeaseTTL)
		if leaseErr != nil {
			return w.fail(ctx, job, isFinalAttempt, fmt.Errorf("acquiring stream lease: %w", leaseErr))
		}
		if !ok {
			return w.fail(ctx, job, isFinalAttempt, fmt.Errorf("stream busy for classroom %s user %s", job.ClassroomID, job.UserID))
		}
		defer func() {
			if err := w.store.ReleaseStreamLease(context.WithoutCancel(ctx), job.ClassroomID, job.UserID, w.owner); err != nil {
				w.logger.Warn("releasing stream lease", "job_id", jobID, "error", err)
			}
		}()
	}

	jc, err := fetchJobContext(ctx, w.store, job)
	if err != nil {
		return w.fail(ctx, job, isFinalAttempt, err)
	}

	preparedRequest, err := json.Marshal(jc.Input)
	if err != nil {
		return w.fail(ctx, job, isFinalAttempt, fmt.Errorf("encoding prepared request: %w", err))
	}
	if err := w.store.SetJobPrepared(ctx, jobID, preparedRequest, jc.ExpectedCashBefore, jc.ExpectedInventory); err != nil {
		return w.fail(ctx, job, isFinalAttempt, fmt.Errorf("saving prepared request: %w", err))
	}

	result, err := w.provider.Simulate(ctx, jc.Input)
	if err != nil {
		return w.fail(ctx, job, isFinalAttempt, fmt.Errorf("ai simulation: %w", err))
	}

	result = CorrectContinuity(result, jc.ExpectedCashBefore, jc.ExpectedInventory)

	if err := w.persistResult(ctx, job, preparedRequest, result); err != nil {
		return w.fail(ctx, job, isFinalAttempt, err)
	}

	if err := w.store.MarkJobCompleted(ctx, jobID); err != nil {
		return w.fail(ctx, job, isFinalAttempt, fmt.Errorf("marking job completed: %w", err))
	}
	_ = w.cache.SetJobStatus(ctx, jobID, models.JobStatusCompleted, jobStatusTTL)

	if err := w.store.UpdateSubmissionProcessing(ctx, job.SubmissionID, models.ProcessingStatusCompleted); err != nil {
		w.logger.Error("updating submission status", "job_id", jobID, "error", err)
	}

	w.logger.Info("simulation job completed",
		"job_id", jobID,
		"scenario_id", job.ScenarioID,
		"user_id", job.UserID,
		"net_profit", result.NetProfit,
		"dry_run", job.DryRun)
	return nil
}

// persistResult writes the ledger entry and links it to the job and
// submission. The prepared request doubles as the audit calculation
// context: it is the full input snapshot. Dry runs skip persistence
// entirely.
func (w *Worker) persistResult(ctx context.Context, job *models.SimulationJob, preparedRequest json.RawMessage, result models.SimulationResult) error {
	if job.DryRun {
		return nil
	}

	meta := models.AIMetadata{
		Provider:    w.provider.Name(),
		Model:       w.provider.Model(),
		RunID:       job.ID.String(),
		RawRequest:  preparedRequest,
		RawResponse: result.RawResponse,
	}
	if _, err := w.ledger.Record(ctx, job, result, meta, preparedRequest); err != nil {
		return err
	}
	return nil
}

// CompleteWithResult finishes a job whose AI result arrived out of band
// (batch mode). The expected opening state stored at submission time feeds
// the same continuity correction as the synchronous path.
func (w *Worker) CompleteWithResult(ctx context.Context, job *models.SimulationJob, result models.SimulationResult) error {
	running, err := w.store.MarkJobRunning(ctx, job.ID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			w.logger.Warn("batch job no longer pending", "job_id", job.ID)
			return nil
		}
		return fmt.Errorf("marking job running: %w", err)
	}
	job = running

	expectedCash := 0.0
	var expectedInventory models.InventoryState
	preparedRequest := job.PreparedRequest
	if job.ExpectedCashBefore != nil && job.ExpectedInventory != nil {
		expectedCash = *job.ExpectedCashBefore
		expectedInventory = *job.ExpectedInventory
	} else {
		// The job was never prepared; rebuild its context.
		jc, err := fetchJobContext(ctx, w.store, job)
		if err != nil {
			return err
		}
		expectedCash = jc.ExpectedCashBefore
		expectedInventory = jc.ExpectedInventory
		if preparedRequest, err = json.Marshal(jc.Input); err != nil {
			return fmt.Errorf("encoding prepared request: %w", err)
		}
	}

	result = CorrectContinuity(result, expectedCash, expectedInventory)

	if err := w.persistResult(ctx, job, preparedRequest, result); err != nil {
		return err
	}
	if err := w.store.MarkJobCompleted(ctx, job.ID); err != nil {
		return fmt.Errorf("marking job completed: %w", err)
	}
	_ = w.cache.SetJobStatus(ctx, job.ID, models.JobStatusCompleted, jobStatusTTL)
	if err := w.store.UpdateSubmissionProcessing(ctx, job.SubmissionID, models.ProcessingStatusCompleted); err != nil {
		w.logger.Error("updating submission status", "job_id", job.ID, "error", err)
	}
	return nil
}

// fail records the failure and re-throws so the queue's attempt/backoff
// bookkeeping stays accurate.
func (w *Worker) fail(ctx context.Context, job *models.SimulationJob, isFinalAttempt bool, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if !isFinalAttempt {
		if err := w.store.ReturnJobToPending(ctx, job.ID, cause.Error()); err != nil {
			w.logger.Error("returning job to pending", "job_id", job.ID, "error", err)
		}
		_ = w.cache.SetJobStatus(ctx, job.ID, models.JobStatusPending, jobStatusTTL)
		return cause
	}

	if err := w.store.MarkJobFailed(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Error("marking job failed", "job_id", job.ID, "error", err)
	}
	_ = w.cache.SetJobStatus(ctx, job.ID, models.JobStatusFailed, jobStatusTTL)
	if err := w.store.UpdateSubmissionProcessing(ctx, job.SubmissionID, models.ProcessingStatusFailed); err != nil {
		w.logger.Error("updating submission status", "job_id", job.ID, "error", err)
	}
	w.logger.Error("simulation job failed on final attempt", "job_id", job.ID, "error", cause)
	return cause
}
