package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/venturelab/simcore/internal/store"
	"github.com/venturelab/simcore/pkg/models"
)

// BatchManager drives batch mode: many simulation jobs submitted to the AI
// provider's asynchronous batch API as one call, then polled at a fixed
// interval with a bounded poll counter.
type BatchManager struct {
	store    store.Store
	provider models.SimulationProvider
	worker   *Worker
	maxPolls int
	logger   *slog.Logger
}

func NewBatchManager(st store.Store, provider models.SimulationProvider, worker *Worker, maxPolls int, logger *slog.Logger) *BatchManager {
	if maxPolls < 1 {
		maxPolls = 1
	}
	return &BatchManager{
		store:    st,
		provider: provider,
		worker:   worker,
		maxPolls: maxPolls,
		logger:   logger,
	}
}

// SubmitScenarioBatch collects the scenario's pending jobs, prepares each
// job's context, submits them to the provider as one batch and records the
// batch document. Jobs keep status pending until results arrive.
func (b *BatchManager) SubmitScenarioBatch(ctx context.Context, scenarioID uuid.UUID) (*models.SimulationBatch, error) {
	jobs, err := b.store.ListJobsForScenario(ctx, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	var items []models.BatchItem
	var included []*models.SimulationJob
	for _, job := range jobs {
		if job.Status != models.JobStatusPending {
			continue
		}
		jc, err := fetchJobContext(ctx, b.store, job)
		if err != nil {
			b.logger.Error("skipping job with unbuildable context", "job_id", job.ID, "error", err)
			continue
		}
		preparedRequest, err := json.Marshal(jc.Input)
		if err != nil {
			return nil, fmt.Errorf("encoding prepared request: %w", err)
		}
		if err := b.store.SetJobPrepared(ctx, job.ID, preparedRequest, jc.ExpectedCashBefore, jc.ExpectedInventory); err != nil {
			return nil, fmt.Errorf("saving prepared request: %w", err)
		}
		items = append(items, models.BatchItem{CustomID: job.ID.String(), Input: jc.Input})
		included = append(included, job)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("scenario %s has no pending jobs", scenarioID)
	}

	batch := &models.SimulationBatch{
		ID:         uuid.New(),
		ScenarioID: scenarioID,
		Status:     models.BatchStatusCreated,
		JobCount:   len(items),
	}
	if err := b.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}

	handle, err := b.provider.SubmitBatch(ctx, items)
	if err != nil {
		_ = b.store.MarkBatchFailed(ctx, batch.ID, err.Error())
		return nil, fmt.Errorf("submitting batch: %w", err)
	}

	if err := b.store.MarkBatchSubmitted(ctx, batch.ID, handle.ExternalBatchID, handle.InputFileID); err != nil {
		return nil, fmt.Errorf("recording batch submission: %w", err)
	}
	for _, job := range included {
		if err := b.store.SetJobBatchState(ctx, job.ID, models.BatchSubState{
			ExternalBatchID: &handle.ExternalBatchID,
			InputFileID:     &handle.InputFileID,
		}); err != nil {
			return nil, fmt.Errorf("recording job batch state: %w", err)
		}
	}

	b.logger.Info("batch submitted",
		"batch_id", batch.ID,
		"scenario_id", scenarioID,
		"external_batch_id", handle.ExternalBatchID,
		"jobs", len(items))

	batch.Status = models.BatchStatusSubmitted
	batch.ExternalBatchID = &handle.ExternalBatchID
	batch.InputFileID = &handle.InputFileID
	return batch, nil
}

// PollOpenBatches advances every non-terminal batch one poll step. Batches
// that exceed the poll budget fail, as do their unfinished jobs.
func (b *BatchManager) PollOpenBatches(ctx context.Context) error {
	batches, err := b.store.ListOpenBatches(ctx)
	if err != nil {
		return fmt.Errorf("listing open batches: %w", err)
	}

	var errs []error
	for _, batch := range batches {
		if err := b.pollBatch(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", batch.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (b *BatchManager) pollBatch(ctx context.Context, batch *models.SimulationBatch) error {
	if batch.ExternalBatchID == nil {
		return b.failBatch(ctx, batch, "batch has no external id")
	}
	if batch.PollCount >= b.maxPolls {
		return b.failBatch(ctx, batch, fmt.Sprintf("poll budget exhausted after %d polls", batch.PollCount))
	}

	poll, err := b.provider.PollBatch(ctx, *batch.ExternalBatchID)
	if err != nil {
		// Transient; the counter still advances so a dead provider cannot
		// keep a batch open forever.
		if recordErr := b.store.RecordBatchPoll(ctx, batch.ID, batch.Status, nil, nil); recordErr != nil {
			return recordErr
		}
		return fmt.Errorf("polling provider: %w", err)
	}

	if err := b.store.RecordBatchPoll(ctx, batch.ID, poll.Status, poll.OutputFileID, poll.ErrorFileID); err != nil {
		return fmt.Errorf("recording poll: %w", err)
	}

	switch {
	case poll.Status == models.BatchStatusCompleted:
		return b.finalizeBatch(ctx, batch, poll)
	case models.BatchTerminal(poll.Status):
		return b.failBatch(ctx, batch, fmt.Sprintf("provider reported terminal status %q", poll.Status))
	}
	return nil
}

// finalizeBatch downloads results and completes each job. Jobs the output
// file does not cover failed provider-side and are marked failed.
func (b *BatchManager) finalizeBatch(ctx context.Context, batch *models.SimulationBatch, poll models.BatchPollResult) error {
	if poll.OutputFileID == nil {
		return b.failBatch(ctx, batch, "completed batch has no output file")
	}
	results, err := b.provider.FetchBatchResults(ctx, *poll.OutputFileID)
	if err != nil {
		return fmt.Errorf("fetching batch results: %w", err)
	}

	jobs, err := b.store.ListJobsForBatch(ctx, *batch.ExternalBatchID)
	if err != nil {
		return fmt.Errorf("listing batch jobs: %w", err)
	}

	completed, failed := 0, 0
	for _, job := range jobs {
		if job.Terminal() {
			continue
		}
		result, ok := results[job.ID.String()]
		if !ok {
			failed++
			if err := b.failJob(ctx, job, "no valid result in batch output"); err != nil {
				return err
			}
			continue
		}
		if err := b.worker.CompleteWithResult(ctx, job, result); err != nil {
			failed++
			if err := b.failJob(ctx, job, err.Error()); err != nil {
				return err
			}
			continue
		}
		completed++
	}

	b.logger.Info("batch finalized",
		"batch_id", batch.ID,
		"completed", completed,
		"failed", failed)
	return nil
}

// failBatch marks the batch failed and fails every job still waiting on it.
func (b *BatchManager) failBatch(ctx context.Context, batch *models.SimulationBatch, reason string) error {
	if err := b.store.MarkBatchFailed(ctx, batch.ID, reason); err != nil {
		return fmt.Errorf("marking batch failed: %w", err)
	}
	b.logger.Error("batch failed", "batch_id", batch.ID, "reason", reason)

	if batch.ExternalBatchID == nil {
		return nil
	}
	jobs, err := b.store.ListJobsForBatch(ctx, *batch.ExternalBatchID)
	if err != nil {
		return fmt.Errorf("listing batch jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Terminal() {
			continue
		}
		if err := b.failJob(ctx, job, reason); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchManager) failJob(ctx context.Context, job *models.SimulationJob, reason string) error {
	// Batch jobs wait in pending; walk them through running so the guarded
	// status transitions hold.
	if _, err := b.store.MarkJobRunning(ctx, job.ID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("marking job %s running: %w", job.ID, err)
	}
	if err := b.store.MarkJobFailed(ctx, job.ID, reason); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("marking job %s failed: %w", job.ID, err)
	}
	if err := b.store.UpdateSubmissionProcessing(ctx, job.SubmissionID, models.ProcessingStatusFailed); err != nil {
		b.logger.Error("updating submission status", "job_id", job.ID, "error", err)
	}
	return nil
}
