package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/venturelab/simcore/internal/cache"
	"github.com/venturelab/simcore/internal/ledger"
	"github.com/venturelab/simcore/internal/queue"
	"github.com/venturelab/simcore/internal/store"
	"github.com/venturelab/simcore/pkg/models"
)

// Enqueuer is the slice of the task queue the service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, category string, payload any, opts queue.Options) (string, error)
}

// jobPayload is the queue payload for the simulation category: the job ID
// only. The worker re-reads full state by ID so the queue never carries
// stale embedded data.
type jobPayload struct {
	JobID uuid.UUID `json:"jobId"`
}

// Service is the admin-facing orchestration surface over simulation jobs:
// creation, retry, fan-out and the two-phase scenario rerun.
type Service struct {
	store  store.Store
	cache  cache.Cache
	queue  Enqueuer
	worker *Worker
	ledger *ledger.Service
	logger *slog.Logger
}

func NewService(st store.Store, ca cache.Cache, q Enqueuer, worker *Worker, ledgerSvc *ledger.Service, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		cache:  ca,
		queue:  q,
		worker: worker,
		ledger: ledgerSvc,
		logger: logger,
	}
}

// Handler adapts the worker to the queue's delivery contract.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, d queue.Delivery) error {
		var payload jobPayload
		if err := json.Unmarshal(d.Envelope.Payload, &payload); err != nil {
			return fmt.Errorf("decoding job payload: %w", err)
		}
		if d.Stalled {
			s.logger.Warn("processing stalled job delivery", "job_id", payload.JobID)
		}
		return s.worker.ProcessJob(ctx, payload.JobID, d.IsFinalAttempt)
	}
}

// CreateJobForSubmission idempotently creates (or resets) the simulation
// job for a submission's (scenario, user) pair and enqueues it. A second
// call for the same pair clears all prior AI artifacts instead of creating
// a duplicate.
func (s *Service) CreateJobForSubmission(ctx context.Context, submission *models.Submission, dryRun bool) (*models.SimulationJob, error) {
	job, err := s.store.CreateOrResetJob(ctx, &models.SimulationJob{
		ID:           uuid.New(),
		ClassroomID:  submission.ClassroomID,
		ScenarioID:   submission.ScenarioID,
		SubmissionID: submission.ID,
		UserID:       submission.UserID,
		Status:       models.JobStatusPending,
		DryRun:       dryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := s.store.UpdateSubmissionProcessing(ctx, submission.ID, models.ProcessingStatusProcessing); err != nil {
		return nil, fmt.Errorf("updating submission status: %w", err)
	}
	_ = s.cache.SetJobStatus(ctx, job.ID, models.JobStatusPending, jobStatusTTL)

	if err := s.enqueue(ctx, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// CreateJobsForScenario fans out one job per submission of the scenario.
func (s *Service) CreateJobsForScenario(ctx context.Context, scenarioID uuid.UUID, dryRun bool) ([]*models.SimulationJob, error) {
	submissions, err := s.store.ListSubmissionsForScenario(ctx, scenarioID)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}

	jobs := make([]*models.SimulationJob, 0, len(submissions))
	for _, submission := range submissions {
		job, err := s.CreateJobForSubmission(ctx, submission, dryRun)
		if err != nil {
			return jobs, fmt.Errorf("creating job for submission %s: %w", submission.ID, err)
		}
		jobs = append(jobs, job)
	}

	s.logger.Info("created jobs for scenario", "scenario_id", scenarioID, "count", len(jobs))
	return jobs, nil
}

// RetryJob resets a job to pending — clearing prior AI artifacts — and
// re-enqueues it.
func (s *Service) RetryJob(ctx context.Context, jobID uuid.UUID) (*models.SimulationJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}

	job, err = s.store.CreateOrResetJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("resetting job: %w", err)
	}

	if err := s.store.UpdateSubmissionProcessing(ctx, job.SubmissionID, models.ProcessingStatusProcessing); err != nil {
		return nil, fmt.Errorf("updating submission status: %w", err)
	}
	_ = s.cache.SetJobStatus(ctx, job.ID, models.JobStatusPending, jobStatusTTL)

	if err := s.enqueue(ctx, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// ProcessPendingJobs drains up to limit pending jobs back onto the queue.
// Used after incidents to recover jobs whose enqueues were lost.
func (s *Service) ProcessPendingJobs(ctx context.Context, limit int) (int, error) {
	jobs, err := s.store.ListPendingJobs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("listing pending jobs: %w", err)
	}
	for i, job := range jobs {
		if err := s.enqueue(ctx, job.ID); err != nil {
			return i, err
		}
	}
	return len(jobs), nil
}

// RerunScenario is the deliberate two-phase rerun protocol: delete the
// scenario's ledger entries, then reset and recreate its jobs. The ledger
// stays strictly append-only during normal operation; this is the only
// path that removes entries.
func (s *Service) RerunScenario(ctx context.Context, scenarioID uuid.UUID, dryRun bool) ([]*models.SimulationJob, error) {
	if _, err := s.ledger.DeleteForScenario(ctx, scenarioID); err != nil {
		return nil, err
	}

	return s.CreateJobsForScenario(ctx, scenarioID, dryRun)
}

// GetJob reads the job document, the source of truth.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*models.SimulationJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// JobStatus answers status polls from the Redis mirror when possible,
// falling back to the job document.
func (s *Service) JobStatus(ctx context.Context, jobID uuid.UUID) (string, error) {
	if status, ok, err := s.cache.GetJobStatus(ctx, jobID); err == nil && ok {
		return status, nil
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (s *Service) enqueue(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.queue.Enqueue(ctx, queue.CategorySimulation, jobPayload{JobID: jobID}, queue.Options{}); err != nil {
		return fmt.Errorf("enqueuing job %s: %w", jobID, err)
	}
	return nil
}
