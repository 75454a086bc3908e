package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venturelab/simcore/internal/ai/mock"
	"github.com/venturelab/simcore/internal/ledger"
	"github.com/venturelab/simcore/internal/queue"
	"github.com/venturelab/simcore/internal/store"
	"github.com/venturelab/simcore/pkg/models"
)

type testEnv struct {
	store  *fakeStore
	cache  *fakeCache
	queue  *fakeQueue
	worker *Worker
	svc    *Service

	classroomID  uuid.UUID
	scenarioID   uuid.UUID
	userID       uuid.UUID
	submissionID uuid.UUID
}

func newTestEnv(t *testing.T, provider models.SimulationProvider) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := newFakeStore()
	ca := newFakeCache()
	q := &fakeQueue{}
	ledgerSvc := ledger.NewService(st, logger)
	worker := NewWorker(st, ca, provider, ledgerSvc, "test-owner", 0, logger)
	svc := NewService(st, ca, q, worker, ledgerSvc, logger)

	env := &testEnv{
		store: st, cache: ca, queue: q, worker: worker, svc: svc,
		classroomID:  uuid.New(),
		scenarioID:   uuid.New(),
		userID:       uuid.New(),
		submissionID: uuid.New(),
	}

	st.classrooms[env.classroomID] = &models.Classroom{ID: env.classroomID, Name: "Period 3"}
	st.configs[env.classroomID] = &models.StoreConfig{
		ID:                uuid.New(),
		ClassroomID:       env.classroomID,
		StartingBalance:   1000,
		StartingInventory: json.RawMessage(`100`),
		Variables:         json.RawMessage(`{"rent":50}`),
	}
	st.scenarios[env.scenarioID] = &models.Scenario{
		ID:          env.scenarioID,
		ClassroomID: env.classroomID,
		Title:       "Opening week",
		WeekNumber:  1,
	}
	st.outcomes[env.scenarioID] = &models.ScenarioOutcome{
		ID:                 uuid.New(),
		ScenarioID:         env.scenarioID,
		RandomEventEnabled: true,
		Notes:              "Heat wave all week; cold drinks sell fast.",
	}
	st.submissions[env.submissionID] = &models.Submission{
		ID:               env.submissionID,
		ScenarioID:       env.scenarioID,
		ClassroomID:      env.classroomID,
		UserID:           env.userID,
		Decisions:        json.RawMessage(`{"order":20}`),
		ProcessingStatus: models.ProcessingStatusProcessing,
	}
	return env
}

func (e *testEnv) submission(t *testing.T) *models.Submission {
	t.Helper()
	sub, err := e.store.GetSubmission(context.Background(), e.submissionID)
	require.NoError(t, err)
	return sub
}

func (e *testEnv) createJob(t *testing.T) *models.SimulationJob {
	t.Helper()
	job, err := e.svc.CreateJobForSubmission(context.Background(), e.submission(t), false)
	require.NoError(t, err)
	return job
}

func TestWorkerProcessJob(t *testing.T) {
	ctx := context.Background()

	t.Run("corrects drift and persists ledger entry", func(t *testing.T) {
		env := newTestEnv(t, mock.NewDriftingProvider(0.5))
		job := env.createJob(t)

		require.NoError(t, env.worker.ProcessJob(ctx, job.ID, false))

		stored, err := env.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
		require.NotNil(t, stored.LedgerEntryID)
		require.NotNil(t, stored.ExpectedCashBefore)
		assert.InDelta(t, 1000, *stored.ExpectedCashBefore, 1e-9)

		require.Len(t, env.store.ledger, 1)
		entry := env.store.ledger[0]
		assert.InDelta(t, 1000, entry.CashBefore, 1e-9)
		assert.InDelta(t, 79.5, entry.NetProfit, 1e-9)
		assert.InDelta(t, 1079.5, entry.CashAfter, 1e-9)
		// Legacy single-number starting inventory lands in the refrigerated
		// bucket.
		assert.InDelta(t, 100, entry.InventoryBefore.Refrigerated, 1e-9)
		assert.Equal(t, "mock-drifting", entry.AIMetadata.Provider)
		assert.NotEmpty(t, entry.CalculationContext)

		sub := env.submission(t)
		assert.Equal(t, models.ProcessingStatusCompleted, sub.ProcessingStatus)
		assert.Equal(t, stored.LedgerEntryID, sub.LedgerEntryID)

		status, ok, _ := env.cache.GetJobStatus(ctx, job.ID)
		assert.True(t, ok)
		assert.Equal(t, models.JobStatusCompleted, status)
	})

	t.Run("dry run skips ledger persistence", func(t *testing.T) {
		env := newTestEnv(t, mock.NewProvider())
		job, err := env.svc.CreateJobForSubmission(ctx, env.submission(t), true)
		require.NoError(t, err)

		require.NoError(t, env.worker.ProcessJob(ctx, job.ID, false))

		stored, err := env.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, stored.Status)
		assert.Nil(t, stored.LedgerEntryID)
		assert.Empty(t, env.store.ledger)
	})

	t.Run("second history entry chains from the first", func(t *testing.T) {
		env := newTestEnv(t, mock.NewProvider())
		job := env.createJob(t)
		require.NoError(t, env.worker.ProcessJob(ctx, job.ID, false))

		// A second scenario for the same student.
		scenario2 := uuid.New()
		env.store.scenarios[scenario2] = &models.Scenario{
			ID: scenario2, ClassroomID: env.classroomID, Title: "Week two", WeekNumber: 2,
		}
		env.store.outcomes[scenario2] = &models.ScenarioOutcome{
			ID: uuid.New(), ScenarioID: scenario2, Notes: "Quiet week.",
		}
		sub2 := uuid.New()
		env.store.submissions[sub2] = &models.Submission{
			ID: sub2, ScenarioID: scenario2, ClassroomID: env.classroomID,
			UserID: env.userID, ProcessingStatus: models.ProcessingStatusProcessing,
		}
		job2, err := env.svc.CreateJobForSubmission(ctx, env.store.submissions[sub2], false)
		require.NoError(t, err)
		require.NoError(t, env.worker.ProcessJob(ctx, job2.ID, false))

		require.Len(t, env.store.ledger, 2)
		first, second := env.store.ledger[0], env.store.ledger[1]
		// Mock reports cashBefore 1000 but the first entry closed at 1080;
		// continuity correction pins the chain.
		assert.InDelta(t, first.CashAfter, second.CashBefore, 1e-9)
		assert.InDelta(t, second.CashBefore+second.NetProfit, second.CashAfter, 1e-9)
	})

	t.Run("skips job that is not pending", func(t *testing.T) {
		env := newTestEnv(t, mock.NewProvider())
		job := env.createJob(t)
		require.NoError(t, env.worker.ProcessJob(ctx, job.ID, false))

		// Duplicate delivery acks silently and writes nothing new.
		require.NoError(t, env.worker.ProcessJob(ctx, job.ID, false))
		assert.Len(t, env.store.ledger, 1)
	})
}

func TestWorkerFinalAttemptSemantics(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("model exploded")

	t.Run("non-final failure returns job to pending", func(t *testing.T) {
		env := newTestEnv(t, mock.NewFailingProvider(boom))
		job := env.createJob(t)

		err := env.worker.ProcessJob(ctx, job.ID, false)
		require.ErrorIs(t, err, boom)

		stored, getErr := env.store.GetJob(ctx, job.ID)
		require.NoError(t, getErr)
		assert.Equal(t, models.JobStatusPending, stored.Status)
		require.NotNil(t, stored.ErrorMessage)
		assert.Contains(t, *stored.ErrorMessage, "model exploded")

		assert.Equal(t, models.ProcessingStatusProcessing, env.submission(t).ProcessingStatus)
	})

	t.Run("final failure fails job and submission", func(t *testing.T) {
		env := newTestEnv(t, mock.NewFailingProvider(boom))
		job := env.createJob(t)

		err := env.worker.ProcessJob(ctx, job.ID, true)
		require.ErrorIs(t, err, boom)

		stored, getErr := env.store.GetJob(ctx, job.ID)
		require.NoError(t, getErr)
		assert.Equal(t, models.JobStatusFailed, stored.Status)
		assert.Equal(t, models.ProcessingStatusFailed, env.submission(t).ProcessingStatus)
	})

	t.Run("retry after non-final failure succeeds", func(t *testing.T) {
		provider := mock.NewProvider()
		calls := 0
		provider.SimulateFunc = func(_ context.Context, _ models.SimulationInput) (models.SimulationResult, error) {
			calls++
			if calls == 1 {
				return models.SimulationResult{}, boom
			}
			return models.SimulationResult{
				Sales: 10, Revenue: 100, Costs: 60, Waste: 2,
				CashBefore: 1000, CashAfter: 1040, NetProfit: 40,
				InventoryAfter: models.InventoryState{Refrigerated: 80},
				Summary:        "recovered on retry",
			}, nil
		}
		env := newTestEnv(t, provider)
		job := env.createJob(t)

		require.Error(t, env.worker.ProcessJob(ctx, job.ID, false))
		require.NoError(t, env.worker.ProcessJob(ctx, job.ID, true))

		stored, err := env.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, stored.Status)
		assert.Equal(t, 2, stored.Attempts)
	})
}

func TestWorkerMissingOutcome(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mock.NewProvider())
	job := env.createJob(t)
	delete(env.store.outcomes, env.scenarioID)

	// An unconfigured outcome is a domain error, not a silent degradation:
	// no AI call, no ledger entry.
	err := env.worker.ProcessJob(ctx, job.ID, false)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "scenario outcome")

	stored, getErr := env.store.GetJob(ctx, job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "scenario outcome")
	assert.Empty(t, env.store.ledger)

	// The final attempt fails the job and the submission.
	err = env.worker.ProcessJob(ctx, job.ID, true)
	require.ErrorIs(t, err, store.ErrNotFound)
	stored, getErr = env.store.GetJob(ctx, job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, models.ProcessingStatusFailed, env.submission(t).ProcessingStatus)
}

func TestServiceCreateJobIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mock.NewProvider())

	first := env.createJob(t)
	require.NoError(t, env.worker.ProcessJob(ctx, first.ID, false))

	// Second create resets the same record instead of inserting another.
	second, err := env.svc.CreateJobForSubmission(ctx, env.submission(t), false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.JobStatusPending, second.Status)
	assert.Zero(t, second.Attempts)
	assert.Nil(t, second.PreparedRequest)
	assert.Nil(t, second.ExpectedCashBefore)
	assert.Nil(t, second.LedgerEntryID)

	assert.Len(t, env.store.jobs, 1)
	assert.Equal(t, 2, env.queue.len())
}

func TestServiceRerunScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mock.NewProvider())

	// Week one for this student, plus a second scenario we expect to survive
	// the rerun untouched.
	job := env.createJob(t)
	require.NoError(t, env.worker.ProcessJob(ctx, job.ID, false))

	otherScenario := uuid.New()
	env.store.scenarios[otherScenario] = &models.Scenario{
		ID: otherScenario, ClassroomID: env.classroomID, Title: "Week two", WeekNumber: 2,
	}
	env.store.outcomes[otherScenario] = &models.ScenarioOutcome{
		ID: uuid.New(), ScenarioID: otherScenario, Notes: "Quiet week.",
	}
	otherSub := uuid.New()
	env.store.submissions[otherSub] = &models.Submission{
		ID: otherSub, ScenarioID: otherScenario, ClassroomID: env.classroomID,
		UserID: env.userID, ProcessingStatus: models.ProcessingStatusProcessing,
	}
	otherJob, err := env.svc.CreateJobForSubmission(ctx, env.store.submissions[otherSub], false)
	require.NoError(t, err)
	require.NoError(t, env.worker.ProcessJob(ctx, otherJob.ID, false))
	require.Len(t, env.store.ledger, 2)

	otherEntryBefore := *env.store.ledger[1]

	jobs, err := env.svc.RerunScenario(ctx, env.scenarioID, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusPending, jobs[0].Status)

	// The rerun deleted only the target scenario's entries.
	require.Len(t, env.store.ledger, 1)
	assert.Equal(t, otherEntryBefore.ID, env.store.ledger[0].ID)
	assert.Equal(t, otherEntryBefore.CashAfter, env.store.ledger[0].CashAfter)

	// Reprocessing repopulates the scenario.
	require.NoError(t, env.worker.ProcessJob(ctx, jobs[0].ID, false))
	assert.Len(t, env.store.ledger, 2)
}

func TestServiceProcessPendingJobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mock.NewProvider())

	env.createJob(t)
	enqueuedBefore := env.queue.len()

	count, err := env.svc.ProcessPendingJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, enqueuedBefore+1, env.queue.len())
}

func TestServiceHandler(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, mock.NewProvider())
	job := env.createJob(t)

	payload, err := json.Marshal(jobPayload{JobID: job.ID})
	require.NoError(t, err)

	handler := env.svc.Handler()
	require.NoError(t, handler(ctx, deliveryFor(payload, false)))

	stored, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
}

func deliveryFor(payload json.RawMessage, final bool) queue.Delivery {
	return queue.Delivery{
		Envelope:       queue.Envelope{Category: queue.CategorySimulation, Payload: payload},
		Attempt:        1,
		IsFinalAttempt: final,
	}
}

func TestWorkerStreamLease(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := newTestEnv(t, mock.NewProvider())
	leased := NewWorker(env.store, env.cache, mock.NewProvider(), ledger.NewService(env.store, logger), "worker-a", time.Minute, logger)
	job := env.createJob(t)

	// Another instance already holds this student's stream.
	held, err := env.store.TryAcquireStreamLease(ctx, env.classroomID, env.userID, "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	err = leased.ProcessJob(ctx, job.ID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream busy")

	stored, getErr := env.store.GetJob(ctx, job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusPending, stored.Status)

	// Once released, the job goes through.
	require.NoError(t, env.store.ReleaseStreamLease(ctx, env.classroomID, env.userID, "worker-b"))
	require.NoError(t, leased.ProcessJob(ctx, job.ID, false))
}
