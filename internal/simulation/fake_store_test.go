package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/venturelab/simcore/internal/queue"
	"github.com/venturelab/simcore/internal/store"
	"github.com/venturelab/simcore/pkg/models"
)

// fakeStore is an in-memory store.Store mirroring the Postgres
// implementation's transition guards and uniqueness rules, so worker and
// service semantics can be tested without a database.
type fakeStore struct {
	mu sync.Mutex

	classrooms  map[uuid.UUID]*models.Classroom
	configs     map[uuid.UUID]*models.StoreConfig // by classroom ID
	scenarios   map[uuid.UUID]*models.Scenario
	outcomes    map[uuid.UUID]*models.ScenarioOutcome // by scenario ID
	submissions map[uuid.UUID]*models.Submission
	jobs        map[uuid.UUID]*models.SimulationJob
	ledger      []*models.LedgerEntry
	batches     map[uuid.UUID]*models.SimulationBatch
	tasks       map[string]*models.RecurringTask
	streamLease map[string]leaseState

	nextSeq int64
}

type leaseState struct {
	owner     string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		classrooms:  make(map[uuid.UUID]*models.Classroom),
		configs:     make(map[uuid.UUID]*models.StoreConfig),
		scenarios:   make(map[uuid.UUID]*models.Scenario),
		outcomes:    make(map[uuid.UUID]*models.ScenarioOutcome),
		submissions: make(map[uuid.UUID]*models.Submission),
		jobs:        make(map[uuid.UUID]*models.SimulationJob),
		batches:     make(map[uuid.UUID]*models.SimulationBatch),
		tasks:       make(map[string]*models.RecurringTask),
		streamLease: make(map[string]leaseState),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetClassroom(_ context.Context, id uuid.UUID) (*models.Classroom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.classrooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetStoreConfig(_ context.Context, classroomID uuid.UUID) (*models.StoreConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.configs[classroomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetScenario(_ context.Context, id uuid.UUID) (*models.Scenario, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scenarios[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetScenarioOutcome(_ context.Context, scenarioID uuid.UUID) (*models.ScenarioOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.outcomes[scenarioID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) GetSubmission(_ context.Context, id uuid.UUID) (*models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.submissions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) ListSubmissionsForScenario(_ context.Context, scenarioID uuid.UUID) ([]*models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Submission
	for _, s := range f.submissions {
		if s.ScenarioID == scenarioID {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSubmissionProcessing(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.submissions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.ProcessingStatus = status
	return nil
}

func (f *fakeStore) LinkSubmissionLedgerEntry(_ context.Context, id, ledgerEntryID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.submissions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.LedgerEntryID = &ledgerEntryID
	return nil
}

func (f *fakeStore) CreateOrResetJob(_ context.Context, job *models.SimulationJob) (*models.SimulationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.jobs {
		if existing.ScenarioID == job.ScenarioID && existing.UserID == job.UserID {
			existing.Status = models.JobStatusPending
			existing.Attempts = 0
			existing.ErrorMessage = nil
			existing.StartedAt = nil
			existing.CompletedAt = nil
			existing.DryRun = job.DryRun
			existing.PreparedRequest = nil
			existing.ExpectedCashBefore = nil
			existing.ExpectedInventory = nil
			existing.Batch = models.BatchSubState{}
			existing.LedgerEntryID = nil
			copied := *existing
			return &copied, nil
		}
	}
	copied := *job
	copied.Status = models.JobStatusPending
	copied.CreatedAt = time.Now().UTC()
	f.jobs[copied.ID] = &copied
	returned := copied
	return &returned, nil
}

func (f *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.SimulationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (f *fakeStore) ListPendingJobs(_ context.Context, limit int) ([]*models.SimulationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SimulationJob
	for _, j := range f.jobs {
		if j.Status == models.JobStatusPending && j.Batch.ExternalBatchID == nil {
			copied := *j
			out = append(out, &copied)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListJobsForScenario(_ context.Context, scenarioID uuid.UUID) ([]*models.SimulationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SimulationJob
	for _, j := range f.jobs {
		if j.ScenarioID == scenarioID {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) ListJobsForBatch(_ context.Context, externalBatchID string) ([]*models.SimulationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SimulationJob
	for _, j := range f.jobs {
		if j.Batch.ExternalBatchID != nil && *j.Batch.ExternalBatchID == externalBatchID {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkJobRunning(_ context.Context, id uuid.UUID) (*models.SimulationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return nil, store.ErrInvalidTransition
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusRunning
	j.Attempts++
	j.StartedAt = &now
	copied := *j
	return &copied, nil
}

func (f *fakeStore) MarkJobCompleted(_ context.Context, id uuid.UUID) error {
	return f.transition(id, models.JobStatusCompleted, nil)
}

func (f *fakeStore) MarkJobFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return f.transition(id, models.JobStatusFailed, &errMsg)
}

func (f *fakeStore) ReturnJobToPending(_ context.Context, id uuid.UUID, errMsg string) error {
	return f.transition(id, models.JobStatusPending, &errMsg)
}

func (f *fakeStore) transition(id uuid.UUID, to string, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != models.JobStatusRunning {
		return store.ErrInvalidTransition
	}
	j.Status = to
	j.ErrorMessage = errMsg
	if to == models.JobStatusCompleted {
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	return nil
}

func (f *fakeStore) SetJobPrepared(_ context.Context, id uuid.UUID, request json.RawMessage, expectedCash float64, expectedInventory models.InventoryState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.PreparedRequest = request
	j.ExpectedCashBefore = &expectedCash
	inv := expectedInventory
	j.ExpectedInventory = &inv
	return nil
}

func (f *fakeStore) SetJobBatchState(_ context.Context, id uuid.UUID, batch models.BatchSubState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Batch = batch
	return nil
}

func (f *fakeStore) LinkJobLedgerEntry(_ context.Context, id, ledgerEntryID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.LedgerEntryID = &ledgerEntryID
	return nil
}

func (f *fakeStore) CreateLedgerEntry(_ context.Context, entry *models.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if math.Abs(entry.CashAfter-(entry.CashBefore+entry.NetProfit)) > models.ContinuityTolerance {
		return store.ErrContinuityViolation
	}
	if !entry.InventoryBefore.NonNegative() || !entry.InventoryAfter.NonNegative() {
		return store.ErrContinuityViolation
	}
	for _, e := range f.ledger {
		if e.ScenarioID == entry.ScenarioID && e.UserID == entry.UserID {
			return store.ErrDuplicateKey
		}
	}
	f.nextSeq++
	copied := *entry
	copied.CreatedSeq = f.nextSeq
	copied.CreatedAt = time.Now().UTC()
	f.ledger = append(f.ledger, &copied)
	return nil
}

func (f *fakeStore) GetLedgerHistory(_ context.Context, classroomID, userID, excludeScenarioID uuid.UUID) ([]*models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range f.ledger {
		if e.ClassroomID != classroomID || e.UserID != userID {
			continue
		}
		if excludeScenarioID != uuid.Nil && e.ScenarioID == excludeScenarioID {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) DeleteLedgerEntriesForScenario(_ context.Context, scenarioID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*models.LedgerEntry
	var deleted int64
	for _, e := range f.ledger {
		if e.ScenarioID == scenarioID {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	f.ledger = kept
	return deleted, nil
}

func (f *fakeStore) CreateBatch(_ context.Context, batch *models.SimulationBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *batch
	copied.CreatedAt = time.Now().UTC()
	f.batches[copied.ID] = &copied
	return nil
}

func (f *fakeStore) GetBatch(_ context.Context, id uuid.UUID) (*models.SimulationBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeStore) ListOpenBatches(context.Context) ([]*models.SimulationBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SimulationBatch
	for _, b := range f.batches {
		switch b.Status {
		case models.BatchStatusSubmitted, models.BatchStatusValidating,
			models.BatchStatusInProgress, models.BatchStatusFinalizing:
			copied := *b
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkBatchSubmitted(_ context.Context, id uuid.UUID, externalBatchID, inputFileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	b.Status = models.BatchStatusSubmitted
	b.ExternalBatchID = &externalBatchID
	b.InputFileID = &inputFileID
	b.SubmittedAt = &now
	return nil
}

func (f *fakeStore) RecordBatchPoll(_ context.Context, id uuid.UUID, status string, outputFileID, errorFileID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	b.PollCount++
	b.LastPolledAt = &now
	b.Status = status
	if outputFileID != nil {
		b.OutputFileID = outputFileID
	}
	if errorFileID != nil {
		b.ErrorFileID = errorFileID
	}
	if models.BatchTerminal(status) {
		b.CompletedAt = &now
	}
	return nil
}

func (f *fakeStore) MarkBatchFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = models.BatchStatusFailed
	b.ErrorMessage = &errMsg
	return nil
}

func (f *fakeStore) UpsertRecurringTask(_ context.Context, task *models.RecurringTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.tasks[task.JobName]; ok {
		existing.WorkerType = task.WorkerType
		existing.Schedule = task.Schedule
		existing.Timezone = task.Timezone
		existing.Enabled = task.Enabled
		return nil
	}
	copied := *task
	f.tasks[task.JobName] = &copied
	return nil
}

func (f *fakeStore) GetRecurringTask(_ context.Context, jobName string) (*models.RecurringTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[jobName]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeStore) ListEnabledTasks(context.Context) ([]*models.RecurringTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.RecurringTask
	for _, t := range f.tasks {
		if t.Enabled {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) TryAcquireLease(_ context.Context, jobName, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[jobName]
	if !ok {
		return false, store.ErrNotFound
	}
	now := time.Now().UTC()
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

func (f *fakeStore) ReleaseLease(_ context.Context, jobName, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[jobName]
	if !ok {
		return store.ErrNotFound
	}
	if t.LeaseOwner != nil && *t.LeaseOwner == owner {
		t.LeaseOwner = nil
		t.LeaseExpiresAt = nil
	}
	return nil
}

func (f *fakeStore) MarkTaskStarted(_ context.Context, jobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[jobName]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	t.RunCount++
	t.LastRun = &now
	return nil
}

func (f *fakeStore) MarkTaskCompleted(_ context.Context, jobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[jobName]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	t.SuccessCount++
	t.LastSuccess = &now
	return nil
}

func (f *fakeStore) MarkTaskFailed(_ context.Context, jobName, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[jobName]
	if !ok {
		return store.ErrNotFound
	}
	t.ErrorCount++
	t.LastError = &errMsg
	return nil
}

func (f *fakeStore) TryAcquireStreamLease(_ context.Context, classroomID, userID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := classroomID.String() + "/" + userID.String()
	now := time.Now().UTC()
	if lease, ok := f.streamLease[key]; ok && lease.owner != owner && lease.expiresAt.After(now) {
		return false, nil
	}
	f.streamLease[key] = leaseState{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (f *fakeStore) ReleaseStreamLease(_ context.Context, classroomID, userID uuid.UUID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := classroomID.String() + "/" + userID.String()
	if lease, ok := f.streamLease[key]; ok && lease.owner == owner {
		delete(f.streamLease, key)
	}
	return nil
}

var _ store.Store = (*fakeStore)(nil)

// fakeCache is an in-memory cache.Cache.
type fakeCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: make(map[uuid.UUID]string)}
}

func (c *fakeCache) Ping(context.Context) error { return nil }
func (c *fakeCache) Close() error               { return nil }

func (c *fakeCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *fakeCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[jobID]
	return status, ok, nil
}

// fakeQueue records enqueues instead of touching Redis.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []jobPayload
}

func (q *fakeQueue) Enqueue(_ context.Context, category string, payload any, _ queue.Options) (string, error) {
	if category != queue.CategorySimulation {
		return "", fmt.Errorf("unexpected category %q", category)
	}
	p, ok := payload.(jobPayload)
	if !ok {
		return "", fmt.Errorf("unexpected payload type %T", payload)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, p)
	return p.JobID.String(), nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}
