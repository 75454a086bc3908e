// Package mock provides a functional SimulationProvider for testing and
// for running the service without an AI backend.
package mock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/venturelab/simcore/pkg/models"
)

// MockProvider satisfies models.SimulationProvider for testing. Each
// behavior can be overridden per test via the Func fields.
type MockProvider struct {
	Name_            string
	Model_           string
	SimulateFunc     func(ctx context.Context, input models.SimulationInput) (models.SimulationResult, error)
	SubmitBatchFunc  func(ctx context.Context, items []models.BatchItem) (models.BatchHandle, error)
	PollBatchFunc    func(ctx context.Context, externalBatchID string) (models.BatchPollResult, error)
	FetchResultsFunc func(ctx context.Context, outputFileID string) (map[string]models.SimulationResult, error)

	submittedBatches map[string][]models.BatchItem
}

func (m *MockProvider) Name() string  { return m.Name_ }
func (m *MockProvider) Model() string { return m.Model_ }

func (m *MockProvider) Simulate(ctx context.Context, input models.SimulationInput) (models.SimulationResult, error) {
	if m.SimulateFunc != nil {
		return m.SimulateFunc(ctx, input)
	}
	return defaultResult(), nil
}

func (m *MockProvider) SubmitBatch(ctx context.Context, items []models.BatchItem) (models.BatchHandle, error) {
	if m.SubmitBatchFunc != nil {
		return m.SubmitBatchFunc(ctx, items)
	}
	id := "batch-" + uuid.NewString()[:8]
	if m.submittedBatches == nil {
		m.submittedBatches = make(map[string][]models.BatchItem)
	}
	m.submittedBatches[id] = items
	return models.BatchHandle{ExternalBatchID: id, InputFileID: "file-" + id}, nil
}

func (m *MockProvider) PollBatch(ctx context.Context, externalBatchID string) (models.BatchPollResult, error) {
	if m.PollBatchFunc != nil {
		return m.PollBatchFunc(ctx, externalBatchID)
	}
	out := "out-" + externalBatchID
	return models.BatchPollResult{Status: "completed", OutputFileID: &out}, nil
}

func (m *MockProvider) FetchBatchResults(ctx context.Context, outputFileID string) (map[string]models.SimulationResult, error) {
	if m.FetchResultsFunc != nil {
		return m.FetchResultsFunc(ctx, outputFileID)
	}
	results := make(map[string]models.SimulationResult)
	for id, items := range m.submittedBatches {
		if "out-"+id != outputFileID {
			continue
		}
		for _, item := range items {
			results[item.CustomID] = defaultResult()
		}
	}
	return results, nil
}

// defaultResult is a continuity-consistent week: cashAfter always equals
// cashBefore plus netProfit.
func defaultResult() models.SimulationResult {
	result := models.SimulationResult{
		Sales:      40,
		Revenue:    200,
		Costs:      120,
		Waste:      5,
		CashBefore: 1000,
		CashAfter:  1080,
		NetProfit:  80,
		InventoryBefore: models.InventoryState{
			Refrigerated: 50, Ambient: 30, NonResale: 10,
		},
		InventoryAfter: models.InventoryState{
			Refrigerated: 35, Ambient: 22, NonResale: 10,
		},
		Summary: "Mock simulation: a steady week with moderate sales.",
	}
	result.RawResponse, _ = json.Marshal(result)
	return result
}

// NewProvider returns a MockProvider with sensible default responses.
func NewProvider() *MockProvider {
	return &MockProvider{Name_: "mock", Model_: "mock-v1"}
}

// NewFailingProvider returns a MockProvider whose every call fails with err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_:  "mock-failing",
		Model_: "mock-v1",
		SimulateFunc: func(_ context.Context, _ models.SimulationInput) (models.SimulationResult, error) {
			return models.SimulationResult{}, err
		},
		SubmitBatchFunc: func(_ context.Context, _ []models.BatchItem) (models.BatchHandle, error) {
			return models.BatchHandle{}, err
		},
		PollBatchFunc: func(_ context.Context, _ string) (models.BatchPollResult, error) {
			return models.BatchPollResult{}, err
		},
		FetchResultsFunc: func(_ context.Context, _ string) (map[string]models.SimulationResult, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is
// cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_:  "mock-timeout",
		Model_: "mock-v1",
		SimulateFunc: func(ctx context.Context, _ models.SimulationInput) (models.SimulationResult, error) {
			<-ctx.Done()
			return models.SimulationResult{}, fmt.Errorf("%w: %v", models.ErrInferenceTimeout, ctx.Err())
		},
	}
}

// NewDriftingProvider returns a MockProvider whose cashBefore disagrees
// with the ledger by drift, exercising the continuity correction path.
func NewDriftingProvider(drift float64) *MockProvider {
	return &MockProvider{
		Name_:  "mock-drifting",
		Model_: "mock-v1",
		SimulateFunc: func(_ context.Context, _ models.SimulationInput) (models.SimulationResult, error) {
			result := defaultResult()
			result.CashBefore += drift
			result.CashAfter += drift
			return result, nil
		},
	}
}

var _ models.SimulationProvider = (*MockProvider)(nil)
