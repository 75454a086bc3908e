// Package models contains shared data models used across the simcore codebase.
package models

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors shared by all SimulationProvider implementations.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
)

// SimulationProvider is the core interface all AI integrations must
// implement. Never call specific AI providers directly — always inject
// this interface.
type SimulationProvider interface {
	// Simulate runs one store week and returns a strictly schema-validated
	// numeric result.
	Simulate(ctx context.Context, input SimulationInput) (SimulationResult, error)
	// SubmitBatch sends many simulation inputs as one asynchronous batch
	// call and returns the provider-side identifiers.
	SubmitBatch(ctx context.Context, items []BatchItem) (BatchHandle, error)
	// PollBatch reports the current status of a previously submitted batch.
	PollBatch(ctx context.Context, externalBatchID string) (BatchPollResult, error)
	// FetchBatchResults downloads a completed batch's output file and
	// returns one result per custom ID.
	FetchBatchResults(ctx context.Context, outputFileID string) (map[string]SimulationResult, error)
	// Name returns the provider identifier (e.g. "openai", "mock").
	Name() string
	// Model returns the model identifier results are attributed to.
	Model() string
}

// SimulationInput is the full context for one store week: everything the
// model needs, serialized into the prompt.
type SimulationInput struct {
	StoreConfig   json.RawMessage `json:"store_config"`
	Scenario      json.RawMessage `json:"scenario"`
	GlobalOutcome json.RawMessage `json:"global_outcome"`
	Submission    json.RawMessage `json:"submission"`
	LedgerHistory json.RawMessage `json:"ledger_history"`
}

// SimulationResult is the provider's economic outcome for one week. Every
// numeric field is required on the wire; RandomEvent is nullable.
type SimulationResult struct {
	Sales           float64        `json:"sales"`
	Revenue         float64        `json:"revenue"`
	Costs           float64        `json:"costs"`
	Waste           float64        `json:"waste"`
	CashBefore      float64        `json:"cashBefore"`
	CashAfter       float64        `json:"cashAfter"`
	InventoryBefore InventoryState `json:"inventoryBefore"`
	InventoryAfter  InventoryState `json:"inventoryAfter"`
	NetProfit       float64        `json:"netProfit"`
	RandomEvent     *string        `json:"randomEvent"`
	Summary         string         `json:"summary"`

	// RawResponse is the provider's unmodified response body, kept for the
	// ledger audit trail.
	RawResponse json.RawMessage `json:"-"`
}

// BatchItem pairs a simulation input with the caller's correlation ID
// (the job ID) for batch submission.
type BatchItem struct {
	CustomID string
	Input    SimulationInput
}

// BatchHandle identifies a submitted batch on the provider side.
type BatchHandle struct {
	ExternalBatchID string
	InputFileID     string
}

// BatchPollResult is a snapshot of a batch's provider-side state.
type BatchPollResult struct {
	Status       string
	OutputFileID *string
	ErrorFileID  *string
}
