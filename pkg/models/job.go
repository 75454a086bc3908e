package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// SimulationJob tracks one simulation attempt for a (scenario, user) pair.
// There is at most one job per pair: recreating an existing job resets the
// record in place instead of inserting a duplicate.
type SimulationJob struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	ClassroomID  uuid.UUID  `db:"classroom_id"  json:"classroom_id"`
	ScenarioID   uuid.UUID  `db:"scenario_id"   json:"scenario_id"`
	SubmissionID uuid.UUID  `db:"submission_id" json:"submission_id"`
	UserID       uuid.UUID  `db:"user_id"       json:"user_id"`
	Status       string     `db:"status"        json:"status"`
	Attempts     int        `db:"attempts"      json:"attempts"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	DryRun       bool       `db:"dry_run"       json:"dry_run"`

	// PreparedRequest is the AI request snapshot assembled before invocation,
	// retained so operators can replay or audit a failed run.
	PreparedRequest json.RawMessage `db:"prepared_request" json:"prepared_request,omitempty"`

	// ExpectedCashBefore and ExpectedInventory are the authoritative opening
	// values derived from ledger history; the AI's own estimate is corrected
	// against them.
	ExpectedCashBefore *float64        `db:"expected_cash_before" json:"expected_cash_before,omitempty"`
	ExpectedInventory  *InventoryState `db:"expected_inventory"   json:"expected_inventory,omitempty"`

	Batch BatchSubState `json:"batch"`

	LedgerEntryID *uuid.UUID `db:"ledger_entry_id" json:"ledger_entry_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// BatchSubState carries per-job state for batch-mode submission to the
// provider's asynchronous batch API.
type BatchSubState struct {
	ExternalBatchID *string    `db:"external_batch_id"  json:"external_batch_id,omitempty"`
	InputFileID     *string    `db:"input_file_id"      json:"input_file_id,omitempty"`
	OutputFileID    *string    `db:"output_file_id"     json:"output_file_id,omitempty"`
	ErrorFileID     *string    `db:"error_file_id"      json:"error_file_id,omitempty"`
	SubmittedAt     *time.Time `db:"batch_submitted_at" json:"submitted_at,omitempty"`
	CompletedAt     *time.Time `db:"batch_completed_at" json:"completed_at,omitempty"`
}

// Terminal reports whether the job is in a state that will not change
// without an explicit reset.
func (j *SimulationJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
