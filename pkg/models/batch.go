package models

import (
	"time"

	"github.com/google/uuid"
)

// Batch statuses mirror the provider's asynchronous batch lifecycle plus a
// local "created" state before submission.
const (
	BatchStatusCreated    = "created"
	BatchStatusSubmitted  = "submitted"
	BatchStatusValidating = "validating"
	BatchStatusInProgress = "in_progress"
	BatchStatusFinalizing = "finalizing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
	BatchStatusExpired    = "expired"
	BatchStatusCancelled  = "cancelled"
)

// SimulationBatch groups many simulation jobs submitted to the AI provider
// as one asynchronous batch call.
type SimulationBatch struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	ScenarioID      uuid.UUID  `db:"scenario_id"       json:"scenario_id"`
	Status          string     `db:"status"            json:"status"`
	ExternalBatchID *string    `db:"external_batch_id" json:"external_batch_id,omitempty"`
	InputFileID     *string    `db:"input_file_id"     json:"input_file_id,omitempty"`
	OutputFileID    *string    `db:"output_file_id"    json:"output_file_id,omitempty"`
	ErrorFileID     *string    `db:"error_file_id"     json:"error_file_id,omitempty"`
	JobCount        int        `db:"job_count"         json:"job_count"`
	PollCount       int        `db:"poll_count"        json:"poll_count"`
	LastPolledAt    *time.Time `db:"last_polled_at"    json:"last_polled_at,omitempty"`
	ErrorMessage    *string    `db:"error_message"     json:"error_message,omitempty"`
	SubmittedAt     *time.Time `db:"submitted_at"      json:"submitted_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// BatchTerminal reports whether a batch status will not change with
// further polling.
func BatchTerminal(status string) bool {
	switch status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusExpired, BatchStatusCancelled:
		return true
	}
	return false
}
