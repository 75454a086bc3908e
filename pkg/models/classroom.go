package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Submission processing statuses shown to students. A submission stays
// "processing" through transient retries and only flips to "failed" once
// the job's final attempt has failed.
const (
	ProcessingStatusProcessing = "processing"
	ProcessingStatusCompleted  = "completed"
	ProcessingStatusFailed     = "failed"
)

// Classroom is a group of students running the same simulated store.
type Classroom struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StoreConfig is the classroom's store setup: the opening cash balance,
// opening inventory, and a flattened variable set (prices, rent, staffing
// levels, ...) fed verbatim to the AI.
//
// StartingInventory is stored raw because legacy classrooms hold a single
// number where current ones hold the three-bucket shape; use
// NormalizeInventory to read it.
type StoreConfig struct {
	ID                uuid.UUID       `db:"id"                 json:"id"`
	ClassroomID       uuid.UUID       `db:"classroom_id"       json:"classroom_id"`
	StartingBalance   float64         `db:"starting_balance"   json:"starting_balance"`
	StartingInventory json.RawMessage `db:"starting_inventory" json:"starting_inventory"`
	Variables         json.RawMessage `db:"variables"          json:"variables"`
	CreatedAt         time.Time       `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"         json:"updated_at"`
}

// Scenario is one week of the simulation with its own variable overrides.
type Scenario struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	ClassroomID uuid.UUID       `db:"classroom_id" json:"classroom_id"`
	Title       string          `db:"title"        json:"title"`
	WeekNumber  int             `db:"week_number"  json:"week_number"`
	Variables   json.RawMessage `db:"variables"    json:"variables"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"   json:"updated_at"`
}

// ScenarioOutcome is the teacher-authored global outcome for a scenario:
// whether a random event may fire this week and narrative notes the AI
// should weave into every student's result.
type ScenarioOutcome struct {
	ID                 uuid.UUID `db:"id"                   json:"id"`
	ScenarioID         uuid.UUID `db:"scenario_id"          json:"scenario_id"`
	RandomEventEnabled bool      `db:"random_event_enabled" json:"random_event_enabled"`
	Notes              string    `db:"notes"                json:"notes"`
	CreatedAt          time.Time `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"           json:"updated_at"`
}

// Submission is a student's set of decisions for a scenario.
type Submission struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	ScenarioID       uuid.UUID       `db:"scenario_id"       json:"scenario_id"`
	ClassroomID      uuid.UUID       `db:"classroom_id"      json:"classroom_id"`
	UserID           uuid.UUID       `db:"user_id"           json:"user_id"`
	Decisions        json.RawMessage `db:"decisions"         json:"decisions"`
	ProcessingStatus string          `db:"processing_status" json:"processing_status"`
	LedgerEntryID    *uuid.UUID      `db:"ledger_entry_id"   json:"ledger_entry_id,omitempty"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"        json:"updated_at"`
}
