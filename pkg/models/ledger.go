package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ContinuityTolerance is the maximum absolute drift allowed between
// cash_after and cash_before + net_profit on any ledger entry, and between
// the AI's reported opening balance and the authoritative one.
const ContinuityTolerance = 0.01

// InventoryState tracks stock in the three storage buckets a simulated
// store carries. Units, not currency.
type InventoryState struct {
	Refrigerated float64 `json:"refrigerated"`
	Ambient      float64 `json:"ambient"`
	NonResale    float64 `json:"nonResale"`
}

// NormalizeInventory converts a legacy single-number inventory value into
// the three-bucket shape. Early classrooms stored inventory as one float;
// those units are treated as refrigerated stock.
func NormalizeInventory(raw json.RawMessage) (InventoryState, error) {
	var single float64
	if err := json.Unmarshal(raw, &single); err == nil {
		return InventoryState{Refrigerated: single}, nil
	}
	var state InventoryState
	if err := json.Unmarshal(raw, &state); err != nil {
		return InventoryState{}, err
	}
	return state, nil
}

// NonNegative reports whether every bucket holds zero or more units.
func (s InventoryState) NonNegative() bool {
	return s.Refrigerated >= 0 && s.Ambient >= 0 && s.NonResale >= 0
}

// AIMetadata records which model produced a ledger entry and the raw
// request/response pair for audit.
type AIMetadata struct {
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	RunID       string          `json:"run_id"`
	RawRequest  json.RawMessage `json:"raw_request,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
}

// LedgerEntry is one week of simulated trading results for a (scenario,
// user) pair. Entries are immutable once written; a scenario rerun deletes
// the scenario's entries wholesale before new ones are created.
//
// CreatedSeq is a database-assigned insertion sequence. History ordering
// uses it instead of CreatedAt so "most recent entry" is deterministic even
// for same-millisecond writes.
type LedgerEntry struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	ClassroomID uuid.UUID `db:"classroom_id" json:"classroom_id"`
	ScenarioID  uuid.UUID `db:"scenario_id"  json:"scenario_id"`
	UserID      uuid.UUID `db:"user_id"      json:"user_id"`

	Sales   float64 `db:"sales"   json:"sales"`
	Revenue float64 `db:"revenue" json:"revenue"`
	Costs   float64 `db:"costs"   json:"costs"`
	Waste   float64 `db:"waste"   json:"waste"`

	CashBefore float64 `db:"cash_before" json:"cash_before"`
	CashAfter  float64 `db:"cash_after"  json:"cash_after"`
	NetProfit  float64 `db:"net_profit"  json:"net_profit"`

	InventoryBefore InventoryState `db:"inventory_before" json:"inventory_before"`
	InventoryAfter  InventoryState `db:"inventory_after"  json:"inventory_after"`

	RandomEvent *string `db:"random_event" json:"random_event,omitempty"`
	Summary     string  `db:"summary"      json:"summary"`

	AIMetadata         AIMetadata      `db:"ai_metadata"         json:"ai_metadata"`
	CalculationContext json.RawMessage `db:"calculation_context" json:"calculation_context,omitempty"`

	CreatedSeq int64     `db:"created_seq" json:"created_seq"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}
