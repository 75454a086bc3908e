package simulation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/venturelab/simcore/internal/store"
	"github.com/venturelab/simcore/pkg/models"
)

// jobContext is everything one simulation run needs: the assembled AI
// input plus the authoritative opening state derived from ledger history.
type jobContext struct {
	Input              models.SimulationInput
	ExpectedCashBefore float64
	ExpectedInventory  models.InventoryState
}

// fetchJobContext loads store configuration, scenario, outcome, submission
// and the ordered ledger history for (classroom, user) — excluding the
// job's own scenario so a rerun never reads stale history from itself.
// The opening balance and inventory come from the most recent ledger entry,
// or from store defaults when no history exists.
func fetchJobContext(ctx context.Context, st store.Store, job *models.SimulationJob) (*jobContext, error) {
	cfg, err := st.GetStoreConfig(ctx, job.ClassroomID)
	if err != nil {
		return nil, fmt.Errorf("loading store config: %w", err)
	}
	scenario, err := st.GetScenario(ctx, job.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("loading scenario: %w", err)
	}
	submission, err := st.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("loading submission: %w", err)
	}

	// The outcome is teacher-authored; a scenario whose outcome has not been
	// configured yet cannot be simulated. This is a terminal domain error for
	// the job, not something a retry can fix.
	outcome, err := st.GetScenarioOutcome(ctx, job.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("loading scenario outcome: %w", err)
	}

	history, err := st.GetLedgerHistory(ctx, job.ClassroomID, job.UserID, job.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("loading ledger history: %w", err)
	}

	expectedCash, expectedInventory, err := openingState(cfg, history)
	if err != nil {
		return nil, err
	}

	input, err := buildInput(cfg, scenario, outcome, submission, history)
	if err != nil {
		return nil, err
	}

	return &jobContext{
		Input:              input,
		ExpectedCashBefore: expectedCash,
		ExpectedInventory:  expectedInventory,
	}, nil
}

// openingState derives the authoritative cashBefore and inventory for the
// next entry: the most recent ledger entry's closing state, or the store's
// starting values for a first entry.
func openingState(cfg *models.StoreConfig, history []*models.LedgerEntry) (float64, models.InventoryState, error) {
	if len(history) > 0 {
		last := history[len(history)-1]
		return last.CashAfter, last.InventoryAfter, nil
	}
	inventory, err := models.NormalizeInventory(cfg.StartingInventory)
	if err != nil {
		return 0, models.InventoryState{}, fmt.Errorf("normalizing starting inventory: %w", err)
	}
	return cfg.StartingBalance, inventory, nil
}

func buildInput(cfg *models.StoreConfig, scenario *models.Scenario, outcome *models.ScenarioOutcome, submission *models.Submission, history []*models.LedgerEntry) (models.SimulationInput, error) {
	var input models.SimulationInput
	var err error

	if input.StoreConfig, err = json.Marshal(cfg); err != nil {
		return input, fmt.Errorf("encoding store config: %w", err)
	}
	if input.Scenario, err = json.Marshal(scenario); err != nil {
		return input, fmt.Errorf("encoding scenario: %w", err)
	}
	if input.GlobalOutcome, err = json.Marshal(outcome); err != nil {
		return input, fmt.Errorf("encoding outcome: %w", err)
	}
	if input.Submission, err = json.Marshal(submission); err != nil {
		return input, fmt.Errorf("encoding submission: %w", err)
	}
	if input.LedgerHistory, err = json.Marshal(history); err != nil {
		return input, fmt.Errorf("encoding ledger history: %w", err)
	}
	return input, nil
}
