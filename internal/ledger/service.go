// Package ledger owns the append-only financial ledger: entry
// construction, invariant enforcement, history reads and the rerun
// delete path.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/venturelab/simcore/pkg/models"
)

// Store is the slice of the data layer the ledger needs.
type Store interface {
	CreateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	GetLedgerHistory(ctx context.Context, classroomID, userID, excludeScenarioID uuid.UUID) ([]*models.LedgerEntry, error)
	DeleteLedgerEntriesForScenario(ctx context.Context, scenarioID uuid.UUID) (int64, error)
	LinkJobLedgerEntry(ctx context.Context, id uuid.UUID, ledgerEntryID uuid.UUID) error
	LinkSubmissionLedgerEntry(ctx context.Context, id uuid.UUID, ledgerEntryID uuid.UUID) error
}

// Service is the single writer of LedgerEntry rows. The store enforces
// the continuity invariant and (scenario, user) uniqueness at write time;
// this layer builds the entry from a corrected result and wires up the
// job and submission references.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(st Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Record persists one week's corrected result as a ledger entry and links
// it to its job and submission.
func (s *Service) Record(ctx context.Context, job *models.SimulationJob, result models.SimulationResult, meta models.AIMetadata, calcContext json.RawMessage) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		ID:          uuid.New(),
		ClassroomID: job.ClassroomID,
		ScenarioID:  job.ScenarioID,
		UserID:      job.UserID,

		Sales:   result.Sales,
		Revenue: result.Revenue,
		Costs:   result.Costs,
		Waste:   result.Waste,

		CashBefore: result.CashBefore,
		CashAfter:  result.CashAfter,
		NetProfit:  result.NetProfit,

		InventoryBefore: result.InventoryBefore,
		InventoryAfter:  result.InventoryAfter,

		RandomEvent: result.RandomEvent,
		Summary:     result.Summary,

		AIMetadata:         meta,
		CalculationContext: calcContext,
	}

	if err := s.store.CreateLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("creating ledger entry: %w", err)
	}
	if err := s.store.LinkJobLedgerEntry(ctx, job.ID, entry.ID); err != nil {
		return nil, fmt.Errorf("linking job to ledger entry: %w", err)
	}
	if err := s.store.LinkSubmissionLedgerEntry(ctx, job.SubmissionID, entry.ID); err != nil {
		return nil, fmt.Errorf("linking submission to ledger entry: %w", err)
	}

	s.logger.Info("ledger entry recorded",
		"entry_id", entry.ID,
		"scenario_id", entry.ScenarioID,
		"user_id", entry.UserID,
		"cash_after", entry.CashAfter)
	return entry, nil
}

// History returns the ordered entries for (classroom, user), excluding
// one scenario. Pass uuid.Nil to exclude nothing.
func (s *Service) History(ctx context.Context, classroomID, userID, excludeScenarioID uuid.UUID) ([]*models.LedgerEntry, error) {
	return s.store.GetLedgerHistory(ctx, classroomID, userID, excludeScenarioID)
}

// DeleteForScenario removes a scenario's entries. Only the two-phase
// rerun protocol calls this; the ledger is append-only otherwise.
func (s *Service) DeleteForScenario(ctx context.Context, scenarioID uuid.UUID) (int64, error) {
	deleted, err := s.store.DeleteLedgerEntriesForScenario(ctx, scenarioID)
	if err != nil {
		return 0, fmt.Errorf("deleting ledger entries: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("ledger entries deleted for rerun", "scenario_id", scenarioID, "deleted", deleted)
	}
	return deleted, nil
}
