package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/venturelab/simcore/pkg/models"
)

const ledgerColumns = `id, classroom_id, scenario_id, user_id, sales, revenue, costs, waste,
	cash_before, cash_after, net_profit, inventory_before, inventory_after,
	random_event, summary, ai_metadata, calculation_context, created_seq, created_at`

func scanLedgerEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var invBefore, invAfter, aiMeta []byte
	err := row.Scan(&e.ID, &e.ClassroomID, &e.ScenarioID, &e.UserID, &e.Sales, &e.Revenue, &e.Costs, &e.Waste,
		&e.CashBefore, &e.CashAfter, &e.NetProfit, &invBefore, &invAfter,
		&e.RandomEvent, &e.Summary, &aiMeta, &e.CalculationContext, &e.CreatedSeq, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(invBefore, &e.InventoryBefore); err != nil {
		return nil, fmt.Errorf("decode inventory before: %w", err)
	}
	if err := json.Unmarshal(invAfter, &e.InventoryAfter); err != nil {
		return nil, fmt.Errorf("decode inventory after: %w", err)
	}
	if err := json.Unmarshal(aiMeta, &e.AIMetadata); err != nil {
		return nil, fmt.Errorf("decode ai metadata: %w", err)
	}
	return &e, nil
}

// CreateLedgerEntry appends one entry. The continuity invariant is checked
// here, at the single write path, so no entry can enter the ledger with
// drifting cash or negative stock regardless of which component produced it.
func (s *PostgresStore) CreateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if math.Abs(entry.CashAfter-(entry.CashBefore+entry.NetProfit)) > models.ContinuityTolerance {
		return fmt.Errorf("%w: cash_after %.4f != cash_before %.4f + net_profit %.4f",
			ErrContinuityViolation, entry.CashAfter, entry.CashBefore, entry.NetProfit)
	}
	if !entry.InventoryBefore.NonNegative() || !entry.InventoryAfter.NonNegative() {
		return fmt.Errorf("%w: negative inventory bucket", ErrContinuityViolation)
	}

	invBefore, err := json.Marshal(entry.InventoryBefore)
	if err != nil {
		return fmt.Errorf("encode inventory before: %w", err)
	}
	invAfter, err := json.Marshal(entry.InventoryAfter)
	if err != nil {
		return fmt.Errorf("encode inventory after: %w", err)
	}
	aiMeta, err := json.Marshal(entry.AIMetadata)
	if err != nil {
		return fmt.Errorf("encode ai metadata: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO ledger_entries (id, classroom_id, scenario_id, user_id, sales, revenue, costs, waste,
		   cash_before, cash_after, net_profit, inventory_before, inventory_after,
		   random_event, summary, ai_metadata, calculation_context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING created_seq, created_at`,
		entry.ID, entry.ClassroomID, entry.ScenarioID, entry.UserID,
		entry.Sales, entry.Revenue, entry.Costs, entry.Waste,
		entry.CashBefore, entry.CashAfter, entry.NetProfit, invBefore, invAfter,
		entry.RandomEvent, entry.Summary, aiMeta, entry.CalculationContext,
	).Scan(&entry.CreatedSeq, &entry.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create ledger entry: %w", err)
	}
	return nil
}

// GetLedgerHistory orders by created_seq, not created_at, so the most
// recent entry is deterministic even for same-millisecond writes.
func (s *PostgresStore) GetLedgerHistory(ctx context.Context, classroomID, userID, excludeScenarioID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries
		 WHERE classroom_id = $1 AND user_id = $2 AND ($3::uuid IS NULL OR scenario_id <> $3)
		 ORDER BY created_seq`,
		classroomID, userID, nilIfZero(excludeScenarioID))
	if err != nil {
		return nil, fmt.Errorf("get ledger history: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) DeleteLedgerEntriesForScenario(ctx context.Context, scenarioID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM ledger_entries WHERE scenario_id = $1`, scenarioID)
	if err != nil {
		return 0, fmt.Errorf("delete ledger entries for scenario: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nilIfZero(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
