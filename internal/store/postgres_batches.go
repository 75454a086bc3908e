package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/venturelab/simcore/pkg/models"
)

const batchColumns = `id, scenario_id, status, external_batch_id, input_file_id, output_file_id,
	error_file_id, job_count, poll_count, last_polled_at, error_message,
	submitted_at, completed_at, created_at, updated_at`

func scanBatch(row pgx.Row) (*models.SimulationBatch, error) {
	var b models.SimulationBatch
	err := row.Scan(&b.ID, &b.ScenarioID, &b.Status, &b.ExternalBatchID, &b.InputFileID, &b.OutputFileID,
		&b.ErrorFileID, &b.JobCount, &b.PollCount, &b.LastPolledAt, &b.ErrorMessage,
		&b.SubmittedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *models.SimulationBatch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO simulation_batches (id, scenario_id, status, job_count)
		 VALUES ($1, $2, $3, $4)`,
		batch.ID, batch.ScenarioID, batch.Status, batch.JobCount)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.SimulationBatch, error) {
	batch, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM simulation_batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// ListOpenBatches returns batches still worth polling.
func (s *PostgresStore) ListOpenBatches(ctx context.Context) ([]*models.SimulationBatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM simulation_batches
		 WHERE status IN ('submitted', 'validating', 'in_progress', 'finalizing')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.SimulationBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *PostgresStore) MarkBatchSubmitted(ctx context.Context, id uuid.UUID, externalBatchID, inputFileID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_batches SET
		   status = 'submitted', external_batch_id = $2, input_file_id = $3,
		   submitted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'created'`, id, externalBatchID, inputFileID)
	if err != nil {
		return fmt.Errorf("mark batch submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) RecordBatchPoll(ctx context.Context, id uuid.UUID, status string, outputFileID, errorFileID *string) error {
	completed := models.BatchTerminal(status)
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_batches SET
		   status         = $2,
		   output_file_id = COALESCE($3, output_file_id),
		   error_file_id  = COALESCE($4, error_file_id),
		   poll_count     = poll_count + 1,
		   last_polled_at = NOW(),
		   completed_at   = CASE WHEN $5 THEN NOW() ELSE completed_at END,
		   updated_at     = NOW()
		 WHERE id = $1`, id, status, outputFileID, errorFileID, completed)
	if err != nil {
		return fmt.Errorf("record batch poll: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkBatchFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulation_batches SET
		   status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark batch failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
