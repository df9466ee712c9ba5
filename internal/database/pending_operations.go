package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"duet/internal/models"
)

// LoadOperations returns the persisted queue in FIFO order.
func (db *DB) LoadOperations(ctx context.Context) ([]models.PendingOperation, error) {
	query := `SELECT id, op_type, payload, created_at, retry_count, last_retry_at
              FROM pending_operations ORDER BY position ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	defer rows.Close()

	var ops []models.PendingOperation
	for rows.Next() {
		var (
			op          models.PendingOperation
			opType      string
			payload     string
			createdAt   string
			lastRetryAt sql.NullString
		)
		if err := rows.Scan(&op.ID, &opType, &payload, &createdAt, &op.RetryCount, &lastRetryAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		op.Type = models.OperationType(opType)
		op.Payload = json.RawMessage(payload)
		if op.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if op.LastRetryAt, err = parseTimePtr(lastRetryAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending operations: %w", err)
	}
	return ops, nil
}

// ReplaceOperations rewrites the whole persisted queue in a single transaction.
func (db *DB) ReplaceOperations(ctx context.Context, ops []models.PendingOperation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue rewrite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations`); err != nil {
		return fmt.Errorf("failed to clear pending operations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pending_operations
              (id, position, op_type, payload, created_at, retry_count, last_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare pending operation insert: %w", err)
	}
	defer stmt.Close()

	for i, op := range ops {
		_, err := stmt.ExecContext(ctx,
			op.ID,
			i,
			string(op.Type),
			string(op.Payload),
			formatTime(op.CreatedAt),
			op.RetryCount,
			formatTimePtr(op.LastRetryAt),
		)
		if err != nil {
			return fmt.Errorf("failed to persist pending operation %s: %w", op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue rewrite: %w", err)
	}
	return nil
}
