package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rideline/internal/domain"
)

// QueueStore persists the retry queue in the workspace database. It
// satisfies retry.Persistence and retry.Transactor.
type QueueStore struct {
	Repo Repo
}

func (s QueueStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.Repo.WithTx(ctx, func(ctx context.Context, _ *sql.Tx) error {
		return fn(ctx)
	})
}

func (s QueueStore) Load(ctx context.Context) ([]domain.QueueItem, error) {
	rows, err := s.Repo.q(ctx).QueryContext(ctx, `SELECT id,operation_type,COALESCE(row_id,''),COALESCE(operation_params,''),enqueued_at,next_retry_at,attempt_count,last_error FROM retry_queue ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.QueueItem
	for rows.Next() {
		var (
			it        domain.QueueItem
			params    string
			enq, next int64
			lastErr   sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.OperationType, &it.RowID, &params, &enq, &next, &it.AttemptCount, &lastErr); err != nil {
			return nil, err
		}
		if params != "" {
			it.OperationParams = []byte(params)
		}
		it.EnqueuedAt = time.UnixMilli(enq).UTC()
		it.NextRetryAt = time.UnixMilli(next).UTC()
		if lastErr.Valid {
			msg := lastErr.String
			it.LastError = &msg
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Save replaces the stored queue with items, keeping their order.
func (s QueueStore) Save(ctx context.Context, items []domain.QueueItem) error {
	return s.Repo.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM retry_queue`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO retry_queue(id,seq,operation_type,row_id,operation_params,enqueued_at,next_retry_at,attempt_count,last_error) VALUES (?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, it := range items {
			if _, err := stmt.ExecContext(ctx, it.ID, i, it.OperationType, nullable(it.RowID), nullable(string(it.OperationParams)),
				it.EnqueuedAt.UnixMilli(), it.NextRetryAt.UnixMilli(), it.AttemptCount, nullableStringPtr(it.LastError)); err != nil {
				return fmt.Errorf("insert queue item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}
