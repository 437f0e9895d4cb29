package redisstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"rideline/internal/domain"
)

// Each item is stored as one flat array of scalars:
//
//	[id, operation_type, operation_params, enqueued_at_ms, next_retry_at_ms,
//	 attempt_count, last_error|null, row_id]
//
// operation_params is the JSON text of the params, kept as a string.
const recordLen = 8

func encodeItems(items []domain.QueueItem) ([]byte, error) {
	records := make([][]any, 0, len(items))
	for _, it := range items {
		var lastErr any
		if it.LastError != nil {
			lastErr = *it.LastError
		}
		records = append(records, []any{
			it.ID,
			it.OperationType,
			string(it.OperationParams),
			it.EnqueuedAt.UnixMilli(),
			it.NextRetryAt.UnixMilli(),
			it.AttemptCount,
			lastErr,
			it.RowID,
		})
	}
	return json.Marshal(records)
}

func decodeItems(data []byte) ([]domain.QueueItem, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var records [][]any
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	items := make([]domain.QueueItem, 0, len(records))
	for i, rec := range records {
		it, err := decodeRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("decode queue record %d: %w", i, err)
		}
		items = append(items, it)
	}
	return items, nil
}

func decodeRecord(rec []any) (domain.QueueItem, error) {
	if len(rec) != recordLen {
		return domain.QueueItem{}, fmt.Errorf("want %d fields, got %d", recordLen, len(rec))
	}
	var (
		it  domain.QueueItem
		err error
	)
	if it.ID, err = str(rec[0], "id"); err != nil {
		return it, err
	}
	if it.OperationType, err = str(rec[1], "operation_type"); err != nil {
		return it, err
	}
	params, err := str(rec[2], "operation_params")
	if err != nil {
		return it, err
	}
	if params != "" {
		it.OperationParams = json.RawMessage(params)
	}
	enq, err := integer(rec[3], "enqueued_at")
	if err != nil {
		return it, err
	}
	next, err := integer(rec[4], "next_retry_at")
	if err != nil {
		return it, err
	}
	it.EnqueuedAt = time.UnixMilli(enq).UTC()
	it.NextRetryAt = time.UnixMilli(next).UTC()
	attempts, err := integer(rec[5], "attempt_count")
	if err != nil {
		return it, err
	}
	it.AttemptCount = int(attempts)
	if rec[6] != nil {
		msg, err := str(rec[6], "last_error")
		if err != nil {
			return it, err
		}
		it.LastError = &msg
	}
	if it.RowID, err = str(rec[7], "row_id"); err != nil {
		return it, err
	}
	return it, nil
}

func str(v any, field string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want string, got %T", field, v)
	}
	return s, nil
}

func integer(v any, field string) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s: want number, got %T", field, v)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return i, nil
}
