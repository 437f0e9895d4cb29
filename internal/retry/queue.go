package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rideline/internal/domain"
	"rideline/internal/metrics"
)

// ErrExpired is attached to items reported as expired.
var ErrExpired = errors.New("retry item expired")

// Persistence is the durability boundary of the queue. Load and Save move
// the whole ordered collection.
type Persistence interface {
	Load(ctx context.Context) ([]domain.QueueItem, error)
	Save(ctx context.Context, items []domain.QueueItem) error
}

// Transactor is implemented by stores that can make a Load followed by a
// Save atomic with respect to other processes sharing the store.
type Transactor interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// Executor performs a queued operation once.
type Executor func(ctx context.Context, op domain.Operation) error

// Reporter is told about every item that expires.
type Reporter interface {
	ReportExpired(ctx context.Context, item domain.QueueItem)
}

type Queue struct {
	Store    Persistence
	Policy   Policy
	Reporter Reporter
	Logger   *slog.Logger
	Now      func() time.Time

	mu sync.Mutex
}

func NewQueue(store Persistence, policy Policy) *Queue {
	return &Queue{Store: store, Policy: policy, Now: time.Now}
}

// Result lists what one ProcessDue pass did, in processing order.
type Result struct {
	Succeeded   []domain.QueueItem `json:"succeeded"`
	Rescheduled []domain.QueueItem `json:"rescheduled"`
	Expired     []domain.QueueItem `json:"expired"`
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

// update runs one load-mutate-save cycle under the in-process lock and, when
// the store supports it, inside the store's own atomic section.
func (q *Queue) update(ctx context.Context, fn func([]domain.QueueItem) ([]domain.QueueItem, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	run := func(ctx context.Context) error {
		items, err := q.Store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load retry queue: %w", err)
		}
		next, err := fn(items)
		if err != nil {
			return err
		}
		if err := q.Store.Save(ctx, next); err != nil {
			return fmt.Errorf("save retry queue: %w", err)
		}
		metrics.RetryQueueItems.Set(float64(len(next)))
		return nil
	}
	if tx, ok := q.Store.(Transactor); ok {
		return tx.Atomic(ctx, run)
	}
	return run(ctx)
}

// Enqueue records a failed operation for its first retry one fast delay
// from now.
func (q *Queue) Enqueue(ctx context.Context, op domain.Operation) (domain.QueueItem, error) {
	if op.Type == "" {
		return domain.QueueItem{}, fmt.Errorf("enqueue: operation type is required")
	}
	// Stores keep millisecond timestamps.
	now := q.now().UTC().Truncate(time.Millisecond)
	item := domain.QueueItem{
		ID:              uuid.NewString(),
		OperationType:   op.Type,
		RowID:           op.RowID,
		OperationParams: append([]byte(nil), op.Params...),
		EnqueuedAt:      now,
		NextRetryAt:     now.Add(q.Policy.withDefaults().FastDelay),
	}
	err := q.update(ctx, func(items []domain.QueueItem) ([]domain.QueueItem, error) {
		return append(items, item), nil
	})
	if err != nil {
		return domain.QueueItem{}, err
	}
	metrics.RetryOutcomes.WithLabelValues("enqueued").Inc()
	q.logger().Info("retry enqueued", "item_id", item.ID, "op", item.OperationType, "row_id", item.RowID, "next_retry_at", item.NextRetryAt)
	return item, nil
}

// Items returns the queue ordered by next retry time.
func (q *Queue) Items(ctx context.Context) ([]domain.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load retry queue: %w", err)
	}
	sortDue(items)
	return items, nil
}

// ProcessDue attempts every item due at now exactly once, oldest due first.
// Executor failures never escape; they become rescheduled or expired items.
// The returned error only reports persistence failures.
//
// Due items are claimed first by moving their next retry time to where a
// failure would put it, so an overlapping pass does not pick them up and a
// crash mid-pass loses nothing. Results are then applied against a fresh
// load, which keeps items enqueued in the meantime.
func (q *Queue) ProcessDue(ctx context.Context, now time.Time, exec Executor) (Result, error) {
	var res Result
	var claimed []domain.QueueItem
	err := q.update(ctx, func(items []domain.QueueItem) ([]domain.QueueItem, error) {
		keep := items[:0:0]
		for _, it := range items {
			if it.NextRetryAt.After(now) {
				keep = append(keep, it)
				continue
			}
			if q.Policy.Expired(it.EnqueuedAt, now) {
				res.Expired = append(res.Expired, it)
				continue
			}
			claimed = append(claimed, it)
			lease := it
			lease.NextRetryAt, _ = q.Policy.Next(it.EnqueuedAt, now)
			keep = append(keep, lease)
		}
		return keep, nil
	})
	if err != nil {
		return Result{}, err
	}
	sortDue(claimed)

	outcomes := make(map[string]error, len(claimed))
	for _, it := range claimed {
		if ctx.Err() != nil {
			break
		}
		err := run(ctx, exec, it.Operation())
		outcomes[it.ID] = err
		if err != nil {
			q.logger().Warn("retry attempt failed", "item_id", it.ID, "op", it.OperationType, "row_id", it.RowID, "attempt", it.AttemptCount+1, "error", err)
		}
	}

	if len(outcomes) > 0 {
		err = q.update(ctx, func(items []domain.QueueItem) ([]domain.QueueItem, error) {
			byID := make(map[string]domain.QueueItem, len(items))
			for _, it := range items {
				byID[it.ID] = it
			}
			drop := map[string]bool{}
			updated := map[string]domain.QueueItem{}
			for _, it := range claimed {
				execErr, attempted := outcomes[it.ID]
				if !attempted {
					continue
				}
				current, ok := byID[it.ID]
				if !ok {
					current = it
				}
				if execErr == nil {
					res.Succeeded = append(res.Succeeded, current)
					drop[it.ID] = true
					continue
				}
				current.AttemptCount++
				msg := execErr.Error()
				current.LastError = &msg
				next, expired := q.Policy.Next(current.EnqueuedAt, now)
				if expired {
					res.Expired = append(res.Expired, current)
					drop[it.ID] = true
					continue
				}
				current.NextRetryAt = next
				res.Rescheduled = append(res.Rescheduled, current)
				updated[it.ID] = current
			}
			out := items[:0:0]
			for _, it := range items {
				if drop[it.ID] {
					continue
				}
				if u, ok := updated[it.ID]; ok {
					it = u
				}
				out = append(out, it)
			}
			return out, nil
		})
		if err != nil {
			return Result{}, err
		}
	}

	metrics.RetryOutcomes.WithLabelValues("succeeded").Add(float64(len(res.Succeeded)))
	metrics.RetryOutcomes.WithLabelValues("rescheduled").Add(float64(len(res.Rescheduled)))
	metrics.RetryOutcomes.WithLabelValues("expired").Add(float64(len(res.Expired)))
	for _, it := range res.Expired {
		q.logger().Warn("retry expired", "item_id", it.ID, "op", it.OperationType, "row_id", it.RowID, "attempt", it.AttemptCount, "error", ErrExpired)
		if q.Reporter != nil {
			q.Reporter.ReportExpired(ctx, it)
		}
	}
	return res, nil
}

func run(ctx context.Context, exec Executor, op domain.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx, op)
}

func sortDue(items []domain.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].NextRetryAt.Equal(items[j].NextRetryAt) {
			return items[i].NextRetryAt.Before(items[j].NextRetryAt)
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}
