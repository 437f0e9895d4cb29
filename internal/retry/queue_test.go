package retry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideline/internal/domain"
)

type memStore struct {
	mu    sync.Mutex
	items []domain.QueueItem
	saves int
}

func (m *memStore) Load(context.Context) ([]domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.QueueItem(nil), m.items...), nil
}

func (m *memStore) Save(_ context.Context, items []domain.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]domain.QueueItem(nil), items...)
	m.saves++
	return nil
}

type recordingReporter struct {
	expired []domain.QueueItem
}

func (r *recordingReporter) ReportExpired(_ context.Context, item domain.QueueItem) {
	r.expired = append(r.expired, item)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(now *time.Time) (*Queue, *memStore, *recordingReporter) {
	store := &memStore{}
	rep := &recordingReporter{}
	q := NewQueue(store, DefaultPolicy)
	q.Now = func() time.Time { return *now }
	q.Reporter = rep
	return q, store, rep
}

func failing(context.Context, domain.Operation) error { return errors.New("remote status 503") }
func succeeding(context.Context, domain.Operation) error { return nil }

func createOp(t *testing.T) domain.Operation {
	t.Helper()
	params, err := json.Marshal(map[string]string{"rideUrl": "https://x/events/1"})
	require.NoError(t, err)
	return domain.Operation{Type: "create", RowID: "row-1", Params: params}
}

func TestPolicyNext(t *testing.T) {
	p := DefaultPolicy
	next, expired := p.Next(t0, t0.Add(3*time.Minute))
	assert.False(t, expired)
	assert.Equal(t, t0.Add(8*time.Minute), next)

	next, expired = p.Next(t0, t0.Add(90*time.Minute))
	assert.False(t, expired)
	assert.Equal(t, t0.Add(150*time.Minute), next)

	next, _ = p.Next(t0, t0.Add(time.Hour))
	assert.Equal(t, t0.Add(2*time.Hour), next)

	_, expired = p.Next(t0, t0.Add(48*time.Hour))
	assert.True(t, expired)
	_, expired = p.Next(t0, t0.Add(47*time.Hour+59*time.Minute))
	assert.False(t, expired)
}

func TestPolicyZeroValueUsesDefaults(t *testing.T) {
	next, expired := Policy{}.Next(t0, t0)
	assert.False(t, expired)
	assert.Equal(t, t0.Add(5*time.Minute), next)
}

func TestEnqueue(t *testing.T) {
	now := t0
	q, store, _ := newTestQueue(&now)
	item, err := q.Enqueue(context.Background(), createOp(t))
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, t0, item.EnqueuedAt)
	assert.Equal(t, t0.Add(5*time.Minute), item.NextRetryAt)
	assert.Zero(t, item.AttemptCount)
	assert.Nil(t, item.LastError)
	require.Len(t, store.items, 1)
	assert.Equal(t, item, store.items[0])

	_, err = q.Enqueue(context.Background(), domain.Operation{})
	require.Error(t, err)
}

func TestProcessDueNotYetDueLeavesQueueUnchanged(t *testing.T) {
	now := t0
	q, store, _ := newTestQueue(&now)
	_, err := q.Enqueue(context.Background(), createOp(t))
	require.NoError(t, err)
	before := append([]domain.QueueItem(nil), store.items...)

	calls := 0
	res, err := q.ProcessDue(context.Background(), t0.Add(4*time.Minute), func(context.Context, domain.Operation) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Empty(t, res.Succeeded)
	assert.Empty(t, res.Rescheduled)
	assert.Empty(t, res.Expired)
	assert.Equal(t, before, store.items)
}

func TestProcessDueLifecycle(t *testing.T) {
	now := t0
	q, store, rep := newTestQueue(&now)
	ctx := context.Background()
	item, err := q.Enqueue(ctx, createOp(t))
	require.NoError(t, err)

	_, err = q.ProcessDue(ctx, t0, failing)
	require.NoError(t, err)
	require.Len(t, store.items, 1)
	assert.Zero(t, store.items[0].AttemptCount)

	res, err := q.ProcessDue(ctx, t0.Add(5*time.Minute), failing)
	require.NoError(t, err)
	require.Len(t, res.Rescheduled, 1)
	require.Len(t, store.items, 1)
	got := store.items[0]
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, t0.Add(10*time.Minute), got.NextRetryAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "remote status 503", *got.LastError)

	res, err = q.ProcessDue(ctx, t0.Add(49*time.Hour), failing)
	require.NoError(t, err)
	assert.Empty(t, store.items)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, item.ID, res.Expired[0].ID)
	require.Len(t, rep.expired, 1)
	assert.Equal(t, "row-1", rep.expired[0].RowID)
}

func TestProcessDueSlowPhase(t *testing.T) {
	now := t0
	q, store, _ := newTestQueue(&now)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, createOp(t))
	require.NoError(t, err)

	at := t0.Add(90 * time.Minute)
	_, err = q.ProcessDue(ctx, at, failing)
	require.NoError(t, err)
	require.Len(t, store.items, 1)
	assert.Equal(t, at.Add(time.Hour), store.items[0].NextRetryAt)
}

func TestProcessDueSuccessRemovesItem(t *testing.T) {
	now := t0
	q, store, rep := newTestQueue(&now)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, createOp(t))
	require.NoError(t, err)

	var seen domain.Operation
	res, err := q.ProcessDue(ctx, t0.Add(5*time.Minute), func(_ context.Context, op domain.Operation) error {
		seen = op
		return nil
	})
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 1)
	assert.Empty(t, store.items)
	assert.Empty(t, rep.expired)
	assert.Equal(t, "create", seen.Type)
	assert.JSONEq(t, `{"rideUrl":"https://x/events/1"}`, string(seen.Params))
}

func TestProcessDueOrdersOldestDueFirst(t *testing.T) {
	now := t0
	q, _, _ := newTestQueue(&now)
	ctx := context.Background()
	first, err := q.Enqueue(ctx, domain.Operation{Type: "a"})
	require.NoError(t, err)
	now = t0.Add(time.Minute)
	second, err := q.Enqueue(ctx, domain.Operation{Type: "b"})
	require.NoError(t, err)
	_ = second

	var order []string
	res, err := q.ProcessDue(ctx, t0.Add(10*time.Minute), func(_ context.Context, op domain.Operation) error {
		order = append(order, op.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, first.ID, res.Succeeded[0].ID)
}

func TestProcessDueIsolatesPanicsAndFailures(t *testing.T) {
	now := t0
	q, store, _ := newTestQueue(&now)
	ctx := context.Background()
	for _, typ := range []string{"panic", "fail", "ok"} {
		_, err := q.Enqueue(ctx, domain.Operation{Type: typ})
		require.NoError(t, err)
	}
	res, err := q.ProcessDue(ctx, t0.Add(5*time.Minute), func(_ context.Context, op domain.Operation) error {
		switch op.Type {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("nope")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 1)
	assert.Len(t, res.Rescheduled, 2)
	assert.Len(t, store.items, 2)
	for _, it := range store.items {
		assert.Equal(t, 1, it.AttemptCount)
	}
}

func TestEnqueueDuringProcessDueIsKept(t *testing.T) {
	now := t0
	q, store, _ := newTestQueue(&now)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, domain.Operation{Type: "old"})
	require.NoError(t, err)

	res, err := q.ProcessDue(ctx, t0.Add(5*time.Minute), func(ctx context.Context, op domain.Operation) error {
		_, err := q.Enqueue(ctx, domain.Operation{Type: "new"})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 1)
	require.Len(t, store.items, 1)
	assert.Equal(t, "new", store.items[0].OperationType)
}

func TestConcurrentProcessDueRunsEachItemOnce(t *testing.T) {
	now := t0
	q, _, _ := newTestQueue(&now)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, domain.Operation{Type: "op"})
		require.NoError(t, err)
	}
	var mu sync.Mutex
	runs := 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.ProcessDue(ctx, t0.Add(5*time.Minute), func(context.Context, domain.Operation) error {
				mu.Lock()
				runs++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, runs)
}

func TestStatistics(t *testing.T) {
	now := t0
	q, _, _ := newTestQueue(&now)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, domain.Operation{Type: "a"})
	require.NoError(t, err)
	now = t0.Add(20 * time.Hour)
	_, err = q.Enqueue(ctx, domain.Operation{Type: "b"})
	require.NoError(t, err)
	now = t0.Add(30 * time.Hour)
	_, err = q.Enqueue(ctx, domain.Operation{Type: "c"})
	require.NoError(t, err)

	s, err := q.Statistics(ctx, t0.Add(30*time.Hour+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.DueNow)
	assert.Equal(t, AgeBuckets{UnderHour: 1, UnderDay: 1, DayOrMore: 1}, s.ByAge)
	require.NotNil(t, s.Oldest)
	assert.Equal(t, t0, *s.Oldest)
}
