package redisstore

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideline/internal/domain"
	"rideline/internal/retry"
)

func sampleItems() []domain.QueueItem {
	msg := "remote status 503"
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []domain.QueueItem{
		{
			ID:              "a",
			OperationType:   "ride.cancel",
			RowID:           "row-1",
			OperationParams: json.RawMessage(`{"event_id":"12"}`),
			EnqueuedAt:      t0,
			NextRetryAt:     t0.Add(10 * time.Minute),
			AttemptCount:    1,
			LastError:       &msg,
		},
		{
			ID:            "b",
			OperationType: "calendar.create",
			EnqueuedAt:    t0,
			NextRetryAt:   t0.Add(5 * time.Minute),
		},
	}
}

func TestCodecFlatRecords(t *testing.T) {
	data, err := encodeItems(sampleItems())
	require.NoError(t, err)

	var raw [][]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)
	for _, rec := range raw {
		require.Len(t, rec, recordLen)
		for _, field := range rec {
			switch field.(type) {
			case map[string]any, []any:
				t.Fatalf("record field %v is not a scalar", field)
			}
		}
	}
	assert.Nil(t, raw[1][6])

	back, err := decodeItems(data)
	require.NoError(t, err)
	assert.Equal(t, sampleItems(), back)
}

func TestDecodeRejectsMalformedRecords(t *testing.T) {
	_, err := decodeItems([]byte(`[["a","x","",1,2,0,null]]`))
	require.Error(t, err)
	_, err = decodeItems([]byte(`[["a","x","","soon",2,0,null,""]]`))
	require.Error(t, err)
	items, err := decodeItems(nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func newRedisStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	s, err := Dial(context.Background(), url, "rideline-test-"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.rdb.Del(context.Background(), s.queueKey(), s.lockKey()).Err()
		_ = s.Close()
	})
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	items, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, s.Save(ctx, sampleItems()))
	items, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleItems(), items)

	require.NoError(t, s.Save(ctx, nil))
	items, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStoreBacksQueueAcrossProcesses(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Two queues over the same keyspace stand in for two processes.
	qa := retry.NewQueue(s, retry.DefaultPolicy)
	qb := retry.NewQueue(New(s.rdb, s.keyspace), retry.DefaultPolicy)
	qa.Now = func() time.Time { return t0 }
	for i := 0; i < 10; i++ {
		_, err := qa.Enqueue(ctx, domain.Operation{Type: "op"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	runs := 0
	exec := func(context.Context, domain.Operation) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}
	var wg sync.WaitGroup
	for _, q := range []*retry.Queue{qa, qb} {
		wg.Add(1)
		go func(q *retry.Queue) {
			defer wg.Done()
			_, err := q.ProcessDue(ctx, t0.Add(5*time.Minute), exec)
			assert.NoError(t, err)
		}(q)
	}
	wg.Wait()
	assert.Equal(t, 10, runs)

	items, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
