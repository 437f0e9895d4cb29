package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"rideline/internal/domain"
)

const (
	defaultLockTTL  = 30 * time.Second
	lockPollEvery   = 50 * time.Millisecond
	defaultKeyspace = "rideline"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store keeps the whole retry queue under one Redis key and serializes
// read-modify-write cycles across processes with a SETNX lock.
type Store struct {
	rdb      *redis.Client
	keyspace string
	LockTTL  time.Duration
}

func New(rdb *redis.Client, keyspace string) *Store {
	if keyspace == "" {
		keyspace = defaultKeyspace
	}
	return &Store{rdb: rdb, keyspace: keyspace, LockTTL: defaultLockTTL}
}

// Dial parses url, connects and pings.
func Dial(ctx context.Context, url, keyspace string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(rdb, keyspace), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) queueKey() string { return fmt.Sprintf("%s:retry_queue", s.keyspace) }
func (s *Store) lockKey() string  { return fmt.Sprintf("%s:retry_queue:lock", s.keyspace) }

func (s *Store) Load(ctx context.Context) ([]domain.QueueItem, error) {
	data, err := s.rdb.Get(ctx, s.queueKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return decodeItems(data)
}

func (s *Store) Save(ctx context.Context, items []domain.QueueItem) error {
	if len(items) == 0 {
		if err := s.rdb.Del(ctx, s.queueKey()).Err(); err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		return nil
	}
	data, err := encodeItems(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := s.rdb.Set(ctx, s.queueKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("set queue: %w", err)
	}
	return nil
}

// Atomic holds the queue lock while fn runs. It waits for the lock until ctx
// is done.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	for {
		ok, err := s.rdb.SetNX(ctx, s.lockKey(), token, ttl).Result()
		if err != nil {
			return fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire queue lock: %w", ctx.Err())
		case <-time.After(lockPollEvery):
		}
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still unlocks.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(relCtx, s.rdb, []string{s.lockKey()}, token).Err()
	}()
	return fn(ctx)
}
