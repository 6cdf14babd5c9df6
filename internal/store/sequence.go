package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// PostgresSequencer keeps one counter row per tenant and business day. The
// upsert takes a row lock, so concurrent callers serialize on it.
type PostgresSequencer struct {
	db *sql.DB
}

func NewPostgresSequencer(db *sql.DB) *PostgresSequencer {
	return &PostgresSequencer{db: db}
}

func (s *PostgresSequencer) Next(ctx context.Context, tenantID, businessDay string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO order_sequences (tenant_id, business_day, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, business_day)
		DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value`, tenantID, businessDay).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next order number for %s/%s: %w", tenantID, businessDay, err)
	}
	return n, nil
}

// sequenceTTL keeps a day's counter around past midnight in any time zone.
const sequenceTTL = 48 * time.Hour

// RedisSequencer allocates numbers with INCR, which is atomic across every
// service instance sharing the Redis.
type RedisSequencer struct {
	rdb *redis.Client
}

func NewRedisSequencer(redisURL string) (*RedisSequencer, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSequencer{rdb: rdb}, nil
}

func sequenceKey(tenantID, businessDay string) string {
	return fmt.Sprintf("order_seq:%s:%s", tenantID, businessDay)
}

func (s *RedisSequencer) Next(ctx context.Context, tenantID, businessDay string) (int64, error) {
	key := sequenceKey(tenantID, businessDay)

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, sequenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("next order number for %s/%s: %w", tenantID, businessDay, err)
	}
	return incr.Val(), nil
}

func (s *RedisSequencer) Close() error {
	return s.rdb.Close()
}

type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, tenantID, businessDay string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sequenceKey(tenantID, businessDay)
	s.counters[key]++
	return s.counters[key], nil
}
