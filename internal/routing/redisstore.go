package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nulzo/relay/internal/platform/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps breaker state in Redis, for fleets where multiple
// hosts should share one circuit view. Same contract as FileStore; the
// exclusive section is guarded by a short-TTL lock key.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

const (
	redisKeyPrefix = "relay:breaker:"
	redisLockTTL   = 5 * time.Second
	redisStateTTL  = 24 * time.Hour
)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, clock: time.Now}
}

func (r *RedisStore) key(provider string) string  { return redisKeyPrefix + provider }
func (r *RedisStore) lock(provider string) string { return redisKeyPrefix + provider + ":lock" }

func (r *RedisStore) Load(ctx context.Context, provider string) (*State, error) {
	data, err := r.client.Get(ctx, r.key(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return newState(r.clock()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("breaker state read failed: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		logger.Warn("discarding corrupt breaker state",
			zap.String("provider", provider), zap.Error(err))
		return newState(r.clock()), nil
	}
	return &s, nil
}

func (r *RedisStore) Mutate(ctx context.Context, provider string, fn func(*State) error) (*State, error) {
	if err := r.acquireLock(ctx, provider); err != nil {
		return nil, err
	}
	defer r.client.Del(ctx, r.lock(provider))

	s, err := r.Load(ctx, provider)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = r.clock().Unix()

	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if err := r.client.Set(ctx, r.key(provider), data, redisStateTTL).Err(); err != nil {
		return nil, fmt.Errorf("breaker state write failed: %w", err)
	}
	return s, nil
}

func (r *RedisStore) acquireLock(ctx context.Context, provider string) error {
	for {
		ok, err := r.client.SetNX(ctx, r.lock(provider), 1, redisLockTTL).Result()
		if err != nil {
			return fmt.Errorf("breaker lock failed: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Sweep is a no-op: state keys expire via TTL.
func (r *RedisStore) Sweep(context.Context, time.Duration) error { return nil }
