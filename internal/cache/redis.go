package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/maxg56/matcha/internal/common/logging"
)

const scanBatch = 100

// BreakerConfig tunes the circuit breaker guarding Redis calls
type BreakerConfig struct {
	FailureThreshold uint32
	Timeout          time.Duration
	MaxRequests      uint32
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes again after 30s
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second, MaxRequests: 1}
}

// Redis is a Cache backed by go-redis. Calls run through a circuit breaker so
// an unreachable server degrades to fast ErrUnavailable results.
type Redis struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewRedis(client *redis.Client, cfg BreakerConfig) *Redis {
	settings := gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("cache circuit breaker state changed")
		},
	}
	return &Redis{client: client, breaker: gobreaker.NewCircuitBreaker[[]byte](settings)}
}

func (r *Redis) Name() string { return "redis" }

// BreakerState reports the circuit breaker state for health checks.
func (r *Redis) BreakerState() string {
	return r.breaker.State().String()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.breaker.Execute(func() ([]byte, error) {
		b, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return b, err
	})
	return value, r.wrap(err)
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	_, err := r.breaker.Execute(func() ([]byte, error) {
		return nil, r.client.Set(ctx, key, value, ttl).Err()
	})
	return r.wrap(err)
}

func (r *Redis) Invalidate(ctx context.Context, patterns ...string) error {
	_, err := r.breaker.Execute(func() ([]byte, error) {
		var exact []string
		for _, pattern := range patterns {
			if !hasWildcard(pattern) {
				exact = append(exact, pattern)
				continue
			}
			if err := r.deleteMatching(ctx, pattern); err != nil {
				return nil, err
			}
		}
		if len(exact) > 0 {
			return nil, r.client.Del(ctx, exact...).Err()
		}
		return nil, nil
	})
	return r.wrap(err)
}

func (r *Redis) deleteMatching(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

func (r *Redis) wrap(err error) error {
	if err == nil || errors.Is(err, ErrMiss) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
