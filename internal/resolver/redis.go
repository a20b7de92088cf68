package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads constraint values from a Redis hash: HGET <key> <factor>.
type RedisSource struct {
	client *redis.Client
	key    string
}

// NewRedisSource connects to address, which is either host:port or a
// redis:// URL.
func NewRedisSource(address, key string) (*RedisSource, error) {
	var opts *redis.Options
	if strings.HasPrefix(address, "redis://") || strings.HasPrefix(address, "rediss://") {
		parsed, err := redis.ParseURL(address)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: address}
	}
	return &RedisSource{client: redis.NewClient(opts), key: key}, nil
}

// Name implements FactorSource.
func (s *RedisSource) Name() string { return "redis" }

// Resolve implements FactorSource.
func (s *RedisSource) Resolve(ctx context.Context, factor string) (float64, error) {
	v, err := s.client.HGet(ctx, s.key, factor).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("%s: %w", factor, ErrFactorNotFound)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%s: %w: %v", factor, ErrSourceUnreachable, err)
	}
	return v, nil
}

// Ping implements Pinger.
func (s *RedisSource) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
