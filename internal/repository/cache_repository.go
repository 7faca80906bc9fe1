package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
)

const boardsHash = "boards"

// CacheRepository keeps cached boards as fields of one Redis hash, so that a
// single DEL invalidates every day at once. The hash expires ttl after the
// last write.
type CacheRepository struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewCacheRepository constructs a cache repository. A nil client turns every
// read into a miss and every write into a no-op.
func NewCacheRepository(client redis.UniversalClient, prefix string, logger *zap.Logger) *CacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheRepository{client: client, prefix: prefix, logger: logger}
}

func (r *CacheRepository) hashKey() string {
	return r.prefix + boardsHash
}

// Get unmarshals the cached value for field into dest.
func (r *CacheRepository) Get(ctx context.Context, field string, dest interface{}) error {
	if r.client == nil {
		return appErrors.ErrCacheMiss
	}
	raw, err := r.client.HGet(ctx, r.hashKey(), field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return appErrors.ErrCacheMiss
		}
		return fmt.Errorf("redis hget %s: %w", field, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("unmarshal cached %s: %w", field, err)
	}
	return nil
}

// Set stores value under field and pushes the hash expiry out to ttl.
func (r *CacheRepository) Set(ctx context.Context, field string, value interface{}, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cached %s: %w", field, err)
	}
	key := r.hashKey()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, payload)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", field, err)
	}
	return nil
}

// Purge drops every cached board.
func (r *CacheRepository) Purge(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, r.hashKey()).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.hashKey(), err)
	}
	r.logger.Debug("board cache purged", zap.String("key", r.hashKey()))
	return nil
}

// Ping reports whether Redis answers.
func (r *CacheRepository) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis connection if present.
func (r *CacheRepository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
