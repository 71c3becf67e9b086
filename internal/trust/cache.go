package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drivelane/fleettrust/pkg/logger"
)

// RedisScoreCache caches trust records in Redis with a short TTL. All
// failures degrade to cache misses; the database stays authoritative.
type RedisScoreCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisScoreCache creates a Redis-backed score cache
func NewRedisScoreCache(client redis.Cmdable, ttl time.Duration) *RedisScoreCache {
	return &RedisScoreCache{client: client, ttl: ttl}
}

func scoreCacheKey(vehicleID uuid.UUID) string {
	return fmt.Sprintf("trust:score:%s", vehicleID)
}

// Get returns the cached record for a vehicle, if present
func (c *RedisScoreCache) Get(ctx context.Context, vehicleID uuid.UUID) (*VehicleTrustRecord, bool) {
	data, err := c.client.Get(ctx, scoreCacheKey(vehicleID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.WithContext(ctx).Debug("trust score cache read failed",
				zap.String("vehicle_id", vehicleID.String()), zap.Error(err))
		}
		return nil, false
	}
	rec := &VehicleTrustRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, false
	}
	return rec, true
}

// Set stores a record under the vehicle's cache key
func (c *RedisScoreCache) Set(ctx context.Context, record *VehicleTrustRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, scoreCacheKey(record.VehicleID), data, c.ttl).Err(); err != nil {
		logger.WithContext(ctx).Debug("trust score cache write failed",
			zap.String("vehicle_id", record.VehicleID.String()), zap.Error(err))
	}
}

// Invalidate drops the cached record after a write
func (c *RedisScoreCache) Invalidate(ctx context.Context, vehicleID uuid.UUID) {
	if err := c.client.Del(ctx, scoreCacheKey(vehicleID)).Err(); err != nil {
		logger.WithContext(ctx).Debug("trust score cache invalidation failed",
			zap.String("vehicle_id", vehicleID.String()), zap.Error(err))
	}
}
