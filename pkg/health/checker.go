package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Checker is a single dependency health probe.
type Checker func() error

// CheckerConfig tunes probe behavior.
type CheckerConfig struct {
	Timeout time.Duration
}

// DefaultCheckerConfig returns the standard probe configuration.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{Timeout: 2 * time.Second}
}

// DatabaseChecker returns a health check function for the PostgreSQL pool
func DatabaseChecker(pool *pgxpool.Pool) Checker {
	return DatabaseCheckerWithConfig(pool, DefaultCheckerConfig())
}

// DatabaseCheckerWithConfig returns a database probe with a custom timeout
func DatabaseCheckerWithConfig(pool *pgxpool.Pool, config CheckerConfig) Checker {
	return func() error {
		if pool == nil {
			return errors.New("database connection is nil")
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		defer cancel()
		return pool.Ping(ctx)
	}
}

// RedisChecker returns a health check function for Redis
func RedisChecker(client *redis.Client) Checker {
	return RedisCheckerWithConfig(client, DefaultCheckerConfig())
}

// RedisCheckerWithConfig returns a Redis probe with a custom timeout
func RedisCheckerWithConfig(client *redis.Client, config CheckerConfig) Checker {
	return func() error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}

// NATSChecker returns a health check function for the NATS connection
func NATSChecker(conn *nats.Conn) Checker {
	return func() error {
		if conn == nil || !conn.IsConnected() {
			return errors.New("nats connection is down")
		}
		return nil
	}
}

// HTTPEndpointChecker returns a health check function for HTTP endpoints.
// Useful for checking external service dependencies.
func HTTPEndpointChecker(url string) Checker {
	return HTTPEndpointCheckerWithConfig(url, DefaultCheckerConfig())
}

// HTTPEndpointCheckerWithConfig returns an HTTP probe with a custom timeout
func HTTPEndpointCheckerWithConfig(url string, config CheckerConfig) Checker {
	client := &http.Client{Timeout: config.Timeout}
	return func() error {
		resp, err := client.Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
		}
		return nil
	}
}

// CachedChecker memoizes a checker's result for a TTL to keep hot health
// endpoints from hammering dependencies.
type CachedChecker struct {
	checker   Checker
	cacheTTL  time.Duration
	mu        sync.Mutex
	lastCheck time.Time
	lastErr   error
	checked   bool
}

// NewCachedChecker wraps a checker with result caching.
func NewCachedChecker(checker Checker, ttl time.Duration) *CachedChecker {
	return &CachedChecker{checker: checker, cacheTTL: ttl}
}

// Check returns the cached result if fresh, re-probing otherwise.
func (c *CachedChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checked && time.Since(c.lastCheck) < c.cacheTTL {
		return c.lastErr
	}

	c.lastErr = c.checker()
	c.lastCheck = time.Now()
	c.checked = true
	return c.lastErr
}
