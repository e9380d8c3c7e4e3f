// Package broker manages the shared connection to the key/value broker
// (Redis) used by the rate limiter and the queue monitor. It generalizes
// the retry-ping-on-connect and pool-tuning idiom from the queue package's
// original single-purpose client into a reusable constructor. The queue
// service does not use it: it still dials its own client.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the shared broker connection.
type Config struct {
	URL             string
	NamespacePrefix string // BROKER_NAMESPACE_PREFIX, applied by callers that key their own data
	ConnectRetries  int
}

// DefaultConfig returns sensible connection defaults.
func DefaultConfig() Config {
	return Config{
		URL:            "redis://localhost:6379/0",
		ConnectRetries: 3,
	}
}

// Connect dials the broker and verifies connectivity with a bounded number
// of retries, the same backoff shape the queue service already used for its
// own private client.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	client := redis.NewClient(opts)

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 3
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var lastErr error
	for i := 0; i < retries; i++ {
		if err := client.Ping(pingCtx).Err(); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
			if i < retries-1 {
				time.Sleep(time.Duration(i+1) * time.Second)
			}
		}
	}
	if lastErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to broker after retries: %w", lastErr)
	}

	return client, nil
}

// Healthy pings the broker, used by the Queue Monitor's broker_disconnection
// alert rule.
func Healthy(ctx context.Context, client *redis.Client) bool {
	if client == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(pingCtx).Err() == nil
}
