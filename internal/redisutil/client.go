// Package redisutil builds the shared go-redis client used by the lease
// manager, the heartbeat store, and the dead letter queue. All three
// components open logically separate key spaces on the same connection
// pool, namespaced by key prefix rather than by Redis DB index.
package redisutil

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Options configures the shared client.
type Options struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient parses a redis:// URL and returns a connected client, matching
// it with a Ping so callers fail fast at startup rather than on first use.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		parsed.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		parsed.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		parsed.WriteTimeout = opts.WriteTimeout
	}

	client := redis.NewClient(parsed)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
