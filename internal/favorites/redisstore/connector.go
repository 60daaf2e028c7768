package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ConnectOptions describes the Redis server and the retry policy used while it comes up.
type ConnectOptions struct {
	Addr           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	MaxWait        time.Duration
	PingTimeout    time.Duration
}

// DefaultConnectOptions returns a policy suitable for service startup.
func DefaultConnectOptions(addr, password string, db int) ConnectOptions {
	return ConnectOptions{
		Addr:           addr,
		Password:       password,
		DB:             db,
		ConnectTimeout: 30 * time.Second,
		RetryInterval:  500 * time.Millisecond,
		MaxWait:        5 * time.Second,
		PingTimeout:    2 * time.Second,
	}
}

// Connect creates a client and pings it with exponential backoff until it answers or
// ConnectTimeout elapses.
func Connect(ctx context.Context, opts ConnectOptions, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if opts.ConnectTimeout <= 0 || opts.RetryInterval <= 0 || opts.PingTimeout <= 0 {
		return nil, fmt.Errorf("redis connect timeouts must be > 0")
	}
	maxWait := opts.MaxWait
	if maxWait < opts.RetryInterval {
		maxWait = opts.RetryInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	logger.Info("connecting to redis", zap.String("addr", opts.Addr), zap.Duration("timeout", opts.ConnectTimeout))
	wait := opts.RetryInterval
	for attempt := 1; ; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(connectCtx, opts.PingTimeout)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err == nil {
			logger.Info("connected to redis", zap.String("addr", opts.Addr), zap.Int("attempts", attempt))
			return client, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-connectCtx.Done():
			timer.Stop()
			_ = client.Close()
			logger.Error("redis unavailable", zap.String("addr", opts.Addr), zap.Int("attempts", attempt), zap.Error(err))
			return nil, fmt.Errorf("redis unavailable at %s after %d attempts: %w", opts.Addr, attempt, err)
		case <-timer.C:
			logger.Warn("redis connection failed, retrying",
				zap.String("addr", opts.Addr),
				zap.Int("attempt", attempt),
				zap.Duration("next_retry_in", wait),
				zap.Error(err))
			wait *= 2
			if wait > maxWait {
				wait = maxWait
			}
		}
	}
}
