package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field holding the encoded record.
const payloadField = "data"

// RedisPublisher appends payloads to Redis Streams with XADD.
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
	closed atomic.Bool
}

// NewRedisPublisher connects to Redis and verifies the connection with PING.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// Failed publishes are not retried; the worker rebuilds its client.
		MaxRetries: -1,
	})

	pingTimeout := cfg.DialTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, &ConnectionError{
			Address: cfg.Address,
			Err:     err,
		}
	}

	return &RedisPublisher{
		client: client,
		maxLen: cfg.MaxLen,
	}, nil
}

// Publish appends payload to the stream named topic.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{payloadField: payload},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd to %s: %w", topic, err)
	}
	return nil
}

// Close closes the underlying client. Closing twice is a no-op.
func (p *RedisPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.client.Close()
}
