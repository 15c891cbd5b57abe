// Package broker provides the publishers the pipeline workers use to hand
// encoded records to a downstream message broker.
//
// Each worker owns exactly one Publisher, built lazily through a Factory and
// thrown away after any failed publish. Publishers are never shared between
// workers.
package broker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/traceship/traceship/pkg/telemetry"
)

// Broker types.
const (
	TypeRedis  = "redis"
	TypeStdout = "stdout"
)

// Publisher publishes opaque payloads to a topic.
type Publisher interface {
	// Publish delivers one payload. It must honor ctx cancellation.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Close releases the client's connections.
	Close() error
}

// Factory constructs a new Publisher. It is called by a worker whenever it
// holds no client, including after a failed publish.
type Factory func(ctx context.Context) (Publisher, error)

// Config selects and configures the broker.
type Config struct {
	// Type is the broker kind (redis, stdout).
	Type string `yaml:"type" json:"type" validate:"oneof=redis stdout"`

	// Redis configures the Redis Streams publisher.
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures a Redis Streams publisher.
type RedisConfig struct {
	Address      string        `yaml:"address" json:"address"`
	Password     string        `yaml:"password" json:"-"`
	DB           int           `yaml:"db" json:"db" validate:"gte=0"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// MaxLen caps each stream with XADD MAXLEN ~ n. Zero disables trimming.
	MaxLen int64 `yaml:"max_len" json:"max_len" validate:"gte=0"`
}

// DefaultConfig returns a Redis broker on localhost.
func DefaultConfig() Config {
	return Config{
		Type: TypeRedis,
		Redis: RedisConfig{
			Address:      "localhost:6379",
			DB:           0,
			PoolSize:     2,
			DialTimeout:  5 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxLen:       100000,
		},
	}
}

// NewFactory returns the Factory for the configured broker type.
func NewFactory(cfg Config, logger *telemetry.Logger) (Factory, error) {
	return NewFactoryWithWriter(cfg, logger, os.Stdout)
}

// NewFactoryWithWriter is NewFactory with an explicit writer for the stdout broker.
func NewFactoryWithWriter(cfg Config, logger *telemetry.Logger, w io.Writer) (Factory, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	logger = logger.NewComponentLogger("broker")

	switch cfg.Type {
	case TypeRedis, "":
		redisCfg := cfg.Redis
		if redisCfg.Address == "" {
			return nil, fmt.Errorf("redis broker requires an address")
		}
		return func(ctx context.Context) (Publisher, error) {
			logger.WithField("address", redisCfg.Address).Debug("connecting to redis")
			pub, err := NewRedisPublisher(ctx, redisCfg)
			if err != nil {
				return nil, err
			}
			return pub, nil
		}, nil
	case TypeStdout:
		return func(ctx context.Context) (Publisher, error) {
			return NewWriterPublisher(w), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
