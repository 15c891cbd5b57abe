package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/traceship/traceship/pkg/broker"
	"github.com/traceship/traceship/pkg/middleware"
	"github.com/traceship/traceship/pkg/pipeline"
	"github.com/traceship/traceship/pkg/record"
	"github.com/traceship/traceship/pkg/stores"
	"github.com/traceship/traceship/pkg/telemetry"
)

// Config is the complete configuration of a traceship process.
type Config struct {
	// Telemetry configures logging, tracing, metrics and lifecycle events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Pipeline configures the queue, the workers and the watchdog.
	Pipeline pipeline.Config `yaml:"pipeline" json:"pipeline"`

	// Broker selects where records are published.
	Broker broker.Config `yaml:"broker" json:"broker"`

	// Record configures record encoding.
	Record record.Config `yaml:"record" json:"record"`

	// Journal configures the incident journal. An empty path disables it.
	Journal stores.Config `yaml:"journal" json:"journal"`

	// Server configures the HTTP service run by "traceship serve".
	Server ServerConfig `yaml:"server" json:"server"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	// ListenAddress is the host:port the service binds.
	ListenAddress string `yaml:"listen_address" json:"listen_address" validate:"required"`

	// ReadHeaderTimeout bounds reading request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout" validate:"gte=0"`

	// ShutdownTimeout bounds the whole ordered shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`

	// MaxBodyBytes caps the size of a record posted to /v1/records.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes" validate:"gt=0"`

	// Middleware configures request recording.
	Middleware middleware.Config `yaml:"middleware" json:"middleware"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Broker:    broker.DefaultConfig(),
		Record:    record.DefaultConfig(),
		Journal:   stores.DefaultConfig(),
		Server: ServerConfig{
			ListenAddress:     ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBodyBytes:      1 << 20,
			Middleware:        middleware.DefaultConfig(),
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty) and TRACESHIP_* environment overrides, then validates it.
func Load(path string) (*Config, error) {
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load with an explicit environment lookup.
func LoadWithLookup(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Environment
// variables are not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so typos do not silently fall back to defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate runs struct tag validation and the cross-field checks of every
// component.
func (c *Config) Validate() error {
	var fields []FieldError

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validation failed: %w", err)
		}
		for _, fe := range verrs {
			fields = append(fields, FieldError{
				Path:    fe.Namespace(),
				Tag:     fe.Tag(),
				Message: fieldMessage(fe),
			})
		}
	}

	checks := []struct {
		path string
		err  error
	}{
		{"Config.Telemetry", c.Telemetry.Validate()},
		{"Config.Pipeline", c.Pipeline.Validate()},
		{"Config.Broker", validateBroker(c.Broker)},
		{"Config.Pipeline.StaleThreshold", c.validateStaleThreshold()},
		{"Config.Telemetry.Tracing", c.validateTracing()},
	}
	for _, check := range checks {
		if check.err != nil {
			fields = append(fields, FieldError{Path: check.path, Message: check.err.Error()})
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

func validateBroker(cfg broker.Config) error {
	if (cfg.Type == broker.TypeRedis || cfg.Type == "") && cfg.Redis.Address == "" {
		return fmt.Errorf("redis broker requires an address")
	}
	return nil
}

// validateStaleThreshold adds the Redis dial timeout to the windows the
// pipeline checks on its own: a worker rebuilding its client after a failed
// publish or a backoff does not touch its heartbeat until the dial returns.
func (c *Config) validateStaleThreshold() error {
	if c.Broker.Type != broker.TypeRedis && c.Broker.Type != "" {
		return nil
	}
	p, dial := c.Pipeline, c.Broker.Redis.DialTimeout
	if busy := p.DequeueTimeout + p.PublishTimeout + dial; p.StaleThreshold <= busy {
		return fmt.Errorf("stale threshold (%s) must exceed dequeue, publish and dial timeouts combined (%s)", p.StaleThreshold, busy)
	}
	if busy := p.ReconnectBackoff + dial; p.StaleThreshold <= busy {
		return fmt.Errorf("stale threshold (%s) must exceed reconnect backoff plus dial timeout (%s)", p.StaleThreshold, busy)
	}
	return nil
}

// validateTracing rejects a pipeline span exporter with the pipeline switched
// off, since every span would be dropped.
func (c *Config) validateTracing() error {
	tr := c.Telemetry.Tracing
	if tr.Enabled && tr.Exporter == "pipeline" && !c.Pipeline.Enabled {
		return fmt.Errorf("pipeline trace exporter requires the pipeline to be enabled")
	}
	return nil
}

// Redacted returns a copy with secrets masked, for printing.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Broker.Redis.Password != "" {
		cp.Broker.Redis.Password = "********"
	}
	if len(c.Telemetry.Tracing.Headers) > 0 {
		headers := make(map[string]string, len(c.Telemetry.Tracing.Headers))
		for k := range c.Telemetry.Tracing.Headers {
			headers[k] = "********"
		}
		cp.Telemetry.Tracing.Headers = headers
	}
	return &cp
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
