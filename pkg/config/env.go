package config

import (
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every traceship environment variable.
const EnvPrefix = "TRACESHIP_"

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with any TRACESHIP_* variables, plus LOG_LEVEL and
// LOG_FORMAT, found through lookup.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	p := &cfg.Pipeline
	e.boolean(EnvPrefix+"ENABLED", &p.Enabled)
	e.integer(EnvPrefix+"QUEUE_CAPACITY", &p.QueueCapacity)
	e.integer(EnvPrefix+"WORKERS", &p.Workers)
	e.duration(EnvPrefix+"DEQUEUE_TIMEOUT", &p.DequeueTimeout)
	e.duration(EnvPrefix+"WATCHDOG_INTERVAL", &p.WatchdogInterval)
	e.duration(EnvPrefix+"STALE_THRESHOLD", &p.StaleThreshold)
	e.duration(EnvPrefix+"KILL_TIMEOUT", &p.KillTimeout)
	e.duration(EnvPrefix+"JOIN_TIMEOUT", &p.JoinTimeout)
	e.duration(EnvPrefix+"PUBLISH_TIMEOUT", &p.PublishTimeout)
	e.duration(EnvPrefix+"RECONNECT_BACKOFF", &p.ReconnectBackoff)
	e.str(EnvPrefix+"TOPIC", &p.Topic)

	b := &cfg.Broker
	e.str(EnvPrefix+"BROKER", &b.Type)
	e.str(EnvPrefix+"REDIS_ADDR", &b.Redis.Address)
	e.str(EnvPrefix+"REDIS_PASSWORD", &b.Redis.Password)
	e.integer(EnvPrefix+"REDIS_DB", &b.Redis.DB)

	e.str(EnvPrefix+"RECORD_ENCODING", &cfg.Record.Encoding)
	e.str(EnvPrefix+"RECORD_COMPRESSION", &cfg.Record.Compression)

	e.str(EnvPrefix+"JOURNAL_PATH", &cfg.Journal.Path)

	e.str(EnvPrefix+"LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	e.str(EnvPrefix+"SERVICE_NAME", &cfg.Telemetry.ServiceName)

	if v, ok := e.get("LOG_LEVEL"); ok {
		cfg.Telemetry.Logging.Level = strings.ToLower(v)
	}
	e.str("LOG_FORMAT", &cfg.Telemetry.Logging.Format)

	return e.err
}

// envReader applies variables in order and keeps the first parse error.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	v, ok := e.lookup(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(name, value string, err error) {
	if e.err == nil {
		e.err = &EnvError{Name: name, Value: value, Err: err}
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

// boolean accepts the usual strconv spellings plus the 0/1 flag style.
func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

// duration accepts Go duration strings or a bare number of seconds.
func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = d
}
