// Package config loads and validates the configuration of a traceship process.
//
// # Sources
//
// A configuration is built in layers, later layers winning:
//
//  1. Default(): built-in defaults for every component.
//  2. An optional YAML file. Unknown keys are rejected.
//  3. Environment overrides (TRACESHIP_*, plus LOG_LEVEL and LOG_FORMAT).
//
// The result is validated with struct tags (go-playground/validator) and
// then with each component's own cross-field checks. Every problem found is
// reported at once in a *ValidationError.
//
// # Example
//
//	pipeline:
//	  workers: 4
//	  queue_capacity: 50000
//	  stale_threshold: 45s
//	broker:
//	  type: redis
//	  redis:
//	    address: redis.internal:6379
//	journal:
//	  path: /var/lib/traceship/journal.db
//
// # Reloading
//
// Watch follows the file with fsnotify and hands each valid new
// configuration to a callback after a short debounce. An invalid edit is
// logged and ignored. Only settings that are safe to change at runtime
// (the pipeline feature flag and the log level) are applied by the service;
// everything else takes effect on restart.
package config
