package config

import "time"

// SyncerConfig configures the worker that mirrors flag changes to Redis and
// the durable store.
type SyncerConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`

	// Interval between full reconciliations; change notifications are
	// handled as they arrive.
	Interval time.Duration `envconfig:"INTERVAL" default:"30s" validate:"min=1s"`

	// Buffer is the capacity of the change notification queue.
	Buffer int `envconfig:"BUFFER" default:"256" validate:"min=1"`

	// WriteTimeout bounds one flag write to Redis or Postgres.
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s" validate:"gt=0"`
}
