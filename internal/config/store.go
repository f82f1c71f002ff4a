package config

import "fmt"

// Flag store backends.
const (
	StoreBackendMemory   = "memory"
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"
)

// StoreConfig selects where flag definitions survive restarts.
type StoreConfig struct {
	Backend   string `envconfig:"BACKEND" default:"memory" validate:"oneof=memory file postgres"`
	FlagsFile string `envconfig:"FLAGS_FILE" default:"flags.yaml"`
}

// Validate requires a file path for the file backend.
func (s *StoreConfig) Validate() error {
	if s.Backend == StoreBackendFile && s.FlagsFile == "" {
		return fmt.Errorf("store backend %q requires a flags file", StoreBackendFile)
	}
	return nil
}
