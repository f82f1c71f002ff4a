// Package store persists flag configurations outside the process so the
// registry survives restarts, and keeps the durable rollback audit log.
package store

import (
	"context"

	"github.com/rafaeljc/bifrost/internal/flags"
)

// FlagRepository is implemented by every durable flag backend.
// SaveFlag is last-writer-wins by version: a save carrying a lower version
// than the stored one is ignored.
type FlagRepository interface {
	LoadFlags(ctx context.Context) ([]flags.Config, error)
	SaveFlag(ctx context.Context, cfg flags.Config) error
	DeleteFlag(ctx context.Context, name string) error
}

var (
	_ FlagRepository = (*FileStore)(nil)
	_ FlagRepository = (*PostgresStore)(nil)
)
