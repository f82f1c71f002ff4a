package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/rollback"
)

var _ rollback.AuditSink = (*PostgresStore)(nil)

// PostgresStore keeps flags in the flags table (one JSONB document per flag)
// and appends rollback records to rollback_records.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps a connected pool. It panics on nil.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

// LoadFlags returns every stored flag ordered by name.
func (s *PostgresStore) LoadFlags(ctx context.Context) ([]flags.Config, error) {
	rows, err := s.db.Query(ctx, `SELECT name, config FROM flags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	var out []flags.Config
	for rows.Next() {
		var (
			name string
			raw  []byte
		)
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}
		var cfg flags.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("flag %q has a corrupt config: %w", name, err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// SaveFlag upserts a flag. The update only applies when the stored version is
// not newer than cfg.Version.
func (s *PostgresStore) SaveFlag(ctx context.Context, cfg flags.Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode flag %q: %w", cfg.Name, err)
	}

	const query = `
		INSERT INTO flags (name, status, config, version, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE
		SET status = EXCLUDED.status,
		    config = EXCLUDED.config,
		    version = EXCLUDED.version,
		    updated_at = NOW()
		WHERE flags.version <= EXCLUDED.version
	`
	if _, err := s.db.Exec(ctx, query, cfg.Name, string(cfg.Status), payload, cfg.Version); err != nil {
		return fmt.Errorf("failed to save flag %q: %w", cfg.Name, err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlag(ctx context.Context, name string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM flags WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete flag %q: %w", name, err)
	}
	return nil
}

// AppendRollback inserts one audit record. Records are never updated.
func (s *PostgresStore) AppendRollback(ctx context.Context, rec rollback.Record) error {
	affected := rec.AffectedUserIDs
	if affected == nil {
		affected = []string{}
	}

	const query = `
		INSERT INTO rollback_records
			(id, flag_name, reason, strategy, previous_percentage, target_version, affected_user_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID,
		rec.FlagName,
		rec.Reason,
		string(rec.Strategy),
		rec.PreviousPercentage,
		rec.TargetVersion,
		affected,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append rollback record %s: %w", rec.ID, err)
	}
	return nil
}

// ListRollbacks returns the stored records of one flag, oldest first.
// An empty flagName returns every record.
func (s *PostgresStore) ListRollbacks(ctx context.Context, flagName string) ([]rollback.Record, error) {
	const query = `
		SELECT id::text, flag_name, reason, strategy, previous_percentage,
		       COALESCE(target_version, ''), affected_user_ids, created_at
		FROM rollback_records
		WHERE $1::text = '' OR flag_name = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query, flagName)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback records: %w", err)
	}
	defer rows.Close()

	var out []rollback.Record
	for rows.Next() {
		var (
			rec      rollback.Record
			strategy string
		)
		if err := rows.Scan(&rec.ID, &rec.FlagName, &rec.Reason, &strategy, &rec.PreviousPercentage,
			&rec.TargetVersion, &rec.AffectedUserIDs, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan rollback record: %w", err)
		}
		rec.Strategy = rollback.Strategy(strategy)
		if len(rec.AffectedUserIDs) == 0 {
			rec.AffectedUserIDs = nil
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}
