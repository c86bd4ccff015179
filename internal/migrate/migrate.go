// Package migrate applies versioned, monotonic schema migrations
// (spec.md §4.B): each migration runs in its own transaction, migrations
// never downgrade, and a checkpoint follows every applied batch.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hivesync/hive/internal/dbx"
)

// Migration is one declarative, idempotent schema step.
type Migration struct {
	Version     int
	Description string
	Up          string // raw SQL, never data reshaping that depends on runtime values
}

// Runner applies a fixed, ordered list of migrations against a *dbx.DB.
type Runner struct {
	db         *dbx.DB
	migrations []Migration
	log        *slog.Logger
}

// New creates a Runner for the given ordered migration list. Migrations
// must be supplied in ascending Version order; New sorts defensively so a
// caller-supplied slice in the wrong order doesn't silently misbehave.
func New(db *dbx.DB, migrations []Migration, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Runner{db: db, migrations: sorted, log: log}
}

const createSchemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`

// Apply runs all pending migrations in version order, each inside its own
// transaction, checkpointing after each one. Refuses to "downgrade": a
// migration whose version is <= the current max applied version is skipped,
// never reverted.
func (r *Runner) Apply(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createSchemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := r.currentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		r.log.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := r.applyOne(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := r.db.Checkpoint(ctx); err != nil {
			r.log.Warn("checkpoint after migration failed", "version", m.Version, "error", err)
		}
	}
	return nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	tx, err := r.db.Raw().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("apply up sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, unixepoch('now') * 1000)`,
		m.Version,
	); err != nil {
		return fmt.Errorf("record schema_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (r *Runner) currentVersion(ctx context.Context) (int, error) {
	row := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("read current schema version: %w", err)
	}
	return v, nil
}
