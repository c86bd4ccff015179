package dbx

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DB wraps a database/sql handle over the embedded (pure-Go, WASM/wazero)
// SQLite engine, exposing the uniform surface of spec.md §4.A: query, exec,
// close, checkpoint, WAL stats, and busy-retry. Grounded on the teacher's
// internal/storage/ephemeral store (ncruces/go-sqlite3 driver+embed DSN
// pattern) — chosen over a Dolt/MySQL backend specifically because WAL
// stats/checkpoint/busy-retry are native SQLite concepts (see DESIGN.md).
type DB struct {
	sqlDB  *sql.DB
	path   string
	log    *slog.Logger
}

var (
	dbTracer = otel.Tracer("github.com/hivesync/hive/dbx")

	dbMetrics struct {
		retryCount metric.Int64Counter
		walBytes   metric.Int64ObservableGauge
	}
)

func init() {
	m := otel.Meter("github.com/hivesync/hive/dbx")
	dbMetrics.retryCount, _ = m.Int64Counter("hive.db.retry_count",
		metric.WithDescription("writes retried due to SQLITE_BUSY/LOCKED"),
		metric.WithUnit("{retry}"),
	)
	dbMetrics.walBytes, _ = m.Int64ObservableGauge("hive.db.wal_size_bytes",
		metric.WithDescription("current WAL side-file size of observed databases"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(observeWalBytes),
	)
}

// observedDBs is the set of open handles the hive.db.wal_size_bytes gauge
// callback (observeWalBytes) reports on. Registration happens in Open;
// entries are dropped on Close.
var observedDBs sync.Map // map[*DB]struct{}

func observeWalBytes(_ context.Context, o metric.Int64Observer) error {
	observedDBs.Range(func(key, _ any) bool {
		d := key.(*DB)
		if stats, err := d.GetWalStats(); err == nil {
			o.Observe(stats.WalSizeBytes, metric.WithAttributes(attribute.String("db.path", d.path)))
		}
		return true
	})
	return nil
}

// Open opens (creating if necessary) a SQLite database in WAL mode with a
// busy timeout, matching the teacher's ephemeral-store DSN convention.
func Open(path string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single physical writer; SQLite serializes writes anyway and the
	// adapter's own with-retry policy handles BUSY/LOCKED contention.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{sqlDB: sqlDB, path: path, log: log}
	observedDBs.Store(d, struct{}{})
	return d, nil
}

// Raw returns the underlying *sql.DB for callers that need it directly
// (migrations, projections). It is still subject to the adapter's
// single-connection discipline.
func (d *DB) Raw() *sql.DB { return d.sqlDB }

// Close closes the underlying connection.
func (d *DB) Close() error {
	observedDBs.Delete(d)
	return d.sqlDB.Close()
}

// Exec executes a write statement, wrapping errors into the taxonomy.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, span := dbTracer.Start(ctx, "dbx.Exec", trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.statement", truncate(query)),
	))
	defer span.End()
	res, err := d.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, Wrap("exec", err)
	}
	return res, nil
}

// Query executes a read query, wrapping errors into the taxonomy. Callers
// are responsible for closing the returned *sql.Rows.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, span := dbTracer.Start(ctx, "dbx.Query", trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.statement", truncate(query)),
	))
	defer span.End()
	rows, err := d.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, Wrap("query", err)
	}
	return rows, nil
}

// QueryRow executes a single-row read query.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sqlDB.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a transaction local to the calling task, committing
// on success and rolling back on error or panic. Transactions must never
// await network I/O (spec.md §5) — fn is expected to only touch the DB.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return Wrap("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return Wrap("commit tx", err)
	}
	committed = true
	return nil
}

// WithRetry runs op with exponential backoff (100ms, 200ms, 400ms) on
// retryable (busy/locked) errors, failing immediately on anything else —
// spec.md §5's with_sqlite_retry policy, implemented with cenkalti/backoff/v4
// matching the teacher's newServerRetryBackoff.
func (d *DB) WithRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 400 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	bo.RandomizationFactor = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if AsKind(err, KindBusy) || AsKind(err, KindLocked) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))

	if attempts > 1 {
		dbMetrics.retryCount.Add(ctx, int64(attempts-1))
	}
	return err
}

// WalStats reports the WAL side-file size and whether that file exists
// (WalFileCount is 1 when the -wal file is present, else 0), used by CheckWalHealth and exposed to operators (spec.md §4.A, §5).
type WalStats struct {
	WalSizeBytes int64
	WalFileCount int
}

// GetWalStats inspects the WAL file on disk beside the main database file.
func (d *DB) GetWalStats() (WalStats, error) {
	walPath := d.path + "-wal"
	info, err := os.Stat(walPath)
	if os.IsNotExist(err) {
		return WalStats{}, nil
	}
	if err != nil {
		return WalStats{}, fmt.Errorf("stat wal file: %w", err)
	}
	return WalStats{WalSizeBytes: info.Size(), WalFileCount: 1}, nil
}

// Checkpoint runs a WAL checkpoint (PRAGMA wal_checkpoint(TRUNCATE)); the
// migration runner calls it after each applied migration.
func (d *DB) Checkpoint(ctx context.Context) error {
	_, err := d.Exec(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// WalHealth is the result of CheckWalHealth.
type WalHealth struct {
	Healthy bool
	Message string
}

// DefaultWalHealthThresholdMB is the default WAL bloat warning threshold
// (spec.md §5).
const DefaultWalHealthThresholdMB = 100

// CheckWalHealth reports whether the WAL file is within the healthy size
// threshold. Exceeding it is a warning (KindWalBloat), never an error.
func (d *DB) CheckWalHealth(thresholdMB int64) (WalHealth, error) {
	if thresholdMB <= 0 {
		thresholdMB = DefaultWalHealthThresholdMB
	}
	stats, err := d.GetWalStats()
	if err != nil {
		return WalHealth{}, err
	}
	thresholdBytes := thresholdMB * 1024 * 1024
	if stats.WalSizeBytes > thresholdBytes {
		return WalHealth{
			Healthy: false,
			Message: fmt.Sprintf("WAL file is %d MB, exceeds %d MB threshold; checkpoint recommended",
				stats.WalSizeBytes/(1024*1024), thresholdMB),
		}, nil
	}
	return WalHealth{Healthy: true}, nil
}

func truncate(s string) string {
	const max = 300
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
