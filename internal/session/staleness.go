package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/types"
)

// StalenessTracker reads and writes session_index_state, answering whether
// a session file needs reindexing (spec.md §3.8, §4.H, §8 invariant 9).
type StalenessTracker struct {
	db *dbx.DB
}

// NewStalenessTracker builds a StalenessTracker over db.
func NewStalenessTracker(db *dbx.DB) *StalenessTracker {
	return &StalenessTracker{db: db}
}

// RecordIndexed upserts the indexed state for sourcePath after a successful
// index pass.
func (t *StalenessTracker) RecordIndexed(ctx context.Context, sourcePath string, fileMtime time.Time, messageCount int) error {
	_, err := t.db.Exec(ctx, `
INSERT INTO session_index_state (source_path, last_indexed_at, file_mtime, message_count)
VALUES (?, ?, ?, ?)
ON CONFLICT(source_path) DO UPDATE SET
	last_indexed_at = excluded.last_indexed_at,
	file_mtime = excluded.file_mtime,
	message_count = excluded.message_count
`, sourcePath, time.Now().UnixMilli(), fileMtime.UnixMilli(), messageCount)
	return err
}

// Check reports whether sourcePath, last observed with mtime fileMtime, is
// stale: never indexed, or indexed against an older mtime, with a grace
// window (types.StaleGraceWindow) to absorb clock skew between the watcher
// event and the indexer's read of the file (spec.md §8 invariant 9).
func (t *StalenessTracker) Check(ctx context.Context, sourcePath string, fileMtime time.Time) (bool, error) {
	row := t.db.QueryRow(ctx, `
SELECT last_indexed_at, file_mtime, message_count FROM session_index_state WHERE source_path = ?
`, sourcePath)

	var lastIndexedMs, indexedMtimeMs int64
	var messageCount int
	switch err := row.Scan(&lastIndexedMs, &indexedMtimeMs, &messageCount); {
	case err == sql.ErrNoRows:
		return true, nil
	case err != nil:
		return false, dbx.Wrap("check session staleness", err)
	}

	indexedMtime := time.UnixMilli(indexedMtimeMs)
	if fileMtime.After(indexedMtime.Add(types.StaleGraceWindow)) {
		return true, nil
	}
	return false, nil
}

// CheckBulk evaluates Check for every path in mtimes, returning the subset
// that is stale.
func (t *StalenessTracker) CheckBulk(ctx context.Context, mtimes map[string]time.Time) ([]string, error) {
	var stale []string
	for path, mtime := range mtimes {
		isStale, err := t.Check(ctx, path, mtime)
		if err != nil {
			return nil, err
		}
		if isStale {
			stale = append(stale, path)
		}
	}
	return stale, nil
}

// State returns the recorded index state for sourcePath, or
// (types.SessionIndexState{}, false, nil) if it has never been indexed.
func (t *StalenessTracker) State(ctx context.Context, sourcePath string) (types.SessionIndexState, bool, error) {
	row := t.db.QueryRow(ctx, `
SELECT source_path, last_indexed_at, file_mtime, message_count FROM session_index_state WHERE source_path = ?
`, sourcePath)

	var st types.SessionIndexState
	var lastIndexedMs, mtimeMs int64
	switch err := row.Scan(&st.SourcePath, &lastIndexedMs, &mtimeMs, &st.MessageCount); {
	case err == sql.ErrNoRows:
		return types.SessionIndexState{}, false, nil
	case err != nil:
		return types.SessionIndexState{}, false, dbx.Wrap("get session index state", err)
	}
	st.LastIndexedAt = time.UnixMilli(lastIndexedMs)
	st.FileMtime = time.UnixMilli(mtimeMs)
	return st, true, nil
}
