package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/migrate"
)

func openStalenessTestDB(t *testing.T) *dbx.DB {
	t.Helper()
	db, err := dbx.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.New(db, migrate.Schema, nil).Apply(context.Background()))
	return db
}

// TestStalenessInvariants implements spec.md §8 invariant 9.
func TestStalenessInvariants(t *testing.T) {
	db := openStalenessTestDB(t)
	tracker := NewStalenessTracker(db)
	ctx := context.Background()

	stale, err := tracker.Check(ctx, "/tmp/never-seen.jsonl", time.Now())
	require.NoError(t, err)
	assert.True(t, stale, "never-indexed path must be stale")

	mtime := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, tracker.RecordIndexed(ctx, "/tmp/a.jsonl", mtime, 5))

	stale, err = tracker.Check(ctx, "/tmp/a.jsonl", mtime)
	require.NoError(t, err)
	assert.False(t, stale, "unchanged mtime must not be stale")

	boundary := mtime.Add(300 * time.Second)
	stale, err = tracker.Check(ctx, "/tmp/a.jsonl", boundary)
	require.NoError(t, err)
	assert.False(t, stale, "mtime exactly at the grace boundary must not be stale")

	pastBoundary := mtime.Add(301 * time.Second)
	stale, err = tracker.Check(ctx, "/tmp/a.jsonl", pastBoundary)
	require.NoError(t, err)
	assert.True(t, stale, "mtime past the grace boundary must be stale")
}

func TestStalenessRecordIndexedUpserts(t *testing.T) {
	db := openStalenessTestDB(t)
	tracker := NewStalenessTracker(db)
	ctx := context.Background()

	mtime1 := time.Now().Add(-2 * time.Hour).Truncate(time.Millisecond)
	require.NoError(t, tracker.RecordIndexed(ctx, "/tmp/a.jsonl", mtime1, 3))

	mtime2 := time.Now().Truncate(time.Millisecond)
	require.NoError(t, tracker.RecordIndexed(ctx, "/tmp/a.jsonl", mtime2, 7))

	st, ok, err := tracker.State(ctx, "/tmp/a.jsonl")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, st.MessageCount)
	assert.Equal(t, mtime2.UnixMilli(), st.FileMtime.UnixMilli())
}

func TestStalenessCheckBulk(t *testing.T) {
	db := openStalenessTestDB(t)
	tracker := NewStalenessTracker(db)
	ctx := context.Background()

	mtime := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, tracker.RecordIndexed(ctx, "/tmp/fresh.jsonl", mtime, 1))

	stale, err := tracker.CheckBulk(ctx, map[string]time.Time{
		"/tmp/fresh.jsonl": mtime,
		"/tmp/unseen.jsonl": time.Now(),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/tmp/unseen.jsonl"}, stale)
}
