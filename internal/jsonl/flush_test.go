package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivesync/hive/internal/projection"
	"github.com/hivesync/hive/internal/types"
)

func newTestFlushManager(t *testing.T, reader *projection.Reader, debounce time.Duration) *FlushManager {
	t.Helper()
	dir := t.TempDir()
	fm, err := NewFlushManager(reader, "proj", filepath.Join(dir, "sync.jsonl"), filepath.Join(dir, "checkpoint.db"), debounce, nil)
	if err != nil {
		t.Fatalf("NewFlushManager: %v", err)
	}
	t.Cleanup(func() {
		_ = fm.Shutdown(context.Background())
	})
	return fm
}

func TestFlushManagerFlushNowWritesFile(t *testing.T) {
	db := openTestDB(t)
	writer := projection.NewWriter(db)
	reader := projection.NewReader(db)
	ctx := context.Background()

	if _, err := writer.CreateBead(ctx, types.Bead{ID: "bd-1", ProjectKey: "proj", Title: "flush me"}); err != nil {
		t.Fatalf("create bead: %v", err)
	}

	fm := newTestFlushManager(t, reader, time.Hour)
	fm.MarkDirty()
	if err := fm.FlushNow(ctx); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}

	data, err := os.ReadFile(fm.path)
	if err != nil {
		t.Fatalf("read flushed file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("flushed file is empty")
	}

	seq, err := fm.LastFlushedSequence()
	if err != nil {
		t.Fatalf("LastFlushedSequence: %v", err)
	}
	if seq != 1 {
		t.Fatalf("checkpoint = %d, want 1 after one flush", seq)
	}
}

func TestFlushManagerDebounceCoalescesRapidMarkDirty(t *testing.T) {
	db := openTestDB(t)
	writer := projection.NewWriter(db)
	reader := projection.NewReader(db)
	ctx := context.Background()

	if _, err := writer.CreateBead(ctx, types.Bead{ID: "bd-1", ProjectKey: "proj", Title: "one"}); err != nil {
		t.Fatalf("create bead: %v", err)
	}

	fm := newTestFlushManager(t, reader, 50*time.Millisecond)
	for i := 0; i < 5; i++ {
		fm.MarkDirty()
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.After(2 * time.Second)
	for {
		seq, err := fm.LastFlushedSequence()
		if err != nil {
			t.Fatalf("LastFlushedSequence: %v", err)
		}
		if seq >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("debounced flush never happened")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// The rapid-fire MarkDirty calls within one debounce window should
	// have collapsed into a single flush, not five: once the first flush
	// has landed, remove its file and check that no later flush rewrites it.
	if err := os.Remove(fm.path); err != nil {
		t.Fatalf("remove flushed file: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := os.Stat(fm.path); !os.IsNotExist(err) {
		t.Fatalf("a second flush rewrote %s (stat err: %v)", fm.path, err)
	}
	seq, err := fm.LastFlushedSequence()
	if err != nil {
		t.Fatalf("LastFlushedSequence: %v", err)
	}
	if seq != 1 {
		t.Fatalf("checkpoint = %d, want exactly 1 flush from the coalesced debounce window", seq)
	}
}

func TestFlushManagerShutdownPerformsFinalFlush(t *testing.T) {
	db := openTestDB(t)
	writer := projection.NewWriter(db)
	reader := projection.NewReader(db)
	ctx := context.Background()

	if _, err := writer.CreateBead(ctx, types.Bead{ID: "bd-1", ProjectKey: "proj", Title: "last chance"}); err != nil {
		t.Fatalf("create bead: %v", err)
	}

	dir := t.TempDir()
	fm, err := NewFlushManager(reader, "proj", filepath.Join(dir, "sync.jsonl"), filepath.Join(dir, "checkpoint.db"), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewFlushManager: %v", err)
	}
	fm.MarkDirty()

	if err := fm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Shutdown must be idempotent.
	if err := fm.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sync.jsonl"))
	if err != nil {
		t.Fatalf("read flushed file after shutdown: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("shutdown did not perform the pending flush")
	}
}
