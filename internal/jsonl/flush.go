package jsonl

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hivesync/hive/internal/projection"
)

var checkpointBucket = []byte("flushed_sequence")

// checkpointStore persists, per project, the sequence number up to which
// the JSONL file has been flushed — purely local process state that must
// survive a restart but never needs to merge across machines, which is
// exactly what an embedded bbolt file is for (SPEC_FULL.md §4.F), as
// opposed to the SQL projections which are themselves subject to JSONL
// sync and 3-way merge.
type checkpointStore struct {
	db *bolt.DB
}

func openCheckpointStore(path string) (*checkpointStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &checkpointStore{db: db}, nil
}

func (c *checkpointStore) close() error { return c.db.Close() }

func (c *checkpointStore) get(project string) (int64, error) {
	var seq int64
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checkpointBucket).Get([]byte(project))
		if v == nil {
			return nil
		}
		seq = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return seq, err
}

func (c *checkpointStore) set(project string, seq int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(seq))
		return tx.Bucket(checkpointBucket).Put([]byte(project), buf)
	})
}

// FlushManager is a debounced, at-most-one-in-flight writer that exports
// dirty beads to the project's JSONL sync file (spec.md §4.F). Its event
// loop is owned by a single background goroutine reached only through
// channels, following the teacher's FlushManager (cmd/bd/flush_manager.go):
// no shared mutable state, so no locking is needed around the flush state
// itself.
type FlushManager struct {
	reader     *projection.Reader
	checkpoint *checkpointStore
	path       string
	project    string
	debounce   time.Duration
	log        *slog.Logger

	markDirtyCh chan struct{}
	timerFired  chan struct{}
	flushNowCh  chan chan error
	shutdownCh  chan chan error

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewFlushManager creates a FlushManager for project, writing to jsonlPath
// and persisting its flushed-sequence checkpoint under checkpointPath, then
// starts its background event loop.
func NewFlushManager(reader *projection.Reader, project, jsonlPath, checkpointPath string, debounce time.Duration, log *slog.Logger) (*FlushManager, error) {
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	cp, err := openCheckpointStore(checkpointPath)
	if err != nil {
		return nil, err
	}

	fm := &FlushManager{
		reader: reader, checkpoint: cp, path: jsonlPath, project: project, debounce: debounce, log: log,
		markDirtyCh: make(chan struct{}, 1),
		timerFired:  make(chan struct{}, 1),
		flushNowCh:  make(chan chan error, 1),
		shutdownCh:  make(chan chan error, 1),
	}
	fm.wg.Add(1)
	go fm.run()
	return fm, nil
}

// MarkDirty schedules a debounced flush. Non-blocking and safe to call from
// multiple goroutines; repeated calls within the debounce window collapse
// into a single flush.
func (fm *FlushManager) MarkDirty() {
	select {
	case fm.markDirtyCh <- struct{}{}:
	default:
		// Already pending; the in-flight debounce covers this call too.
	}
}

// FlushNow bypasses debouncing and flushes immediately, blocking until done.
func (fm *FlushManager) FlushNow(ctx context.Context) error {
	responseCh := make(chan error, 1)
	select {
	case fm.flushNowCh <- responseCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-responseCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown performs a final flush if dirty and stops the background
// goroutine. Idempotent.
func (fm *FlushManager) Shutdown(ctx context.Context) error {
	var shutdownErr error
	fm.shutdownOnce.Do(func() {
		responseCh := make(chan error, 1)
		fm.shutdownCh <- responseCh
		select {
		case shutdownErr = <-responseCh:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
		}
		fm.wg.Wait()
		if err := fm.checkpoint.close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	})
	return shutdownErr
}

func (fm *FlushManager) run() {
	defer fm.wg.Done()
	var (
		dirty bool
		timer *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-fm.markDirtyCh:
			dirty = true
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(fm.debounce, func() {
				select {
				case fm.timerFired <- struct{}{}:
				default:
				}
			})

		case <-fm.timerFired:
			if dirty {
				if err := fm.performFlush(); err != nil {
					fm.log.Error("jsonl flush failed", "project", fm.project, "error", err)
				} else {
					dirty = false
				}
			}

		case responseCh := <-fm.flushNowCh:
			if timer != nil {
				timer.Stop()
				timer = nil
			}
			var err error
			if dirty {
				err = fm.performFlush()
				if err == nil {
					dirty = false
				}
			}
			responseCh <- err

		case responseCh := <-fm.shutdownCh:
			if timer != nil {
				timer.Stop()
			}
			var err error
			if dirty {
				err = fm.performFlush()
			}
			responseCh <- err
			return
		}
	}
}

// performFlush exports the project's current projection state to the JSONL
// file and records the flushed checkpoint, all called only from run() so it
// never races with another flush.
func (fm *FlushManager) performFlush() error {
	ctx := context.Background()
	data, err := Export(ctx, fm.reader, fm.project)
	if err != nil {
		return err
	}
	tmp := fm.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write jsonl temp file: %w", err)
	}
	if err := os.Rename(tmp, fm.path); err != nil {
		return fmt.Errorf("rename jsonl temp file: %w", err)
	}

	ids, err := fm.reader.GetDirty(ctx, fm.project)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := fm.reader.ClearDirty(ctx, ids); err != nil {
			return err
		}
	}

	seq, err := fm.reader.MaxEventSequence(ctx, fm.project)
	if err != nil {
		return err
	}
	return fm.checkpoint.set(fm.project, seq)
}

// LastFlushedSequence returns the checkpoint recorded for project, or 0 if
// none has been flushed yet — used on restart to decide whether a flush is
// owed before new work is accepted (spec.md §4.F "restarts are resumable").
func (fm *FlushManager) LastFlushedSequence() (int64, error) {
	return fm.checkpoint.get(fm.project)
}
