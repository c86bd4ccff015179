// Package session implements the session indexer (spec.md §3.8, §4.H): a
// file watcher over agent session transcripts, agent-type discovery,
// per-line JSONL parsing into normalized messages, a chunker, an embedding
// pipeline, a staleness detector backed by session_index_state, and a
// deterministic line viewer.
package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind enumerates what happened to a watched file (spec.md §4.H).
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventChanged EventKind = "changed"
	EventUnlinked EventKind = "unlinked"
)

// FileEvent is one coalesced, debounced change to a watched file.
type FileEvent struct {
	Path  string
	Event EventKind
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Suffix filters which files are reported; default ".jsonl".
	Suffix string
	// Debounce coalesces bursts of events for the same path into one
	// (spec.md §4.H default 500ms).
	Debounce time.Duration
	Log      *slog.Logger
}

// Watcher observes one or more directories and emits debounced, suffix-
// filtered FileEvents, grounded on the teacher's debounced fsnotify loop
// (cmd/bd/show_display.go's watch mode) generalized from a single file to
// a set of directories (each watched non-recursively) and from one fixed
// basename to a configurable suffix.
type Watcher struct {
	fsw      *fsnotify.Watcher
	suffix   string
	debounce time.Duration
	log      *slog.Logger

	Events chan FileEvent
	Errors chan error
	Ready  chan struct{}

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]EventKind

	done chan struct{}
}

// NewWatcher creates a Watcher over dirs. Call Start to begin watching;
// Ready fires once dirs have all been added successfully.
func NewWatcher(dirs []string, opts WatcherOptions) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	suffix := opts.Suffix
	if suffix == "" {
		suffix = ".jsonl"
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	w := &Watcher{
		fsw: fsw, suffix: suffix, debounce: debounce, log: log,
		Events:  make(chan FileEvent, 64),
		Errors:  make(chan error, 16),
		Ready:   make(chan struct{}),
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]EventKind),
		done:    make(chan struct{}),
	}

	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Start runs the watch loop in a background goroutine until ctx is
// cancelled or Close is called. fsnotify errors are forwarded on Errors
// (dropped when Errors is full) and do not stop the loop. There is no
// restart: the loop also ends if fsnotify closes its channels.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	close(w.Ready)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, w.suffix) {
		return
	}

	var kind EventKind
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = EventUnlinked
	case ev.Has(fsnotify.Create):
		kind = EventAdded
	case ev.Has(fsnotify.Write):
		kind = EventChanged
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// A later kind for the same path within the debounce window wins,
	// except unlinked always wins over a stale added/changed observed
	// before the file disappeared.
	if prev, ok := w.pending[ev.Name]; !ok || kind == EventUnlinked || prev != EventUnlinked {
		w.pending[ev.Name] = kind
	}

	path := ev.Name
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		k, ok := w.pending[path]
		delete(w.pending, path)
		delete(w.timers, path)
		w.mu.Unlock()
		if !ok {
			return
		}
		select {
		case w.Events <- FileEvent{Path: path, Event: k}:
		default:
			w.log.Warn("session watcher event dropped: channel full", "path", path)
		}
	})
}

// Close stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}

// BaseName is a small helper callers use to resolve a session id from a
// file path's stem when the event payload carries none (spec.md §4.H).
func BaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
