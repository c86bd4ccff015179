// Command hived is the coordination substrate's daemon: it opens the
// database, applies migrations, and serves the durable-stream HTTP/SSE
// surface while watching agent session transcripts in the background.
//
// This is the thin cmd/ entrypoint SPEC_FULL.md §1 calls an "ambient
// convenience, not a deliverable in its own right" — CLI argument parsing
// itself follows the teacher's cmd/bd/main.go cobra conventions, but the
// substance lives in internal/.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/hivesync/hive/internal/config"
	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/embedclient"
	"github.com/hivesync/hive/internal/eventlog"
	"github.com/hivesync/hive/internal/logging"
	"github.com/hivesync/hive/internal/memory"
	"github.com/hivesync/hive/internal/migrate"
	"github.com/hivesync/hive/internal/session"
	"github.com/hivesync/hive/internal/streamserver"
	"github.com/hivesync/hive/internal/telemetry"
)

var configDir string

func main() {
	rootCmd := &cobra.Command{
		Use:   "hived",
		Short: "coordination substrate daemon for a fleet of AI coding agents",
		RunE:  runDaemon,
	}
	rootCmd.Flags().StringVar(&configDir, "config-dir", ".hive", "directory containing config.toml")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	providers, err := telemetry.Setup(telemetry.Options{ServiceName: "hived"})
	if err != nil {
		log.Error("telemetry setup failed, continuing without export", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbx.Open(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := migrate.New(db, migrate.Schema, log).Apply(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	eventLog := eventlog.New(db)
	broker := streamserver.NewBroker()

	var republish func(streamserver.StreamEvent)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Error("nats connect failed, continuing without republish", "error", err, "url", cfg.NATSURL)
		} else {
			defer nc.Close()
			js, err := nc.JetStream()
			if err != nil {
				log.Error("nats jetstream init failed, continuing without republish", "error", err)
			} else if err := streamserver.EnsureBeadEventsStream(js); err != nil {
				log.Error("nats stream setup failed, continuing without republish", "error", err)
			} else {
				republish = streamserver.NewNATSRepublisher(js)
				log.Info("republishing events to NATS JetStream", "stream", streamserver.StreamBeadEvents)
			}
		}
	}

	srv := streamserver.New(eventLog, broker, republish, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx, cfg.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("stream server: %w", err)
		}
	}()

	if len(cfg.WatchDirs) > 0 {
		if err := runSessionIndexer(ctx, cfg, db, log); err != nil {
			log.Error("session indexer failed to start, continuing without it", "error", err)
		}
	}

	log.Info("hived started", "http-addr", cfg.HTTPAddr, "db", cfg.DBPath)

	select {
	case <-ctx.Done():
		log.Info("hived shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// runSessionIndexer starts the watcher→parser→chunker→embedder pipeline
// (spec.md §4.H) in the background. It returns once the watcher has been
// started, without waiting on its Ready channel; indexing itself continues
// until ctx is cancelled.
func runSessionIndexer(ctx context.Context, cfg *config.Config, db *dbx.DB, log *slog.Logger) error {
	watcher, err := session.NewWatcher(cfg.WatchDirs, session.WatcherOptions{
		Suffix: cfg.SessionSuffix,
		Log:    log,
	})
	if err != nil {
		return fmt.Errorf("start session watcher: %w", err)
	}

	var embedClient *embedclient.Client
	if cfg.EmbedServerURL != "" {
		embedClient = embedclient.New(cfg.EmbedServerURL, cfg.EmbedModel, embedclient.WithMaxElapsed(cfg.EmbedTimeout))
	}

	store := memory.New(db, embedClient)
	staleness := session.NewStalenessTracker(db)
	discoverer := session.NewDiscoverer()

	watcher.Start(ctx)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Event == session.EventUnlinked {
					continue
				}
				indexSessionFile(ctx, evt.Path, discoverer, staleness, store, embedClient, cfg, log)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("session watcher error", "error", err)
			}
		}
	}()

	return nil
}

func indexSessionFile(ctx context.Context, path string, discoverer *session.Discoverer, staleness *session.StalenessTracker, store *memory.Store, embedClient *embedclient.Client, cfg *config.Config, log *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		log.Error("stat session file", "path", path, "error", err)
		return
	}

	stale, err := staleness.Check(ctx, path, info.ModTime())
	if err != nil {
		log.Error("staleness check failed", "path", path, "error", err)
		return
	}
	if !stale {
		return
	}

	agentType, ok := discoverer.Discover(path)
	if !ok {
		agentType = filepath.Base(filepath.Dir(path))
	}

	f, err := os.Open(path)
	if err != nil {
		log.Error("open session file", "path", path, "error", err)
		return
	}
	defer f.Close()

	messages, err := session.ParseFile(f, path, agentType)
	if err != nil {
		log.Error("parse session file", "path", path, "error", err)
		return
	}

	chunks := session.ChunkMessages(messages)

	if err := session.EmbedAndStore(ctx, store, embedClient, chunks, session.EmbedderOptions{Concurrency: cfg.EmbedConcurrency}); err != nil {
		log.Error("embed and store session chunks", "path", path, "error", err)
		return
	}

	if err := staleness.RecordIndexed(ctx, path, info.ModTime(), len(messages)); err != nil {
		log.Error("record indexed state", "path", path, "error", err)
	}
}
