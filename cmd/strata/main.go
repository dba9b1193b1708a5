// Command strata runs the Strata truth layer: a local service loop with
// background workers, plus one-shot ingestion for local files.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veritaslabs/strata/config"
	"github.com/veritaslabs/strata/content"
	"github.com/veritaslabs/strata/db"
	"github.com/veritaslabs/strata/entity"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/interpret"
	"github.com/veritaslabs/strata/logger"
	"github.com/veritaslabs/strata/merge"
	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/quota"
	"github.com/veritaslabs/strata/schema"
	"github.com/veritaslabs/strata/service"
	"github.com/veritaslabs/strata/snapshot"
	"github.com/veritaslabs/strata/worker"
)

var (
	configPath string
	jsonLogs   bool
)

func main() {
	root := &cobra.Command{
		Use:   "strata",
		Short: "Content-addressed truth layer with deterministic entity snapshots",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Initialize(jsonLogs)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to strata.toml")
	root.PersistentFlags().BoolVar(&jsonLogs, "json", false, "JSON log output")

	root.AddCommand(serveCmd(), ingestCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

// app holds the wired component graph.
type app struct {
	cfg  *config.Config
	db   *sql.DB
	svc  *service.Service
	pool *worker.Pool
}

// noExtractor is the default backend until an extraction model is plugged
// in; interpretation requests fail with a clear message instead of
// silently producing nothing.
var noExtractor = interpret.ExtractorFunc(
	func(ctx context.Context, data []byte, mimeType string, cfg json.RawMessage) ([]interpret.Candidate, error) {
		return nil, errors.New("no extraction backend configured")
	})

func wire(ctx context.Context, backend interpret.Extractor) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	conn, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}

	registry := schema.NewRegistry()
	guard := quota.NewGuard(conn, cfg.Tiers, logger.Logger)
	blobs := content.NewFSBlobStore(cfg.Blob.Root)
	sources := content.NewStore(conn, blobs, guard, logger.Logger)
	entities := entity.NewStore(conn, logger.Logger)
	resolver := entity.NewResolver(entities, registry, logger.Logger)
	obs := observation.NewStore(conn, logger.Logger)
	fragments := observation.NewFragmentStore(conn, logger.Logger)
	snapshots := snapshot.NewStore(conn, entities, obs, registry, logger.Logger)
	runs := interpret.NewStore(conn, logger.Logger)
	merges := merge.NewService(conn, entities, snapshots, logger.Logger)

	if backend == nil {
		backend = noExtractor
	}
	engine := interpret.NewEngine(runs, sources, resolver, obs, fragments, snapshots, registry, guard, backend,
		interpret.EngineConfig{
			BackendCallsPerMinute: cfg.Interpret.BackendCallsPerMinute,
			MinConfidence:         cfg.Interpret.MinConfidence,
		}, logger.Logger)

	svc := service.New(sources, engine, resolver, entities, obs, snapshots, merges, registry, logger.Logger)

	pool := worker.NewPool(ctx, logger.Logger)
	pool.Register(worker.NewUploadRetry(sources,
		time.Duration(cfg.Worker.UploadRetryIntervalSeconds)*time.Second, logger.Logger))
	pool.Register(worker.NewStaleRunSweeper(runs,
		time.Duration(cfg.Interpret.HeartbeatTimeoutSeconds)*time.Second,
		time.Duration(cfg.Worker.SweepIntervalSeconds)*time.Second, logger.Logger))
	pool.Register(worker.NewArchiver(runs,
		time.Duration(cfg.Worker.ArchiveAfterDays)*24*time.Hour,
		time.Duration(cfg.Worker.ArchiveIntervalSeconds)*time.Second, logger.Logger))
	pool.Register(worker.NewDuplicateDetector(conn, entities, nil,
		time.Duration(cfg.Worker.DuplicateIntervalSeconds)*time.Second, logger.Logger))
	pool.Register(worker.NewSnapshotRepair(conn, snapshots,
		time.Duration(cfg.Worker.RepairIntervalSeconds)*time.Second, logger.Logger))

	return &app{cfg: cfg, db: conn, svc: svc, pool: pool}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := wire(ctx, nil)
			if err != nil {
				return err
			}
			defer a.db.Close()

			a.pool.Start()
			defer a.pool.Stop()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logger.Logger.Infow("Shutting down")
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	var tenant, mimeType string

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest a local file into the content store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			a, err := wire(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer a.db.Close()

			result, err := a.svc.Ingest(cmd.Context(), tenant, data, mimeType, service.IngestOptions{
				Metadata: map[string]string{"filename": args[0]},
			})
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant id")
	cmd.Flags().StringVar(&mimeType, "mime", "application/octet-stream", "payload mime type")
	return cmd
}
