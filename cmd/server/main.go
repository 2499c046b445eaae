package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labelflow/relabel/internal/config"
	"github.com/labelflow/relabel/internal/importer"
	"github.com/labelflow/relabel/internal/logging"
	"github.com/labelflow/relabel/internal/snapshot"
	"github.com/labelflow/relabel/internal/store"
	"github.com/labelflow/relabel/internal/upload"
	"github.com/labelflow/relabel/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"data_root", cfg.Data.Root,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		dbName := strings.TrimPrefix(u.Path, "/")
		slog.Info("connected to database", "name", dbName)
	} else {
		slog.Info("connected to database")
	}

	catalog := store.New(pool)
	if err := catalog.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	// Data directories
	if err := os.MkdirAll(cfg.Data.PdfDir(), 0o755); err != nil {
		slog.Error("failed to create pdf dir", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Data.ZipDir(), 0o755); err != nil {
		slog.Error("failed to create zip dir", "error", err)
		os.Exit(1)
	}

	uploads, err := upload.NewStore(cfg.Data.TmpDir(), cfg.Import.TokenTTL)
	if err != nil {
		slog.Error("failed to create upload store", "error", err)
		os.Exit(1)
	}

	snapshots, err := snapshot.New(catalog, cfg.Data.SnapshotDir())
	if err != nil {
		slog.Error("failed to create snapshot builder", "error", err)
		os.Exit(1)
	}
	if err := snapshots.Init(ctx); err != nil {
		slog.Error("failed to load current snapshot", "error", err)
		os.Exit(1)
	}
	if snap := snapshots.Current(); snap != nil {
		slog.Info("current snapshot loaded", "version", snap.Version, "entries", len(snap.Entries))
	}

	imports := importer.NewService(catalog, uploads, snapshots, importer.Config{
		PdfDir:        cfg.Data.PdfDir(),
		ZipDir:        cfg.Data.ZipDir(),
		MaxConcurrent: cfg.Import.MaxConcurrent,
		MaxWait:       cfg.Import.MaxWaitTime,
		JobTimeout:    cfg.Import.Timeout,
	})

	server := web.NewServer(cfg, uploads, imports, snapshots, catalog)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	go uploads.StartSweeper(jobCtx, cfg.Import.SweepInterval)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let running imports finish so their snapshot rebuild lands
		if active := imports.ActiveJobs(); active > 0 {
			slog.Info("waiting for imports to complete", "active", active)
			if err := imports.WaitForJobs(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	// Start server (uses addr from config internally)
	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
