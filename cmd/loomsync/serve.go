package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	// Database drivers for the SQL update log.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/loomsync/loomsync/internal/admin"
	"github.com/loomsync/loomsync/pkg/relay"
	"github.com/loomsync/loomsync/pkg/store"
)

type serveOptions struct {
	addr      string
	adminAddr string

	backend string
	dsn     string
	table   string

	s3Bucket   string
	s3Prefix   string
	s3Region   string
	s3Endpoint string

	adminToken      string
	memberships     string
	allowAnyOrigin  bool
	maxSessions     int
	replayBatchSize int
	replayPause     time.Duration
	shutdownTimeout time.Duration
	logLevel        string
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync relay and admin API",
		Long: `Run the WebSocket relay on --addr and the admin API on --admin-addr.

The durable update log backend is selected with --backend:

  memory    in-process only, lost on restart
  sqlite    --dsn is a file path (or :memory:)
  postgres  --dsn is a PostgreSQL connection string
  redis     --dsn is a redis:// URL`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":8080", "relay listen address")
	flags.StringVar(&opts.adminAddr, "admin-addr", ":9090", "admin API listen address")
	flags.StringVar(&opts.backend, "backend", "memory", "update log backend (memory|sqlite|postgres|redis)")
	flags.StringVar(&opts.dsn, "dsn", "", "backend connection string")
	flags.StringVar(&opts.table, "table", "", "SQL table name override")
	flags.StringVar(&opts.s3Bucket, "s3-bucket", "", "archive pruned records to this S3 bucket")
	flags.StringVar(&opts.s3Prefix, "s3-prefix", "", "S3 key prefix for archives")
	flags.StringVar(&opts.s3Region, "s3-region", "us-east-1", "S3 region")
	flags.StringVar(&opts.s3Endpoint, "s3-endpoint", "", "S3 endpoint override (e.g. MinIO)")
	flags.StringVar(&opts.adminToken, "admin-token", "", "bearer token for the admin API (empty disables auth)")
	flags.StringVar(&opts.memberships, "memberships", "", "JSON file mapping workspaces to member users")
	flags.BoolVar(&opts.allowAnyOrigin, "allow-any-origin", false, "disable the same-origin check on upgrades")
	flags.IntVar(&opts.maxSessions, "max-sessions", 0, "max concurrent sessions per workspace (0 = unlimited)")
	flags.IntVar(&opts.replayBatchSize, "replay-batch-size", 64, "stored updates per replay batch")
	flags.DurationVar(&opts.replayPause, "replay-batch-pause", 20*time.Millisecond, "pause between replay batches")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	return cmd
}

func runServe(opts *serveOptions) error {
	logger := newLogger(opts.logLevel)
	ctx := context.Background()

	log, err := openLog(ctx, opts)
	if err != nil {
		return err
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if opts.s3Bucket != "" {
		storeOpts = append(storeOpts, store.WithArchiver(newArchiver(opts)))
		logger.Info("archiving pruned records", "bucket", opts.s3Bucket)
	}
	updates := store.New(log, storeOpts...)

	auth, err := newFileAuthorizer(opts.memberships)
	if err != nil {
		return err
	}

	sessionConfig := relay.DefaultSessionConfig()
	sessionConfig.ReplayBatchSize = opts.replayBatchSize
	sessionConfig.ReplayBatchPause = opts.replayPause

	serverConfig := relay.DefaultServerConfig().
		WithSessionConfig(sessionConfig).
		WithMaxSessionsPerWorkspace(opts.maxSessions)
	if opts.allowAnyOrigin {
		serverConfig = serverConfig.WithCheckOrigin(func(*http.Request) bool { return true })
	}
	serverConfig.ShutdownTimeout = opts.shutdownTimeout

	relayServer := relay.NewServer(serverConfig, auth, updates, logger)

	relayMux := chi.NewRouter()
	relayMux.Handle("/sync", relayServer.Handler())

	adminServer := admin.New(updates, relayServer.Registry(), relayServer.Metrics(), opts.adminToken, logger)

	httpRelay := &http.Server{Addr: opts.addr, Handler: relayMux}
	httpAdmin := &http.Server{Addr: opts.adminAddr, Handler: adminServer.Router()}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("relay listening", "addr", opts.addr)
		if err := httpRelay.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("admin listening", "addr", opts.adminAddr)
		if err := httpAdmin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, opts.shutdownTimeout)
	defer cancel()

	if err := relayServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown incomplete", "error", err)
	}
	_ = httpRelay.Shutdown(shutdownCtx)
	_ = httpAdmin.Shutdown(shutdownCtx)
	if err := updates.Close(); err != nil {
		logger.Warn("store close failed", "error", err)
	}

	logger.Info("stopped")
	return nil
}

// newLogger builds the process logger at the requested level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openLog constructs the durable update log for the chosen backend.
func openLog(ctx context.Context, opts *serveOptions) (store.Log, error) {
	sqlOpts := []store.SQLLogOption{}
	if opts.table != "" {
		sqlOpts = append(sqlOpts, store.WithSQLTableName(opts.table))
	}

	switch opts.backend {
	case "memory":
		return store.NewMemoryLog(), nil

	case "sqlite":
		if opts.dsn == "" {
			return nil, fmt.Errorf("--dsn required for sqlite backend")
		}
		db, err := sql.Open("sqlite3", opts.dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log := store.NewSQLLog(db, append(sqlOpts, store.WithSQLDialect(store.DialectSQLite))...)
		if err := log.CreateTable(ctx); err != nil {
			return nil, fmt.Errorf("create table: %w", err)
		}
		return log, nil

	case "postgres":
		if opts.dsn == "" {
			return nil, fmt.Errorf("--dsn required for postgres backend")
		}
		db, err := sql.Open("postgres", opts.dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		log := store.NewSQLLog(db, append(sqlOpts, store.WithSQLDialect(store.DialectPostgreSQL))...)
		if err := log.CreateTable(ctx); err != nil {
			return nil, fmt.Errorf("create table: %w", err)
		}
		return log, nil

	case "redis":
		if opts.dsn == "" {
			return nil, fmt.Errorf("--dsn required for redis backend")
		}
		return store.NewRedisLogURL(ctx, opts.dsn)

	default:
		return nil, fmt.Errorf("unknown backend %q", opts.backend)
	}
}

// newArchiver builds the S3 archiver from flags and environment
// credentials (AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY).
func newArchiver(opts *serveOptions) *store.S3Archiver {
	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		}, nil
	})

	s3Opts := awss3.Options{
		Region:      opts.s3Region,
		Credentials: creds,
	}
	if opts.s3Endpoint != "" {
		s3Opts.BaseEndpoint = aws.String(opts.s3Endpoint)
		s3Opts.UsePathStyle = true
	}

	return store.NewS3Archiver(awss3.New(s3Opts), opts.s3Bucket, opts.s3Prefix)
}
