// Command procgate runs the stored-procedure gateway.
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

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"procgate/internal/app"
	"procgate/internal/config"
	"procgate/internal/db"
	"procgate/internal/middleware"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "procgate",
		Short:         "Stored-procedure gateway for AI agent callers",
		Long:          "procgate exposes a closed allow-list of stored procedures over HTTP, with input screening, transactional execution, and a full audit trail.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to a .env file (optional)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending audit store migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			auditDB, err := db.OpenSQLite(cfg.AuditDBPath, db.PoolOptions{})
			if err != nil {
				return err
			}
			defer auditDB.Close() //nolint:errcheck
			return db.RunMigrations(auditDB)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	auditDB, err := db.OpenSQLite(cfg.AuditDBPath, db.PoolOptions{})
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer auditDB.Close() //nolint:errcheck
	if err := db.RunMigrations(auditDB); err != nil {
		return fmt.Errorf("migrate audit store: %w", err)
	}

	businessDB, err := openBusinessDB(cfg)
	if err != nil {
		return fmt.Errorf("open business database: %w", err)
	}
	defer businessDB.Close() //nolint:errcheck

	validator, err := buildValidator(ctx, cfg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, app.Deps{
		Cfg:        cfg,
		AuditDB:    auditDB,
		BusinessDB: businessDB,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Sweeper.Start(); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           application.Router(cfg, validator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openBusinessDB opens the database the registered procedures run against.
// SQLite paths get the hardened pool settings; other drivers use the DSN
// verbatim.
func openBusinessDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.BusinessDBDriver == "sqlite3" {
		return db.OpenSQLite(cfg.BusinessDSN, db.PoolOptions{})
	}
	return db.Open(cfg.BusinessDBDriver, cfg.BusinessDSN)
}

func buildValidator(ctx context.Context, cfg *config.Config) (middleware.TokenValidator, error) {
	if cfg.Auth.OIDCEnabled() {
		return middleware.NewOIDCValidator(ctx, cfg.Auth.IssuerURL, cfg.Auth.Audience, cfg.Auth.AllowedIssuers)
	}
	if cfg.Auth.JWTSecret != "" {
		return middleware.NewHS256Validator(cfg.Auth.JWTSecret)
	}
	return nil, fmt.Errorf("no authentication configured: set AUTH_ISSUER_URL or JWT_SECRET")
}
