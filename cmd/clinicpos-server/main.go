package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicpos/clinicpos/internal/config"
	"github.com/clinicpos/clinicpos/internal/platform/db"
	"github.com/clinicpos/clinicpos/internal/platform/events"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicpos-server",
		Short:        "Clinic point-of-sale backbone",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(claimsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// logOutput keeps stdout free for command output.
var logOutput io.Writer = os.Stderr

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: logOutput}).With().Timestamp().Logger()
	}
	return zerolog.New(logOutput).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the POS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run postgres migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", db.ClinicSchema("default"), "Target schema for migrations")
		c.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
		cmd.AddCommand(c)
	}
	return cmd
}

// withMigrator connects to postgres and hands fn a migrator reading the
// --dir flag or MIGRATIONS_DIR.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, os.DirFS(dir)))
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinic schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				pool := m.Pool()
				fmt.Printf("Creating clinic schema: %s\n", db.ClinicSchema(id))
				if err := db.CreateClinicSchema(ctx, pool, id, m); err != nil {
					return err
				}
				fmt.Println("Clinic created successfully.")
				return nil
			})
		},
	}
	createCmd.Flags().String("id", "", "Clinic identifier (alphanumeric and underscore)")
	createCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")

	cmd.AddCommand(createCmd)
	return cmd
}

func claimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Inspect and repair item claims",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Release every expired claim now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			a := newApp(cfg, st, nil, logger)
			n, err := a.sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("Released %d expired claim(s).\n", n)
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer st.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	var broker events.Publisher
	if cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		defer amqpPub.Close()
		broker = amqpPub
		logger.Info().Str("queue", cfg.AMQPQueue).Msg("publishing events to broker")
	}

	a := newApp(cfg, st, broker, logger)
	e := a.router()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go a.runMaintenance(bgCtx, cfg.SweepInterval)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
