package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/hooks"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "cds-hooks-server",
		Short:   "CDS Hooks service host",
		Version: version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(servicesCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CDS Hooks server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func servicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Inspect the declared CDS services",
	}

	fileFlag := func(c *cobra.Command) {
		c.Flags().String("file", "", "Services file (defaults to CDS_SERVICES_FILE)")
	}
	definitions := func(c *cobra.Command) ([]hooks.ServiceDefinition, error) {
		path, _ := c.Flags().GetString("file")
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return nil, err
			}
			path = cfg.CDSServicesFile
		}
		if path == "" {
			return nil, fmt.Errorf("no services file: pass --file or set CDS_SERVICES_FILE")
		}
		return hooks.LoadDefinitions(path)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List declared services",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definitions(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-30s %-20s %-8s %s\n", "ID", "HOOK", "LOGIC", "TITLE")
			for _, d := range defs {
				logic := d.Logic
				if logic == "" {
					logic = hooks.RulesLogicName
				}
				fmt.Fprintf(out, "%-30s %-20s %-8s %s\n", d.ID, d.Hook, logic, d.Title)
			}
			return nil
		},
	}
	fileFlag(listCmd)
	cmd.AddCommand(listCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check declared services without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definitions(cmd)
			if err != nil {
				return err
			}
			if err := hooks.ValidateDefinitions(hooks.NewLogicCatalog(), defs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d service(s) OK\n", len(defs))
			return nil
		},
	}
	fileFlag(validateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres backends",
	}

	withMigrator := func(f func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrations")
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		return f(ctx, db.NewMigrator(pool, db.Migrations, "migrations"))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth enabled: bearer tokens are not verified")
	}

	ctx := context.Background()

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    telemetry.DefaultServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		SamplerType:    cfg.TracingSampler,
		SamplerRatio:   cfg.TracingSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		_ = shutdownTracer(ctx)
		return err
	}
	defer srv.Close()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("prefix", hooks.NormalizePrefix(cfg.CDSHooksPath)).
			Int("services", srv.registry.Len()).
			Msg("starting cds hooks server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
