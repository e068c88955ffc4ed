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
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/shohag/hookline/internal/api"
	"github.com/shohag/hookline/internal/clock"
	"github.com/shohag/hookline/internal/config"
	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/dispatch"
	"github.com/shohag/hookline/internal/eventbus"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/notify"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookline",
		Short: "Hookline: signed, retried webhook delivery",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(endpointCmd(&configPath))
	rootCmd.AddCommand(deliveryCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the wired core shared by serve and the admin subcommands.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     storage.Storage
	metrics   *metrics.Metrics
	eventLog  *notify.Log
	registry  *registry.Registry
	engine    *delivery.Engine
	scheduler *delivery.Scheduler
}

func newApp(configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging, logOut)

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	eventLog := notify.NewLog(cfg.EventLog.Capacity)
	notifier := notify.Multi{notify.NewLogNotifier(log), eventLog}
	clk := clock.RealClock{}

	reg := registry.New(store, notifier, clk, registry.Config{
		DefaultRetryPolicy: cfg.Retry.Policy(),
		Catalog:            cfg.Events.Catalog,
		StrictEvents:       cfg.Events.Strict,
	}, log)

	engine := delivery.NewEngine(
		reg,
		store,
		delivery.NewSender(cfg.Delivery.Timeout, cfg.Delivery.UserAgent),
		notifier,
		clk,
		m,
		delivery.Options{
			Environment:   cfg.Delivery.Environment,
			SchemaVersion: cfg.Delivery.SchemaVersion,
		},
		log,
	)

	scheduler := delivery.NewScheduler(engine, store, clk, delivery.SchedulerConfig{
		Workers:      cfg.Delivery.Workers,
		PollInterval: cfg.Delivery.PollInterval,
		BatchSize:    cfg.Delivery.BatchSize,
		StaleAfter:   cfg.Delivery.StaleAfter,
	}, log)

	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		metrics:   m,
		eventLog:  eventLog,
		registry:  reg,
		engine:    engine,
		scheduler: scheduler,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("failed to close storage")
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Hookline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg, log := a.cfg, a.log

			bus := eventbus.New(cfg.Dispatch.Buffer)
			dispatcher := dispatch.New(a.registry, a.engine, dispatch.Config{
				Workers:       cfg.Dispatch.Workers,
				DefaultTenant: cfg.Dispatch.DefaultTenant,
			}, a.metrics, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var dispatchers, schedulers conc.WaitGroup
			dispatchers.Go(func() { dispatcher.Run(ctx, bus) })
			schedulers.Go(func() { a.scheduler.Run(ctx) })

			server := api.NewServer(cfg.Server, api.Deps{
				Store:    a.store,
				Registry: a.registry,
				Engine:   a.engine,
				Bus:      bus,
				EventLog: a.eventLog,
				Metrics:  a.metrics,
			}, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Msg("Hookline is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			// Drain queued events before stopping the retry scheduler.
			bus.Close()
			dispatchers.Wait()
			cancel()
			schedulers.Wait()

			log.Info().Msg("Hookline stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging, os.Stdout)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			tenant, _ := cmd.Flags().GetString("tenant")
			stats, err := a.store.GetStats(cmd.Context(), tenant)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().String("tenant", "", "restrict to one tenant")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Hookline v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).
			With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "memory":
		log.Warn().Msg("using in-memory storage, deliveries and pending retries are lost on restart")
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
