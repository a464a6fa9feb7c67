// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/sweeparr/internal/api"
	"github.com/autobrr/sweeparr/internal/api/handlers"
	"github.com/autobrr/sweeparr/internal/buildinfo"
	"github.com/autobrr/sweeparr/internal/config"
	"github.com/autobrr/sweeparr/internal/database"
	"github.com/autobrr/sweeparr/internal/domain"
	"github.com/autobrr/sweeparr/internal/hardlinks"
	"github.com/autobrr/sweeparr/internal/metrics"
	"github.com/autobrr/sweeparr/internal/models"
	"github.com/autobrr/sweeparr/internal/services/notifications"
	"github.com/autobrr/sweeparr/internal/services/queueclean"
	"github.com/autobrr/sweeparr/internal/services/seedclean"
	"github.com/autobrr/sweeparr/internal/torrentclient"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "sweeparr",
		Short: "Queue and seeding cleanup for arr stacks",
		Long: `sweeparr - A cleanup engine for Sonarr/Radarr download queues.

Strikes out stalled, slow and blocked downloads, removes torrents that
have met their seeding goals, and quarantines torrents without a
hardlinked library copy.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunCleanCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/sweeparr/). For backward compatibility, can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sweeparr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/sweeparr/config.toml

You can specify either a directory path or a direct file path:
- Directory: sweeparr generate-config --config-dir /path/to/config/
- File: sweeparr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func RunCleanCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		job       string
		dryRun    bool
	)

	command := &cobra.Command{
		Use:   "clean",
		Short: "Run a single cleaning pass and exit",
		Long: `Run one cleaning pass without starting the server.

Useful from cron or for trying out rules. The pass runs even when the
corresponding scheduler is disabled in the config; pass --dry-run to
force decision logging without touching anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if job != "queue" && job != "seeding" && job != "all" {
				return fmt.Errorf("invalid --job %q: must be queue, seeding or all", job)
			}

			app := NewApplication(configDir, dataDir, logPath)
			return app.runClean(cmd.Context(), job, dryRun)
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().StringVar(&job, "job", "all", "which pass to run: queue, seeding or all")
	command.Flags().BoolVar(&dryRun, "dry-run", false, "force dry-run regardless of config")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

// services holds everything built from config that both the server and the
// one-shot clean command need.
type services struct {
	cfg *config.AppConfig
	db  *database.DB

	arrStore    *models.ArrInstanceStore
	clientStore *models.ClientInstanceStore
	ruleStore   *models.RuleStore
	itemStore   *models.DownloadItemStore
	runStore    *models.JobRunStore

	pool     *torrentclient.Pool
	registry *prometheus.Registry

	queueClean *queueclean.Service
	seedClean  *seedclean.Service
}

func (app *Application) buildServices() (*services, error) {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("SWEEPARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("SWEEPARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	arrStore, err := models.NewArrInstanceStore(db, cfg.GetEncryptionKey())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize arr instance store: %w", err)
	}
	clientStore, err := models.NewClientInstanceStore(db, cfg.GetEncryptionKey())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize client instance store: %w", err)
	}
	ruleStore := models.NewRuleStore(db)
	itemStore := models.NewDownloadItemStore(db)
	runStore := models.NewJobRunStore(db)

	pool := torrentclient.NewPool(clientStore)

	var notifier notifications.Notifier = notifications.NewLogNotifier()
	if url := cfg.Config.NotificationsWebhookURL; url != "" {
		notifier = notifications.NewMultiNotifier(
			notifications.NewLogNotifier(),
			notifications.NewWebhookNotifier(url),
		)
	}

	var registry *prometheus.Registry
	var collector *metrics.Collector
	if cfg.Config.MetricsEnabled {
		registry = prometheus.NewRegistry()
		collector = metrics.NewCollector(registry)
	}

	queueCleanService := queueclean.NewService(
		cfg.Config.QueueClean,
		arrStore,
		clientStore,
		ruleStore,
		runStore,
		queueclean.NewStrikeTracker(itemStore),
		queueclean.PoolSource{Pool: pool},
		notifier,
		collector,
	)

	seedCleanService := seedclean.NewService(
		cfg.Config.SeedClean,
		clientStore,
		ruleStore,
		runStore,
		seedclean.PoolSource{Pool: pool},
		hardlinks.NewChecker(),
		notifier,
		collector,
	)

	// Config-file edits reach the services on their next pass.
	cfg.RegisterReloadListener(func(c *domain.Config) {
		queueCleanService.SetConfig(c.QueueClean)
		seedCleanService.SetConfig(c.SeedClean)
	})

	return &services{
		cfg:         cfg,
		db:          db,
		arrStore:    arrStore,
		clientStore: clientStore,
		ruleStore:   ruleStore,
		itemStore:   itemStore,
		runStore:    runStore,
		pool:        pool,
		registry:    registry,
		queueClean:  queueCleanService,
		seedClean:   seedCleanService,
	}, nil
}

func (s *services) close() {
	if err := s.pool.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close client pool")
	}
	if err := s.db.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}

func (app *Application) runServer() {
	svc, err := app.buildServices()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	defer svc.close()

	log.Info().Str("version", buildinfo.Version).Msg("Starting sweeparr")

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()
	go svc.queueClean.Start(schedulerCtx)
	go svc.seedClean.Start(schedulerCtx)

	httpServer := api.NewServer(&api.Dependencies{
		Config:      svc.cfg,
		Version:     buildinfo.Version,
		ArrStore:    svc.arrStore,
		ClientStore: svc.clientStore,
		RuleStore:   svc.ruleStore,
		ItemStore:   svc.itemStore,
		RunStore:    svc.runStore,
		JobRunners: map[string]handlers.JobRunner{
			"queue-clean": svc.queueClean,
			"seed-clean":  svc.seedClean,
		},
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	if svc.cfg.Config.MetricsEnabled {
		// Metrics stay on their own port so the main API can sit behind auth
		// proxies without exposing scrape data.
		go func() {
			metricsServer := metrics.NewMetricsServer(
				svc.registry,
				svc.cfg.Config.MetricsHost,
				svc.cfg.Config.MetricsPort,
			)

			errorChannel <- metricsServer.ListenAndServe()
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	schedulerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		os.Exit(1)
	}
}

func (app *Application) runClean(ctx context.Context, job string, dryRun bool) error {
	if dryRun {
		os.Setenv("SWEEPARR__QUEUE_CLEAN_DRY_RUN", "true")
		os.Setenv("SWEEPARR__SEED_CLEAN_DRY_RUN", "true")
	}

	svc, err := app.buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	if job == "queue" || job == "all" {
		if err := svc.queueClean.RunOnce(ctx); err != nil {
			return fmt.Errorf("queue cleaning pass failed: %w", err)
		}
	}
	if job == "seeding" || job == "all" {
		if err := svc.seedClean.RunOnce(ctx); err != nil {
			return fmt.Errorf("seeding cleanup pass failed: %w", err)
		}
	}

	return nil
}
