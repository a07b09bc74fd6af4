package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tesa-overwatch/api"
	"tesa-overwatch/api/services"
	"tesa-overwatch/pkg/artifacts"
	"tesa-overwatch/pkg/broadcast"
	"tesa-overwatch/pkg/config"
	"tesa-overwatch/pkg/logging"
	"tesa-overwatch/pkg/pipeline"
	embeddednats "tesa-overwatch/pkg/services/embedded-nats"
	"tesa-overwatch/pkg/services/workers"
	"tesa-overwatch/pkg/shared"
	"tesa-overwatch/pkg/telemetry"
	"tesa-overwatch/pkg/watcher"
)

var version = "dev"

type flags struct {
	configPath string
	dataDir    string
	port       int
	logLevel   string
}

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	var f flags
	rootCmd := &cobra.Command{
		Use:           "overwatch",
		Short:         "Drone detection dashboard backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			if envErr == nil {
				logging.Debug().Msg("loaded environment from .env file")
			}
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&f.configPath, "config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&f.dataDir, "data-dir", "", "Directory holding csv/, image/ and detected/")
	rootCmd.PersistentFlags().IntVar(&f.port, "port", 0, "HTTP listen port")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(setupPathsCommand(&f), setupVersionCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Error().Err(err).Msg("overwatch exited with error")
		stop()
		os.Exit(1)
	}
}

func setupPathsCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the resolved artifact directories and what they contain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *f)
			if err != nil {
				return err
			}
			scanner := artifacts.NewScanner(cfg.Storage.IOTimeout)
			svc := services.NewArtifactService(dirsFor(cfg), scanner, artifacts.NewLookup(scanner, cfg.CSVDir(), cfg.Lookup.CacheTTL))

			enc := gojson.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(svc.DebugPaths(cmd.Context()))
		},
	}
}

func setupVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir = f.dataDir
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if abs, err := filepath.Abs(cfg.Storage.DataDir); err == nil {
		cfg.Storage.DataDir = abs
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Caller:     cfg.Logging.Caller,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	return cfg, nil
}

func dirsFor(cfg *config.Config) services.Dirs {
	return services.Dirs{
		Data:     cfg.Storage.DataDir,
		CSV:      cfg.CSVDir(),
		Image:    cfg.ImageDir(),
		Detected: cfg.DetectedDir(),
	}
}

func initNATS(cfg config.NATSConfig) (*embeddednats.EmbeddedNATS, error) {
	natsCfg := embeddednats.DefaultConfig()
	natsCfg.Host = cfg.Host
	natsCfg.Port = cfg.Port
	natsCfg.DataDir = cfg.DataDir
	natsCfg.MaxPayload = cfg.MaxPayload

	bus, err := embeddednats.New(natsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS: %w", err)
	}
	if err := bus.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if err := bus.CreateEventStream(); err != nil {
		return nil, fmt.Errorf("failed to create event stream: %w", err)
	}
	if err := bus.CreateDurableConsumer(shared.StreamEvents, shared.ConsumerEventRelay, shared.SubjectEventsAll); err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", shared.ConsumerEventRelay, err)
	}
	return bus, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.With("main")
	log.Info().
		Str("version", version).
		Str("data_dir", cfg.Storage.DataDir).
		Str("addr", cfg.Addr()).
		Msg("starting overwatch")

	manager := workers.NewManager("overwatch", cfg.Server.ShutdownTimeout)

	hub := broadcast.NewHub()
	manager.Add(hub)

	// Producers publish to the bus when it is enabled and the relay forwards
	// to the hub; otherwise they publish to the hub directly.
	var publisher broadcast.Publisher = hub
	var bus *embeddednats.EmbeddedNATS
	if cfg.NATS.Enabled {
		var err error
		bus, err = initNATS(cfg.NATS)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := bus.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to shutdown NATS")
			}
		}()
		publisher = bus
		manager.Add(workers.NewRelayWorker(bus.JetStream(), hub))
	}

	dirs := dirsFor(cfg)
	scanner := artifacts.NewScanner(cfg.Storage.IOTimeout)
	lookup := artifacts.NewLookup(scanner, dirs.CSV, cfg.Lookup.CacheTTL)

	router := telemetry.NewRouter(telemetry.NewRegistry(), publisher, telemetry.Options{
		DefaultID:   cfg.Telemetry.DefaultDroneID,
		DefaultName: cfg.Telemetry.DefaultDroneName,
	})

	snapshots := pipeline.NewSnapshotter(scanner, lookup, publisher)
	manager.Add(watcher.New(watcher.Options{
		ImageDir:   dirs.Image,
		CSVDir:     dirs.CSV,
		Window:     cfg.Watcher.DebounceWindow,
		Scanner:    scanner,
		Flush:      snapshots.Flush,
		OnCSVEvent: func(string) { lookup.Invalidate() },
		Seed:       true,
	}))

	manager.Add(workers.NewFileWorker(cfg.TeamDronesFile(), cfg.Telemetry.PollInterval, router))

	deps := api.Deps{
		Artifacts:      services.NewArtifactService(dirs, scanner, lookup),
		Uploads:        services.NewUploadService(dirs, router, lookup, publisher),
		Cameras:        services.NewCameraService(cfg.CamerasFile(), scanner),
		Telemetry:      router,
		Hub:            hub,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		WriteRateLimit: cfg.Server.WriteRateLimit,
		Version:        version,
	}
	if bus != nil {
		deps.Bus = bus
	}
	if cfg.MQTT.Enabled() {
		mqttWorker := workers.NewMQTTWorker(cfg.MQTT, router)
		manager.Add(mqttWorker)
		deps.MQTT = mqttWorker
	}

	deps.Artifacts.Diagnose(ctx)

	handlers := api.NewHandlers(deps)
	manager.Add(api.NewServer(
		cfg.Addr(),
		handlers.Routes(),
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
		cfg.Server.ShutdownTimeout,
	))

	err := manager.Serve(ctx)
	if ctx.Err() != nil {
		log.Info().Msg("shutdown complete")
		return nil
	}
	return err
}
