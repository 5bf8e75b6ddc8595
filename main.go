// Package main provides the entry point for the vcplay server.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vcplay/vcplay/internal/backend"
	"github.com/vcplay/vcplay/internal/bridge"
	"github.com/vcplay/vcplay/internal/cache"
	"github.com/vcplay/vcplay/internal/config"
	"github.com/vcplay/vcplay/internal/fallback"
	"github.com/vcplay/vcplay/internal/lifecycle"
	"github.com/vcplay/vcplay/internal/logging"
	"github.com/vcplay/vcplay/internal/playback"
	"github.com/vcplay/vcplay/internal/server"
	"github.com/vcplay/vcplay/internal/telegram"
	"github.com/vcplay/vcplay/internal/telegram/mock"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	port       int
	logLevel   string
	engine     string

	rootCmd = &cobra.Command{
		Use:   "vcplay",
		Short: "Stream music into Telegram voice chats over HTTP",
		Long: paragraph(
			fmt.Sprintf("\nStream music into Telegram voice chats, %s!", keyword("driven by plain HTTP")),
		),
		SilenceErrors: false,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          execute,
	}
)

func execute(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err //nolint:wrapcheck
	}

	// Flags take precedence over file and environment.
	if cmd.Flags().Changed("port") {
		cfg.Port = port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("engine") {
		cfg.Engine = engine
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err //nolint:wrapcheck
	}
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug("Using configuration file", "path", used)
	}

	return run(cmd.Context(), cfg, logger)
}

// collaborators returns the factories for the configured call engine.
func collaborators(cfg config.Config, logger *log.Logger) (telegram.ClientFactory, telegram.EngineFactory, error) {
	switch cfg.Engine {
	case "mock":
		logger.Warn("Using the in-process mock call engine; no audio reaches Telegram",
			"play_duration", cfg.MockPlayDuration)
		return mock.NewClient, mock.Factory(cfg.MockPlayDuration), nil
	default:
		return nil, nil, fmt.Errorf("unsupported engine %q", cfg.Engine)
	}
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	registry, err := backend.NewRegistry(cfg.Backends()...)
	if err != nil {
		return fmt.Errorf("unable to build backend registry: %w", err)
	}
	logger.Info("Download backends", "order", registry.Names())

	store, err := cache.New(cfg.CacheOptions(), cache.NewLockManager(), logger)
	if err != nil {
		return fmt.Errorf("unable to create download cache: %w", err)
	}

	ctrl := playback.New(fallback.New(registry, store, logger), playback.Options{
		NotifyTarget: cfg.NotifyTarget,
		NotifyRate:   cfg.NotifyRate,
		NotifyBurst:  cfg.NotifyBurst,
	}, logger)

	newClient, newEngine, err := collaborators(cfg, logger)
	if err != nil {
		return err
	}
	runtime, err := ctrl.Register(bridge.NewBuilder()).Build(bridge.Options{
		Session:       cfg.Session,
		NewClient:     newClient,
		NewEngine:     newEngine,
		QueueSize:     cfg.QueueSize,
		SubmitTimeout: cfg.SubmitTimeout,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("unable to build runtime: %w", err)
	}
	ctrl.Bind(runtime)

	// Components stop in reverse registration order.
	lm := lifecycle.New(cfg.ShutdownTimeout, logger)
	lm.Register(runtime)
	lm.Register(lifecycle.Func{
		ComponentName: "download cache",
		Stop: func(context.Context) error {
			if cfg.PurgeOnShutdown {
				if err := store.Purge(); err != nil {
					logger.Warn("Purging cache failed", "error", err)
				}
			}
			logger.Info("Cache closed", "stats", store.Stats())
			return store.Close()
		},
	})

	if err := runtime.Start(ctx); err != nil {
		_ = lm.Shutdown()
		return fmt.Errorf("runtime startup failed: %w", err)
	}

	sweeper, err := cache.NewSweeper(store, cfg.SweepSchedule, logger)
	if err != nil {
		_ = lm.Shutdown()
		return err //nolint:wrapcheck
	}
	lm.Register(sweeper)

	if cfg.WatchCache {
		if w, err := cache.NewWatcher(store); err != nil {
			logger.Warn("Could not watch cache directory", "error", err)
		} else {
			lm.Register(w)
		}
	}

	srv := server.New(server.Options{
		Addr:         cfg.Addr(),
		RestartDelay: cfg.RestartDelay,
		Restart: func() {
			_ = lm.Shutdown()
			logger.Warn("Exiting for restart")
			os.Exit(1)
		},
	}, ctrl, registry, runtime, store, logger)
	lm.Register(srv)
	lm.Start()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run() }()

	select {
	case err := <-serveErr:
		_ = lm.Shutdown()
		return err
	case <-lm.Done():
		return lm.Shutdown()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	defaults := config.Default()
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().IntVarP(&port, "port", "p", defaults.Port, "port the HTTP API listens on")
	rootCmd.Flags().StringVar(&logLevel, "log-level", defaults.LogLevel, "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&engine, "engine", defaults.Engine, fmt.Sprintf("call engine %v", config.Engines))

	rootCmd.AddCommand(configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "vcplay")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "vcplay")}, dirs...)
	}

	if c := os.Getenv("VCPLAY_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("vcplay")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "vcplay.yml")
	}
}
