package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fresco/internal/app"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/server"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort    = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP   = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost    = flag.String("host", "", "Server host (overrides config)")
	metadataPath  = flag.String("metadata-path", "", "Metadata database directory (overrides config)")
	artifactsDir  = flag.String("artifacts-dir", "", "Artifact file directory (overrides config)")
	templatesDir  = flag.String("templates-dir", "", "Workflow template directory (overrides config)")
	engineAddress = flag.String("engine-address", "", "Workflow engine host:port (overrides config)")
	taskQueue     = flag.String("task-queue", "", "Worker task queue name (overrides config)")
	backendsFile  = flag.String("backends-file", "", "YAML file listing backend addresses (overrides config)")
	showVersion   = flag.Bool("version", false, "Print version information")
	showVersionV  = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Fresco version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("fresco.toml"); err == nil {
			configFiles = append(configFiles, "fresco.toml")
		}
	}

	// Load configuration (defaults -> files -> env -> CLI)
	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if finalPort != 0 {
		config.Server.Port = finalPort
	}
	if *serverHost != "" {
		config.Server.Host = *serverHost
	}
	if *metadataPath != "" {
		config.Storage.Badger.Path = *metadataPath
	}
	if *artifactsDir != "" {
		config.Artifacts.Dir = *artifactsDir
	}
	if *templatesDir != "" {
		config.Templates.Dir = *templatesDir
	}
	if *engineAddress != "" {
		config.Temporal.HostPort = *engineAddress
	}
	if *taskQueue != "" {
		config.Temporal.TaskQueue = *taskQueue
	}
	if *backendsFile != "" {
		config.Backends.File = *backendsFile
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Str("temporal", config.Temporal.HostPort).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start application")
	}

	srv := server.New(application)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Msg("Server goroutine panicked")
			}
		}()

		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
}
