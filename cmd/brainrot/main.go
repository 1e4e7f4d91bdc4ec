package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/app"
	"github.com/ternarybob/brainrot/internal/common"
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
	configFiles     configPaths // Multiple -config flags supported
	envFile         = flag.String("env", ".env", "Environment file loaded before config (missing file is ignored)")
	serverPort      = flag.Int("port", 0, "Status server port (overrides config)")
	serverPortP     = flag.Int("p", 0, "Status server port (shorthand, overrides config)")
	serverHost      = flag.String("host", "", "Status server host (overrides config)")
	shutdownTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "How long running steps may drain on shutdown")
	showVersion     = flag.Bool("version", false, "Print version information")
	showVersionV    = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	defer common.RecoverWithCrashFile()

	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Brainrot version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Startup sequence:
	// 1. .env into the process environment
	// 2. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 3. Apply CLI overrides
	// 4. Validate, then initialize logger and print banner
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			arbor.NewLogger().Warn().Err(err).Str("path", *envFile).Msg("Failed to load env file")
		}
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("brainrot.toml"); err == nil {
			configFiles = append(configFiles, "brainrot.toml")
		} else if _, err := os.Stat("deployments/local/brainrot.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/brainrot.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Error().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}

	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	if err := config.Validate(); err != nil {
		arbor.NewLogger().Error().Err(err).Msg("Configuration is invalid")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(config, logger)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Str("work_dir", config.Pipeline.WorkDir).
		Msg("Resolved configuration")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	if err := application.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start application")
		shutdown(application, logger)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Interrupt signal received")
	case err := <-application.Errors():
		logger.Error().Err(err).Msg("Fatal runtime error")
		exitCode = 1
	}

	if !shutdown(application, logger) {
		exitCode = 1
	}
	os.Exit(exitCode)
}

// shutdown drains the application and reports whether it closed cleanly
func shutdown(application *app.App, logger arbor.ILogger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()

	if err := application.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown completed with errors")
		return false
	}
	logger.Info().Msg("Shutdown complete")
	return true
}
