package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wudi/eventrelay/internal/config"
	"github.com/wudi/eventrelay/internal/logging"
	"github.com/wudi/eventrelay/internal/server"
	"github.com/wudi/eventrelay/internal/shutdown"
	"github.com/wudi/eventrelay/internal/transform"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (environment only when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration, compile the programs, print the effective configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Event Relay %s (built %s)\n", version, buildTime)
		return 0
	}

	// Load configuration
	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	if *validateOnly {
		if err := validatePrograms(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render configuration: %v\n", err)
			return 1
		}
		fmt.Printf("Configuration is valid\n\n%s", out)
		return 0
	}

	// Initialize structured logger
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting Event Relay",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("tls", cfg.Server.TLS.Enabled()),
		zap.String("sink", cfg.Sink.URL),
	)

	srv, err := server.New(cfg)
	if err != nil {
		logging.Error("Failed to create relay", zap.Error(err))
		return 1
	}

	return srv.Run(context.Background(), notifySignals())
}

// notifySignals maps SIGINT to a graceful drain and SIGTERM to an immediate
// one.
func notifySignals() <-chan shutdown.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	signals := make(chan shutdown.Signal, 1)
	go func() {
		for sig := range quit {
			if sig == syscall.SIGTERM {
				signals <- shutdown.Immediate
			} else {
				signals <- shutdown.Graceful
			}
		}
	}()
	return signals
}

func validatePrograms(cfg *config.Config) error {
	if _, err := transform.CompileFile(cfg.Transform.File, cfg.Transform.Language); err != nil {
		return err
	}
	if cfg.ResponseTransform.File != "" {
		if _, err := transform.CompileFile(cfg.ResponseTransform.File, cfg.ResponseTransform.Language); err != nil {
			return err
		}
	}
	return nil
}
