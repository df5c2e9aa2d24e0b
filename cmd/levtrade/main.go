// Command levtrade is the entry point for the leveraged trading engine. It
// loads configuration, validates it, wires dependencies, sets up signal
// handling, and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bitsimlab/levtrade/internal/app"
	"github.com/bitsimlab/levtrade/internal/config"
	"github.com/bitsimlab/levtrade/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptPath := flag.String("encrypt-secret", "", "read a secret from stdin, write it encrypted to this path, and exit")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Provisioning mode: encrypt a secret for api_key_encrypted_path.
	if *encryptPath != "" {
		if err := encryptSecretToFile(*encryptPath); err != nil {
			logger.Error("failed to encrypt secret", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("encrypted secret written", slog.String("path", *encryptPath))
		return
	}

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("trading engine starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Info("configuration loaded", slog.Any("config", config.RedactedConfig(cfg)))

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("trading engine stopped")
}

// encryptSecretToFile reads the plaintext secret from stdin and the password
// from LEVTRADE_SECRET_PASSWORD, then writes the encrypted blob to path.
func encryptSecretToFile(path string) error {
	password := os.Getenv("LEVTRADE_SECRET_PASSWORD")
	if password == "" {
		return errors.New("LEVTRADE_SECRET_PASSWORD must be set")
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read secret from stdin: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	return crypto.WriteSecretFile(path, secret, password)
}
