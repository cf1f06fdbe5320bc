// Command voicebridge bridges live audio between capture endpoints and the
// Gemini Live speech-to-speech service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/pkg/gemini"
)

// version is set via -ldflags at build time.
var version = "dev"

var configPath string

// logLevelVar backs every logger so the level can be changed at runtime when
// the config file is hot-reloaded.
var logLevelVar = new(slog.LevelVar)

func main() {
	// A .env file is optional; environment variables always win.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "voicebridge",
		Short:         "Live audio bridge to the Gemini Live speech service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(serveCmd())
	root.AddCommand(talkCmd())
	root.AddCommand(devicesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		os.Exit(1)
	}
}

// ── Shared setup ──────────────────────────────────────────────────────────────

// loadConfig loads and validates the config file, with a friendlier message
// when the file is simply missing.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}
	return cfg, nil
}

// apiKeyFromEnv reads the Gemini API key. It never comes from the config file
// so config files stay free of secrets.
func apiKeyFromEnv() (string, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return "", errors.New("GEMINI_API_KEY is not set")
	}
	return key, nil
}

// newConnector builds the session connector. Session parameters are read from
// current() at each dial, so config hot-reloads apply at the next session
// start without touching a live one.
func newConnector(apiKey string, current func() *config.Config) bridge.Connector {
	return bridge.ConnectorFunc(func(ctx context.Context) (bridge.Session, error) {
		cfg := current()

		var opts []gemini.Option
		if cfg.Gemini.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Gemini.Model))
		}
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}

		client := gemini.New(apiKey, opts...)
		return client.Connect(ctx, gemini.SessionConfig{
			Voice:        cfg.Gemini.Voice,
			Instructions: cfg.Gemini.Instructions,
		})
	})
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	logLevelVar.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevelVar}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
