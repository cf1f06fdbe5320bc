package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/health"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/relay"
	"github.com/MrWong99/voicebridge/internal/transcript"
	"github.com/MrWong99/voicebridge/pkg/gemini"
)

const defaultListenAddr = ":8080"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket relay server for remote capture endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	apiKey, err := apiKeyFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicebridge",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	met := observe.DefaultMetrics()

	// ── Transcript store (optional) ───────────────────────────────────────────
	var store *transcript.Store
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		store, err = transcript.Open(ctx, dsn)
		if err != nil {
			return err
		}
		slog.Info("transcript persistence enabled")
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Session parameters are read from the watcher at each client connect, so
	// a reload applies to the next session without touching live ones.
	watcher, err := config.NewWatcher(configPath, func(old, updated *config.Config) {
		d := config.Compare(old, updated)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			logLevelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.SessionChanged {
			slog.Info("session settings updated, applied to new client sessions")
		}
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	// ── Relay server ──────────────────────────────────────────────────────────
	relayOpts := []relay.Option{relay.WithMetrics(met)}
	if store != nil {
		relayOpts = append(relayOpts, relay.WithTranscriptHandler(persistTranscript(ctx, store)))
	}
	relaySrv := relay.New(newConnector(apiKey, watcher.Current), relayOpts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	checkers := []health.Checker{{
		Name: "relay",
		Check: func(context.Context) error {
			if relaySrv.Closed() {
				return errors.New("relay is shut down")
			}
			return nil
		},
	}}
	if store != nil {
		checkers = append(checkers, health.Checker{Name: "transcripts", Check: store.Ping})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	relaySrv.Register(mux)

	listenAddr := cfg.Server.ListenAddr
	if env := os.Getenv("VOICEBRIDGE_LISTEN_ADDR"); env != "" {
		listenAddr = env
	}
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	httpSrv := &http.Server{
		Addr:    listenAddr,
		Handler: observe.Middleware(met)(mux),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("voicebridge serving",
		"listen_addr", listenAddr,
		"model", orDefault(cfg.Gemini.Model, "client default"),
		"voice", orDefault(cfg.Gemini.Voice, "model default"),
		"transcripts", store != nil,
	)
	slog.Info("server ready, press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("http server failed", "err", err)
		return err
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, relaySrv.Close())
	if store != nil {
		store.Close()
	}
	errs = append(errs, otelShutdown(shutdownCtx))

	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	slog.Info("goodbye")
	return nil
}

// persistTranscript appends fragments to the store without blocking the
// session's receive loop.
func persistTranscript(ctx context.Context, store *transcript.Store) func(gemini.Transcript) {
	return func(tr gemini.Transcript) {
		go func() {
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			err := store.Append(writeCtx, transcript.Entry{
				Speaker:   tr.Speaker,
				Text:      tr.Text,
				Timestamp: tr.Timestamp,
			})
			if err != nil {
				slog.Warn("transcript append failed", "err", err)
			}
		}()
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
