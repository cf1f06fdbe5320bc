package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/device"
	"github.com/MrWong99/voicebridge/pkg/gemini"
)

const (
	defaultCaptureRate = 48000
	defaultFrameSize   = 1024
)

func talkCmd() *cobra.Command {
	var showTranscripts bool

	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Talk to the model using the local microphone and speakers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTalk(cmd.Context(), showTranscripts)
		},
	}
	cmd.Flags().BoolVar(&showTranscripts, "transcripts", true, "print conversation transcripts to stdout")
	return cmd
}

func runTalk(parent context.Context, showTranscripts bool) error {
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

	// ── Local audio devices ───────────────────────────────────────────────────
	captureRate := cfg.Audio.CaptureRate
	if captureRate == 0 {
		captureRate = defaultCaptureRate
	}
	frameSize := cfg.Audio.FrameSize
	if frameSize == 0 {
		frameSize = defaultFrameSize
	}

	capture, err := device.NewCapture(captureRate, frameSize)
	if err != nil {
		return err
	}
	playback, err := device.NewPlayback(gemini.OutputRate, frameSize)
	if err != nil {
		capture.Close()
		return err
	}

	// ── Bridge ────────────────────────────────────────────────────────────────
	managerOpts := []bridge.Option{
		bridge.WithSource(capture),
		bridge.WithPlayback(playback),
		bridge.WithMetrics(observe.DefaultMetrics()),
	}
	if showTranscripts {
		managerOpts = append(managerOpts, bridge.WithTranscriptHandler(printTranscript))
	}
	manager := bridge.NewManager(newConnector(apiKey, func() *config.Config { return cfg }), managerOpts...)

	sup := bridge.NewSupervisor(manager,
		bridge.WithRetryDelay(time.Duration(cfg.Reconnect.DelaySeconds)*time.Second),
	)

	slog.Info("starting conversation",
		"capture_rate", captureRate,
		"model", orDefault(cfg.Gemini.Model, "client default"),
		"voice", orDefault(cfg.Gemini.Voice, "model default"),
	)
	sup.Start(ctx)

	// A permanent device failure right at startup is not worth waiting on.
	// Transient failures also surface as StateError, but with a retry armed.
	if sup.State() == bridge.StateError && device.IsPermanent(sup.Err()) {
		err := sup.Err()
		sup.Stop()
		return err
	}

	fmt.Println("Listening. Speak into your microphone; Ctrl+C to quit.")
	<-ctx.Done()

	slog.Info("shutting down…")
	if err := sup.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printTranscript(tr gemini.Transcript) {
	label := "you"
	if tr.Speaker == gemini.SpeakerModel {
		label = "model"
	}
	fmt.Printf("[%s] %s\n", label, tr.Text)
}
