package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidVoices lists the prebuilt Gemini Live voice names known at the time of
// writing. Used by [Validate] to warn about likely typos; unknown names are
// not rejected because the service adds voices over time.
var ValidVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Gemini
	if cfg.Gemini.Voice != "" && !slices.Contains(ValidVoices, cfg.Gemini.Voice) {
		slog.Warn("unknown voice name, may be a typo or a newly added voice",
			"voice", cfg.Gemini.Voice,
			"known", ValidVoices,
		)
	}

	// Audio
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must not be negative", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.CaptureRate > 0 && (cfg.Audio.CaptureRate < 8000 || cfg.Audio.CaptureRate > 192000) {
		slog.Warn("audio.capture_rate is outside the usual range for microphone hardware",
			"capture_rate", cfg.Audio.CaptureRate,
		)
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}

	// Reconnect
	if cfg.Reconnect.DelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("reconnect.delay_seconds %d must not be negative", cfg.Reconnect.DelaySeconds))
	}

	// Memory
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; conversation transcripts will not be persisted")
	}

	return errors.Join(errs...)
}
