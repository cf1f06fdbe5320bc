package config_test

import (
	"testing"

	"github.com/MrWong99/voicebridge/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   config.LogInfo,
		},
		Gemini: config.GeminiConfig{
			Model: "gemini-2.0-flash-live-001",
			Voice: "Aoede",
		},
		Reconnect: config.ReconnectConfig{DelaySeconds: 3},
	}
}

func TestCompare_NoChanges(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	updated := baseConfig()

	d := config.Compare(old, updated)
	if !d.Empty() {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestCompare_LogLevelChange(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	updated := baseConfig()
	updated.Server.LogLevel = config.LogDebug

	d := config.Compare(old, updated)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q; want debug", d.NewLogLevel)
	}
	if d.SessionChanged || d.ReconnectChanged {
		t.Errorf("unrelated fields flagged: %+v", d)
	}
}

func TestCompare_SessionChange(t *testing.T) {
	t.Parallel()

	old := baseConfig()

	for _, mutate := range []func(*config.Config){
		func(c *config.Config) { c.Gemini.Model = "gemini-2.5-flash-live" },
		func(c *config.Config) { c.Gemini.Voice = "Puck" },
		func(c *config.Config) { c.Gemini.Instructions = "Speak only French." },
	} {
		updated := baseConfig()
		mutate(updated)

		d := config.Compare(old, updated)
		if !d.SessionChanged {
			t.Errorf("SessionChanged should be true for %+v", updated.Gemini)
		}
	}
}

func TestCompare_ReconnectChange(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	updated := baseConfig()
	updated.Reconnect.DelaySeconds = 10

	d := config.Compare(old, updated)
	if !d.ReconnectChanged {
		t.Error("ReconnectChanged should be true")
	}
}

func TestCompare_ListenAddrIsNotHotReloadable(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	updated := baseConfig()
	updated.Server.ListenAddr = ":9090"

	d := config.Compare(old, updated)
	if !d.Empty() {
		t.Errorf("listen_addr changes require a restart and must not appear in the diff, got %+v", d)
	}
}
