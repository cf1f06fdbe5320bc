package config

// Diff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; network and
// hardware settings require a restart.
type Diff struct {
	// LogLevelChanged is true when server.log_level differs.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any Gemini session parameter (model, voice,
	// instructions) differs. Applied when the next session starts.
	SessionChanged bool

	// ReconnectChanged is true when the reconnect delay differs.
	ReconnectChanged bool
}

// Empty reports whether the diff contains no hot-reloadable changes.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.ReconnectChanged
}

// Compare returns what changed between old and updated that can be applied
// without restarting the server.
func Compare(old, updated *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != updated.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = updated.Server.LogLevel
	}

	if old.Gemini != updated.Gemini {
		d.SessionChanged = true
	}

	if old.Reconnect != updated.Reconnect {
		d.ReconnectChanged = true
	}

	return d
}
