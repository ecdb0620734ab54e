package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied to a running session without reconnecting are tracked;
// everything else sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GateChanged bool
	NewGate     GateConfig

	// RestartRequired is true when a change (server endpoint, character,
	// capture format) only takes effect on the next session.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Gate != new.Gate {
		d.GateChanged = true
		d.NewGate = new.Gate
	}

	if old.Server != new.Server || old.Audio != new.Audio {
		d.RestartRequired = true
	}

	return d
}
