package config

// Diff describes what changed between two configs. Only fields that can
// be safely hot-reloaded without restarting the session are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged means the detector tunables moved; the session applies
	// them on the next frame.
	VADChanged bool

	// JitterChanged means the fill gate tunables moved; applied on the
	// next turn boundary.
	JitterChanged bool

	// RestartRequired means a change was detected outside the
	// hot-reloadable set (remote endpoint, watermarks, breaker).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
	}
	if old.Jitter != new.Jitter {
		d.JitterChanged = true
	}
	if old.Remote != new.Remote ||
		old.Audio != new.Audio ||
		old.Resilience != new.Resilience ||
		old.Diagnostics != new.Diagnostics ||
		old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}
	return d
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return d == ConfigDiff{}
}
