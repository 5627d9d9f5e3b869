package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level
// and the align thresholds. Provider, archive and notify changes need a
// restart because they own live connections.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AlignChanged bool
	NewAlign     AlignConfig
}

// Empty reports whether the diff carries no reloadable changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AlignChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	// AlignConfig holds only scalars, so struct equality is exact.
	if old.Align != new.Align {
		d.AlignChanged = true
		d.NewAlign = new.Align
	}

	return d
}
