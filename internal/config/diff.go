package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Tuning blocks, applied to the live session without a restart.
	MatchingChanged   bool
	GuardChanged      bool
	ControllerChanged bool

	// SupervisorChanged is applied to the next recognizer start.
	SupervisorChanged bool

	// RestartRequired names the changed sections that only take effect
	// after a restart (server.listen_addr, recognizer, bus, store,
	// telemetry).
	RestartRequired []string
}

// TuningChanged reports whether the session tuning must be updated.
// An interim interval change counts: it throttles partials in the session.
func (d ConfigDiff) TuningChanged() bool {
	return d.MatchingChanged || d.GuardChanged || d.ControllerChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TuningChanged() && !d.SupervisorChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.MatchingChanged = old.Matching != new.Matching ||
		old.Recognizer.InterimIntervalMs != new.Recognizer.InterimIntervalMs
	d.GuardChanged = old.Guard != new.Guard
	d.ControllerChanged = old.Controller != new.Controller
	d.SupervisorChanged = old.Supervisor != new.Supervisor

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !recognizerEqual(old.Recognizer, new.Recognizer) {
		d.RestartRequired = append(d.RestartRequired, "recognizer")
	}
	if old.Bus != new.Bus {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// recognizerEqual compares the fields that need a new recognizer stream.
func recognizerEqual(a, b RecognizerConfig) bool {
	a.InterimIntervalMs, b.InterimIntervalMs = 0, 0
	return reflect.DeepEqual(a, b)
}
