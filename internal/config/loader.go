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

// KnownRecognizers lists the recognizer names shipped with the prompter.
// Used by [Validate] to warn about unrecognised names.
var KnownRecognizers = []string{"deepgram", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg, with defaults applied, contains a coherent set
// of values. It returns a joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			add("%s %.2f is out of range [0, 1]", name, v)
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}

	// Recognizer
	validateRecognizerName("recognizer.name", cfg.Recognizer.Name)
	for i, fb := range cfg.Recognizer.Fallbacks {
		if fb.Name == "" {
			add("recognizer.fallbacks[%d].name is required", i)
			continue
		}
		validateRecognizerName(fmt.Sprintf("recognizer.fallbacks[%d].name", i), fb.Name)
	}
	if len(cfg.Recognizer.Fallbacks) > 0 && cfg.Recognizer.Name == "" {
		add("recognizer.fallbacks requires recognizer.name")
	}

	// Matching
	m := cfg.Matching
	if m.BandRadius > m.WideBandRadius {
		add("matching.band_radius %d exceeds matching.wide_band_radius %d", m.BandRadius, m.WideBandRadius)
	}
	unit("matching.band_override_score", m.BandOverrideScore)
	unit("matching.min_score", m.MinScore)

	// Guard
	unit("guard.leap_confirm_score", cfg.Guard.LeapConfirmScore)
	unit("guard.rescore_margin", cfg.Guard.RescoreMargin)
	if cfg.Guard.LeapConfirmScore < m.MinScore {
		add("guard.leap_confirm_score %.2f is below matching.min_score %.2f", cfg.Guard.LeapConfirmScore, m.MinScore)
	}

	// Controller
	k := cfg.Controller
	unit("controller.max_bias", k.MaxBias)
	unit("controller.seek_clamp_factor", k.SeekClampFactor)
	unit("controller.conf_min", k.ConfMin)
	unit("controller.max_adj_fraction", k.MaxAdjFraction)
	unit("controller.taper_progress", k.TaperProgress)
	unit("controller.taper_factor", k.TaperFactor)
	if k.SeekErrorPx <= k.DeadZonePx {
		add("controller.seek_error_px %.0f must exceed controller.dead_zone_px %.0f", k.SeekErrorPx, k.DeadZonePx)
	}

	// Supervisor
	s := cfg.Supervisor
	if s.BackoffMaxMs < s.BackoffInitialMs {
		add("supervisor.backoff_max_ms %d is below supervisor.backoff_initial_ms %d", s.BackoffMaxMs, s.BackoffInitialMs)
	}
	if s.RecycleMs <= s.HeartbeatMs {
		slog.Warn("supervisor.recycle_ms is not longer than heartbeat_ms; streams will recycle before the first heartbeat",
			"recycle_ms", s.RecycleMs, "heartbeat_ms", s.HeartbeatMs)
	}

	// Store
	if !cfg.Store.Driver.IsValid() {
		add("store.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Driver)
	}
	if (cfg.Store.Driver == StoreSQLite || cfg.Store.Driver == StorePostgres) && cfg.Store.DSN == "" {
		add("store.dsn is required when store.driver is %s", cfg.Store.Driver)
	}

	// Telemetry
	unit("telemetry.trace_sample_ratio", cfg.Telemetry.TraceSampleRatio)

	return errors.Join(errs...)
}

// validateRecognizerName logs a warning if name is non-empty and not one
// of [KnownRecognizers].
func validateRecognizerName(field, name string) {
	if name == "" || slices.Contains(KnownRecognizers, name) {
		return
	}
	slog.Warn("unknown recognizer name; may be a typo or third-party backend",
		"field", field,
		"name", name,
		"known", KnownRecognizers,
	)
}
