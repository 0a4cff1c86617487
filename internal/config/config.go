// Package config provides the configuration schema, loader, hot-reload
// watcher, and recognizer registry for the prompter.
//
// Every tuning constant of the alignment pipeline has a YAML key. Zero
// values are replaced by the defaults of the owning package in
// [Config.ApplyDefaults], so a minimal file only names the recognizer.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/prompter/internal/controller"
	"github.com/MrWong99/prompter/internal/guard"
	"github.com/MrWong99/prompter/internal/matcher"
	"github.com/MrWong99/prompter/internal/session"
	"github.com/MrWong99/prompter/internal/supervisor"
	"github.com/MrWong99/prompter/pkg/provider/stt"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching slog level. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// StoreDriver selects the commit log backend.
type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Matching   MatchingConfig   `yaml:"matching"`
	Guard      GuardConfig      `yaml:"guard"`
	Controller ControllerConfig `yaml:"controller"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Bus        BusConfig        `yaml:"bus"`
	Store      StoreConfig      `yaml:"store"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP surface. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists websocket Origin host patterns accepted in
	// addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProviderEntry selects and configures one recognizer backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered backend (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// RecognizerConfig configures the speech recognizer stream.
type RecognizerConfig struct {
	ProviderEntry `yaml:",inline"`

	// Lang is the BCP-47 recognition language. Default: "en-US".
	Lang string `yaml:"lang"`

	// InterimIntervalMs throttles partial results. Default: 150.
	InterimIntervalMs int `yaml:"interim_interval_ms"`

	// MaxAlternatives is the number of hypotheses requested. Default: 1.
	MaxAlternatives int `yaml:"max_alternatives"`

	// SampleRate is the PCM sample rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Fallbacks are tried in order when the primary backend's circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// MatchingConfig tunes the windowed matcher and the spoken window.
type MatchingConfig struct {
	WindowAhead       int     `yaml:"window_ahead"`
	WindowBack        int     `yaml:"window_back"`
	BandRadius        int     `yaml:"band_radius"`
	WideBandRadius    int     `yaml:"wide_band_radius"`
	BandOverrideScore float64 `yaml:"band_override_score"`
	LagWidenPx        float64 `yaml:"lag_widen_px"`
	MinScore          float64 `yaml:"min_score"`
	SpokenWindow      int     `yaml:"spoken_window"`
	Stem              bool    `yaml:"stem"`
}

// GuardConfig tunes the commit guard.
type GuardConfig struct {
	LeapConfirmScore     float64 `yaml:"leap_confirm_score"`
	LeapConfirmWindowMs  int     `yaml:"leap_confirm_window_ms"`
	LeapMinDelta         int     `yaml:"leap_min_delta"`
	PostCommitFreezeMs   int     `yaml:"post_commit_freeze_ms"`
	NoCommitHoldMs       int     `yaml:"no_commit_hold_ms"`
	RescoreMargin        float64 `yaml:"rescore_margin"`
	RescoreMinIntervalMs int     `yaml:"rescore_min_interval_ms"`
}

// ControllerConfig tunes the speed controller.
type ControllerConfig struct {
	Kp                float64 `yaml:"kp"`
	Ki                float64 `yaml:"ki"`
	Kd                float64 `yaml:"kd"`
	MaxBias           float64 `yaml:"max_bias"`
	SeekClampFactor   float64 `yaml:"seek_clamp_factor"`
	SeekErrorPx       float64 `yaml:"seek_error_px"`
	DeadZonePx        float64 `yaml:"dead_zone_px"`
	ConfMin           float64 `yaml:"conf_min"`
	DecayMs           int     `yaml:"decay_ms"`
	LostMs            int     `yaml:"lost_ms"`
	SoftStartMs       int     `yaml:"soft_start_ms"`
	BaseSpeedPxPerSec float64 `yaml:"base_speed_px_per_sec"`
	MaxAdjFraction    float64 `yaml:"max_adj_fraction"`
	TaperProgress     float64 `yaml:"taper_progress"`
	TaperFactor       float64 `yaml:"taper_factor"`
	ManualDebounceMs  int     `yaml:"manual_debounce_ms"`
}

// SupervisorConfig tunes the recognizer supervisor.
type SupervisorConfig struct {
	BackoffInitialMs      int `yaml:"backoff_initial_ms"`
	BackoffMaxMs          int `yaml:"backoff_max_ms"`
	HeartbeatMs           int `yaml:"heartbeat_ms"`
	IdleMs                int `yaml:"idle_ms"`
	RecycleMs             int `yaml:"recycle_ms"`
	NetworkErrorThreshold int `yaml:"network_error_threshold"`
	NetworkQuietMs        int `yaml:"network_quiet_ms"`
	FatalBackoffMs        int `yaml:"fatal_backoff_ms"`
}

// BusConfig configures the optional NATS bridge.
type BusConfig struct {
	// NATSURL enables the bridge when set (e.g., "nats://localhost:4222").
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix prefixes every subject. Default: "prompter".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// StoreConfig selects the commit log backend.
type StoreConfig struct {
	// Driver is memory, sqlite, or postgres. Default: memory.
	Driver StoreDriver `yaml:"driver"`

	// DSN is the SQLite file path or the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is the resource service name. Default: "prompter".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces recorded, in [0, 1].
	// Zero records every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults replaces zero values with the defaults of the owning
// packages.
func (c *Config) ApplyDefaults() {
	setS := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	setI := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setF := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	setMs := func(v *int, d time.Duration) {
		if *v <= 0 {
			*v = int(d.Milliseconds())
		}
	}

	setS(&c.Server.ListenAddr, ":8080")
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	setS(&c.Recognizer.Lang, "en-US")
	setI(&c.Recognizer.InterimIntervalMs, 150)
	setI(&c.Recognizer.MaxAlternatives, 1)
	setI(&c.Recognizer.SampleRate, 16000)

	sd := session.DefaultConfig()
	m := &c.Matching
	setI(&m.WindowAhead, sd.Matcher.WindowAhead)
	setI(&m.WindowBack, sd.Matcher.WindowBack)
	setI(&m.BandRadius, sd.Matcher.BandRadius)
	setI(&m.WideBandRadius, sd.Matcher.WideBandRadius)
	setF(&m.BandOverrideScore, sd.Matcher.BandOverrideScore)
	setF(&m.LagWidenPx, sd.LagWidenPx)
	setF(&m.MinScore, sd.Matcher.MinScore)
	setI(&m.SpokenWindow, sd.SpokenWindow)

	g := &c.Guard
	setF(&g.LeapConfirmScore, sd.Guard.LeapConfirmScore)
	setMs(&g.LeapConfirmWindowMs, sd.Guard.LeapConfirmWindow)
	setI(&g.LeapMinDelta, sd.Guard.LeapMinDelta)
	setMs(&g.PostCommitFreezeMs, sd.Guard.PostCommitFreeze)
	setMs(&g.NoCommitHoldMs, sd.NoCommitHold)
	setF(&g.RescoreMargin, sd.Guard.RescoreMargin)
	setMs(&g.RescoreMinIntervalMs, sd.Guard.RescoreMinInterval)

	k := &c.Controller
	kd := sd.Controller
	setF(&k.Kp, kd.Kp)
	setF(&k.Ki, kd.Ki)
	if k.Kd < 0 {
		k.Kd = 0
	}
	setF(&k.MaxBias, kd.MaxBias)
	setF(&k.SeekClampFactor, kd.SeekClampFactor)
	setF(&k.SeekErrorPx, kd.SeekErrorPx)
	setF(&k.DeadZonePx, kd.DeadZonePx)
	setF(&k.ConfMin, kd.ConfMin)
	setMs(&k.DecayMs, kd.Decay)
	setMs(&k.LostMs, kd.Lost)
	setMs(&k.SoftStartMs, kd.SoftStart)
	setF(&k.BaseSpeedPxPerSec, kd.BaseSpeed)
	setF(&k.MaxAdjFraction, kd.MaxAdjFraction)
	setF(&k.TaperProgress, kd.TaperProgress)
	setF(&k.TaperFactor, kd.TaperFactor)
	setMs(&k.ManualDebounceMs, kd.ManualDebounce)

	sv := supervisor.DefaultConfig()
	s := &c.Supervisor
	setMs(&s.BackoffInitialMs, sv.BackoffInitial)
	setMs(&s.BackoffMaxMs, sv.BackoffMax)
	setMs(&s.HeartbeatMs, sv.Heartbeat)
	setMs(&s.IdleMs, sv.Idle)
	setMs(&s.RecycleMs, sv.Recycle)
	setI(&s.NetworkErrorThreshold, sv.NetworkErrorThreshold)
	setMs(&s.NetworkQuietMs, sv.NetworkQuiet)
	setMs(&s.FatalBackoffMs, sv.FatalBackoff)

	setS(&c.Bus.SubjectPrefix, "prompter")
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	setS(&c.Telemetry.ServiceName, "prompter")
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// SessionConfig converts the matching, guard, and controller blocks into the
// session tuning.
func (c *Config) SessionConfig() session.Config {
	m, g, k := c.Matching, c.Guard, c.Controller
	return session.Config{
		Matcher: matcher.Config{
			WindowBack:        m.WindowBack,
			WindowAhead:       m.WindowAhead,
			BandRadius:        m.BandRadius,
			WideBandRadius:    m.WideBandRadius,
			BandOverrideScore: m.BandOverrideScore,
			MinScore:          m.MinScore,
			Stem:              m.Stem,
		},
		Guard: guard.Config{
			LeapConfirmScore:   g.LeapConfirmScore,
			LeapConfirmWindow:  ms(g.LeapConfirmWindowMs),
			LeapMinDelta:       g.LeapMinDelta,
			PostCommitFreeze:   ms(g.PostCommitFreezeMs),
			RescoreMargin:      g.RescoreMargin,
			RescoreMinInterval: ms(g.RescoreMinIntervalMs),
		},
		Controller: controller.Config{
			Kp:              k.Kp,
			Ki:              k.Ki,
			Kd:              k.Kd,
			MaxBias:         k.MaxBias,
			SeekClampFactor: k.SeekClampFactor,
			SeekErrorPx:     k.SeekErrorPx,
			DeadZonePx:      k.DeadZonePx,
			ConfMin:         k.ConfMin,
			Decay:           ms(k.DecayMs),
			Lost:            ms(k.LostMs),
			SoftStart:       ms(k.SoftStartMs),
			BaseSpeed:       k.BaseSpeedPxPerSec,
			MaxAdjFraction:  k.MaxAdjFraction,
			TaperProgress:   k.TaperProgress,
			TaperFactor:     k.TaperFactor,
			ManualDebounce:  ms(k.ManualDebounceMs),
		},
		SpokenWindow:    m.SpokenWindow,
		PartialInterval: ms(c.Recognizer.InterimIntervalMs),
		NoCommitHold:    ms(g.NoCommitHoldMs),
		LagWidenPx:      m.LagWidenPx,
	}
}

// SupervisorConfig converts the supervisor block.
func (c *Config) SupervisorConfig() supervisor.Config {
	s := c.Supervisor
	return supervisor.Config{
		BackoffInitial:        ms(s.BackoffInitialMs),
		BackoffMax:            ms(s.BackoffMaxMs),
		Heartbeat:             ms(s.HeartbeatMs),
		Idle:                  ms(s.IdleMs),
		Recycle:               ms(s.RecycleMs),
		NetworkErrorThreshold: s.NetworkErrorThreshold,
		NetworkQuiet:          ms(s.NetworkQuietMs),
		FatalBackoff:          ms(s.FatalBackoffMs),
	}
}

// StreamConfig converts the recognizer block into stream options. Keywords
// are filled in per stream from the loaded script.
func (c *Config) StreamConfig() stt.StreamConfig {
	r := c.Recognizer
	return stt.StreamConfig{
		SampleRate:        r.SampleRate,
		Channels:          1,
		Language:          r.Lang,
		MaxAlternatives:   r.MaxAlternatives,
		InterimIntervalMs: r.InterimIntervalMs,
	}
}
