// Package controller turns position error (spoken position vs displayed
// position, in pixels) into a smoothed scroll-speed bias.
//
// The output is a bias fraction b in [-MaxBias, MaxBias]; the scroll writer
// moves at BaseSpeed*(1+b), scaled by the soft-start ramp for the first
// SoftStart after [Controller.Start]. The bias comes from a PI(D) law with a
// dead zone, a confidence gate with exponential decay, anti-windup on
// saturation, per-tick slew limiting, and a tighter clamp while seeking and
// near the end of the script.
package controller

import (
	"math"
	"sync"
	"time"
)

// State is the controller's lock state.
type State int

const (
	// StateLocked means the error is small and confidence is good.
	StateLocked State = iota

	// StateLockSeek means confidence is good but the error is large.
	StateLockSeek

	// StateCoast means confidence dropped (or commits stalled) and the bias
	// is held or decaying.
	StateCoast

	// StateLost means confidence has stayed low past the lost threshold.
	StateLost
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateLocked:
		return "LOCKED"
	case StateLockSeek:
		return "LOCK_SEEK"
	case StateCoast:
		return "COAST"
	case StateLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Config holds the control-law tuning. Zero fields take the defaults noted,
// except Kd whose default is 0.
type Config struct {
	Kp float64 // per px. Default: 0.0006.
	Ki float64 // per px per second. Default: 0.0004.
	Kd float64 // per px/s.

	// MaxBias bounds |bias|. Default: 0.05.
	MaxBias float64

	// SeekClampFactor scales the clamp in StateLockSeek. Default: 0.7.
	SeekClampFactor float64

	// SeekErrorPx is the |error| above which the controller seeks.
	// Default: 48.
	SeekErrorPx float64

	// DeadZonePx is the |error| below which no P/I action is taken.
	// Default: 12.
	DeadZonePx float64

	// ConfMin gates samples: lower confidence decays the bias. Default: 0.5.
	ConfMin float64

	// Decay is the time constant of the low-confidence decay. Default: 450ms.
	Decay time.Duration

	// Lost is how long confidence may stay low before StateLost.
	// Default: 1500ms.
	Lost time.Duration

	// SoftStart is the length of the start-up ramp. Default: 1200ms.
	SoftStart time.Duration

	// BaseSpeed is the neutral scroll speed in px/s. Default: 60.
	BaseSpeed float64

	// MaxAdjFraction is the largest bias change per second. Default: 0.08.
	MaxAdjFraction float64

	// TaperProgress is the script progress past which the clamp tightens.
	// Default: 0.8.
	TaperProgress float64

	// TaperFactor scales the clamp past TaperProgress. Default: 0.6.
	TaperFactor float64

	// ManualDebounce suppresses adaptation after a manual speed change.
	// Default: 1500ms.
	ManualDebounce time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	setF := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	setD := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	setF(&c.Kp, 0.0006)
	setF(&c.Ki, 0.0004)
	setF(&c.MaxBias, 0.05)
	setF(&c.SeekClampFactor, 0.7)
	setF(&c.SeekErrorPx, 48)
	setF(&c.DeadZonePx, 12)
	setF(&c.ConfMin, 0.5)
	setD(&c.Decay, 450*time.Millisecond)
	setD(&c.Lost, 1500*time.Millisecond)
	setD(&c.SoftStart, 1200*time.Millisecond)
	setF(&c.BaseSpeed, 60)
	setF(&c.MaxAdjFraction, 0.08)
	setF(&c.TaperProgress, 0.8)
	setF(&c.TaperFactor, 0.6)
	setD(&c.ManualDebounce, 1500*time.Millisecond)
	if c.Kd < 0 {
		c.Kd = 0
	}
}

// Sample is one position-error observation.
type Sample struct {
	// ErrPx is spoken position minus displayed position; positive means the
	// speaker is ahead of the display.
	ErrPx float64

	// Conf is the confidence of the observation in [0,1].
	Conf float64

	// T is when the sample was taken.
	T time.Time

	// Progress is the script progress in [0,1], for the end taper.
	Progress float64
}

// Output is the controller's directive after a tick.
type Output struct {
	Bias  float64
	Speed float64 // px/s
	Ramp  float64 // soft-start factor in [0,1]
	State State
}

// maxDt bounds the integration step so that a stalled tick source does not
// produce one huge correction.
const maxDt = 0.25

// Controller is the bias controller. All methods are safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	cfg          Config
	base         float64
	bias         float64
	iTerm        float64
	prevErr      float64
	started      time.Time
	lastT        time.Time
	lowConfSince time.Time
	manualUntil  time.Time
	state        State
}

// New returns a controller that has not started; the first Tick starts it.
func New(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg, base: cfg.BaseSpeed}
}

// SetConfig replaces the tuning. A changed BaseSpeed takes effect unless a
// manual speed is in force.
func (c *Controller) SetConfig(cfg Config) {
	cfg.applyDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base == c.cfg.BaseSpeed {
		c.base = cfg.BaseSpeed
	}
	c.cfg = cfg
	c.bias = clamp(c.bias, cfg.MaxBias)
}

// Start resets all state and begins the soft-start ramp at t.
func (c *Controller) Start(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(t)
}

// Reset returns the controller to its unstarted state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(time.Time{})
}

func (c *Controller) resetLocked(t time.Time) {
	c.base = c.cfg.BaseSpeed
	c.bias = 0
	c.iTerm = 0
	c.prevErr = 0
	c.started = t
	c.lastT = t
	c.lowConfSince = time.Time{}
	c.manualUntil = time.Time{}
	c.state = StateLocked
}

// Tick feeds one sample and returns the new directive.
func (c *Controller) Tick(s Sample) Output {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.IsZero() {
		c.resetLocked(s.T)
	}
	dt := s.T.Sub(c.lastT).Seconds()
	if dt < 0 || math.IsNaN(dt) {
		dt = 0
	}
	dt = math.Min(dt, maxDt)
	if s.T.After(c.lastT) {
		c.lastT = s.T
	}

	ramp := c.rampLocked(s.T)
	if ramp < 1 || s.T.Before(c.manualUntil) {
		return c.outputLocked(ramp)
	}

	if s.Conf < c.cfg.ConfMin || math.IsNaN(s.Conf) {
		c.bias *= math.Exp(-dt / c.cfg.Decay.Seconds())
		if c.lowConfSince.IsZero() {
			c.lowConfSince = s.T
		}
		if s.T.Sub(c.lowConfSince) >= c.cfg.Lost {
			c.state = StateLost
		} else {
			c.state = StateCoast
		}
		return c.outputLocked(ramp)
	}
	c.lowConfSince = time.Time{}

	err := s.ErrPx
	if math.IsNaN(err) || math.IsInf(err, 0) {
		err = 0
	}

	var raw float64
	if math.Abs(err) < c.cfg.DeadZonePx {
		// No P or I action: the bias slews back to neutral.
		c.iTerm *= 0.96
		err = 0
		c.state = StateLocked
	} else {
		c.state = StateLocked
		if math.Abs(err) > c.cfg.SeekErrorPx {
			c.state = StateLockSeek
		}
		c.iTerm += c.cfg.Ki * err * dt
		raw = c.cfg.Kp*err + c.iTerm
		if dt > 0 && c.cfg.Kd > 0 {
			raw += c.cfg.Kd * (err - c.prevErr) / dt
		}
	}
	c.prevErr = err

	limit := c.limitLocked(s.Progress)
	if math.Abs(raw) > limit {
		c.iTerm *= 0.9
		raw = clamp(raw, limit)
	}

	step := c.cfg.MaxAdjFraction * dt
	c.bias += clamp(raw-c.bias, step)
	c.bias = clamp(c.bias, limit)

	return c.outputLocked(ramp)
}

// Hold keeps bias and integral unchanged and reports StateCoast. Used when
// speech continues but no commit has landed for a while: the last known
// speed is kept instead of collapsing.
func (c *Controller) Hold(t time.Time) Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.lastT) {
		c.lastT = t
	}
	c.state = StateCoast
	return c.outputLocked(c.rampLocked(t))
}

// Manual replaces the base speed, zeroes bias and integral, and suppresses
// adaptation for ManualDebounce.
func (c *Controller) Manual(pxPerSec float64, t time.Time) Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pxPerSec < 0 || math.IsNaN(pxPerSec) {
		pxPerSec = 0
	}
	c.base = pxPerSec
	c.bias = 0
	c.iTerm = 0
	c.manualUntil = t.Add(c.cfg.ManualDebounce)
	return c.outputLocked(c.rampLocked(t))
}

// Bias returns the current bias.
func (c *Controller) Bias() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bias
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// limitLocked returns the bias clamp for the current state and progress.
func (c *Controller) limitLocked(progress float64) float64 {
	limit := c.cfg.MaxBias
	if c.state == StateLockSeek {
		limit *= c.cfg.SeekClampFactor
	}
	if progress >= c.cfg.TaperProgress {
		limit *= c.cfg.TaperFactor
	}
	return limit
}

// rampLocked is the eased soft-start factor 1-(1-a)^3.
func (c *Controller) rampLocked(t time.Time) float64 {
	if c.started.IsZero() {
		return 0
	}
	a := t.Sub(c.started).Seconds() / c.cfg.SoftStart.Seconds()
	if a >= 1 {
		return 1
	}
	if a <= 0 {
		return 0
	}
	return 1 - math.Pow(1-a, 3)
}

func (c *Controller) outputLocked(ramp float64) Output {
	return Output{
		Bias:  c.bias,
		Speed: c.base * (1 + c.bias) * ramp,
		Ramp:  ramp,
		State: c.state,
	}
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
