// Package baro smooths barometric pressure and derives altitude relative to
// a zeroable baseline.
package baro

import (
	"errors"
	"math"
	"time"

	"fallsense/internal/filter"
	"fallsense/internal/opt"
	"fallsense/internal/sensor"
)

var ErrNoReading = errors.New("baro: no pressure reading yet")

type Config struct {
	Alpha       float64
	EmitHz      float64
	DeadbandHpa float64
	StillHpa    float64
	UnfreezeHpa float64
	StillHold   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Alpha:       0.2,
		EmitHz:      2,
		DeadbandHpa: 0.02,
		StillHpa:    0.03,
		UnfreezeHpa: 0.06,
		StillHold:   1200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.EmitHz <= 0 {
		c.EmitHz = d.EmitHz
	}
	if c.DeadbandHpa < 0 {
		c.DeadbandHpa = d.DeadbandHpa
	}
	if c.StillHpa <= 0 {
		c.StillHpa = d.StillHpa
	}
	if c.UnfreezeHpa <= c.StillHpa {
		c.UnfreezeHpa = c.StillHpa * 2
	}
	if c.StillHold <= 0 {
		c.StillHold = d.StillHold
	}
	return c
}

// NormalizeHpa converts a platform pressure reading to hPa. Readings above
// 2000 are taken to be Pa.
func NormalizeHpa(p float64) float64 {
	if p > 2000 {
		return p / 100
	}
	return p
}

// RelativeAltitudeM is the barometric formula against baseline p0.
// Positive means higher than the baseline: rising pressure (descent) gives
// a negative result.
func RelativeAltitudeM(pHpa, p0Hpa float64) float64 {
	ratio := math.Max(1e-6, pHpa/p0Hpa)
	return 44330 * (1 - math.Pow(ratio, 1/5.255))
}

type State struct {
	Supported   sensor.Support
	PressureHpa opt.Value[float64]
	// RelAltM is absent until a baseline exists.
	RelAltM opt.Value[float64]
	// PlatformRelAltM passes through a platform-computed relative altitude.
	// It is not used for detection.
	PlatformRelAltM opt.Value[float64]
	Frozen          bool
}

// Altimeter is not safe for concurrent use.
type Altimeter struct {
	cfg Config

	supported sensor.Support
	ema       filter.EMA
	hold      filter.Hold
	emit      filter.Throttle

	// anchor is the smoothed pressure when the hold froze.
	anchor   float64
	baseline opt.Value[float64]

	pressure opt.Value[float64]
	relAlt   opt.Value[float64]
	platform opt.Value[float64]
}

func New(cfg Config) *Altimeter {
	cfg = cfg.withDefaults()
	return &Altimeter{
		cfg:  cfg,
		ema:  filter.EMA{Alpha: cfg.Alpha},
		hold: filter.Hold{Still: cfg.StillHpa, Unfreeze: cfg.UnfreezeHpa, HoldFor: cfg.StillHold},
		emit: filter.Throttle{Interval: filter.IntervalForHz(cfg.EmitHz)},
	}
}

func (a *Altimeter) Config() Config { return a.cfg }

func (a *Altimeter) SetSupported(ok bool) { a.supported = sensor.SupportOf(ok) }

// Supported reports the probed capability. Unknown counts as supported so a
// feed that never probes still gets a working altimeter.
func (a *Altimeter) Supported() bool { return a.supported != sensor.Unsupported }

// Update consumes one pressure sample and reports whether a new pressure /
// relative altitude pair was published.
func (a *Altimeter) Update(s sensor.Sample) bool {
	if !a.Supported() {
		return false
	}
	if math.IsNaN(s.Pressure) || math.IsInf(s.Pressure, 0) || s.Pressure <= 0 {
		return false
	}
	if v, ok := s.RelAltM.Get(); ok {
		a.platform = opt.Some(v)
	}

	now := s.At
	p := a.ema.Update(NormalizeHpa(s.Pressure))

	wasFrozen := a.hold.Frozen()
	level := math.Inf(1)
	if wasFrozen {
		level = math.Abs(p - a.anchor)
	} else if prev, ok := a.pressure.Get(); ok {
		level = math.Abs(p - prev)
	}
	frozen := a.hold.Update(now, level)
	if frozen && !wasFrozen {
		a.anchor = p
	}

	if !a.emit.Ready(now) || frozen {
		return false
	}
	if prev, ok := a.pressure.Get(); ok && math.Abs(p-prev) < a.cfg.DeadbandHpa {
		return false
	}
	a.emit.Mark(now)
	a.pressure = opt.Some(p)
	if !a.baseline.OK() {
		a.baseline = opt.Some(p)
	}
	p0, _ := a.baseline.Get()
	a.relAlt = opt.Some(RelativeAltitudeM(p, p0))
	return true
}

// Zero makes the current published pressure the baseline.
func (a *Altimeter) Zero() error {
	p, ok := a.pressure.Get()
	if !ok {
		return ErrNoReading
	}
	a.baseline = opt.Some(p)
	a.relAlt = opt.Some(0.0)
	return nil
}

func (a *Altimeter) Frozen() bool { return a.hold.Frozen() }

// Lock freezes output, anchored at the published (or smoothed) pressure.
func (a *Altimeter) Lock() {
	if a.hold.Frozen() {
		return
	}
	if p, ok := a.pressure.Get(); ok {
		a.anchor = p
	} else if p, ok := a.ema.Value(); ok {
		a.anchor = p
	}
	a.hold.Lock()
}

func (a *Altimeter) Unlock() { a.hold.Unlock() }

func (a *Altimeter) RelAltM() (float64, bool) {
	return a.relAlt.Get()
}

func (a *Altimeter) State() State {
	return State{
		Supported:       a.supported,
		PressureHpa:     a.pressure,
		RelAltM:         a.relAlt,
		PlatformRelAltM: a.platform,
		Frozen:          a.hold.Frozen(),
	}
}
