// Package gyro integrates smoothed angular velocity into cumulative
// orientation angles and exposes the smoothed angular speed.
package gyro

import (
	"math"
	"time"

	"fallsense/internal/filter"
	"fallsense/internal/opt"
	"fallsense/internal/sensor"
)

const rad2deg = 180 / math.Pi

type Config struct {
	Alpha       float64
	EmitHz      float64
	DeadbandDeg float64
	RoundToDeg  float64
	// StillOmega and UnfreezeOmega are rad/s.
	StillOmega    float64
	UnfreezeOmega float64
	StillHold     time.Duration
	ClampDeg      float64
}

func DefaultConfig() Config {
	return Config{
		Alpha:         0.25,
		EmitHz:        8,
		DeadbandDeg:   0.2,
		RoundToDeg:    0.5,
		StillOmega:    0.02,
		UnfreezeOmega: 0.03,
		StillHold:     time.Second,
		ClampDeg:      3600,
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
	if c.DeadbandDeg < 0 {
		c.DeadbandDeg = d.DeadbandDeg
	}
	if c.RoundToDeg <= 0 {
		c.RoundToDeg = d.RoundToDeg
	}
	if c.StillOmega <= 0 {
		c.StillOmega = d.StillOmega
	}
	if c.UnfreezeOmega <= c.StillOmega {
		c.UnfreezeOmega = c.StillOmega * 1.5
	}
	if c.StillHold <= 0 {
		c.StillHold = d.StillHold
	}
	if c.ClampDeg <= 0 {
		c.ClampDeg = d.ClampDeg
	}
	return c
}

// Orientation is the cumulative rotation (degrees) since the integrator
// started, rounded to the configured step.
type Orientation struct {
	X, Y, Z float64
	At      time.Time
}

// State is the consumer-facing snapshot.
type State struct {
	Supported   sensor.Support
	Angle       opt.Value[Orientation]
	OmegaRad    opt.Value[sensor.Vec3]
	OmegaDegMag opt.Value[float64]
	Frozen      bool
}

// Integrator is not safe for concurrent use; drive it from a single goroutine.
type Integrator struct {
	cfg Config

	supported sensor.Support
	ema       filter.Vec3EMA
	hold      filter.Hold
	emit      filter.Throttle

	theta  sensor.Vec3
	lastAt time.Time
	have   bool

	angle opt.Value[Orientation]
}

func New(cfg Config) *Integrator {
	cfg = cfg.withDefaults()
	return &Integrator{
		cfg:  cfg,
		ema:  filter.Vec3EMA{Alpha: cfg.Alpha},
		hold: filter.Hold{Still: cfg.StillOmega, Unfreeze: cfg.UnfreezeOmega, HoldFor: cfg.StillHold},
		emit: filter.Throttle{Interval: filter.IntervalForHz(cfg.EmitHz)},
	}
}

func (g *Integrator) Config() Config { return g.cfg }

func (g *Integrator) SetSupported(ok bool) { g.supported = sensor.SupportOf(ok) }

// Update consumes one angular-velocity sample (rad/s). It returns the new
// angle snapshot and true when one is emitted.
func (g *Integrator) Update(s sensor.Sample) (Orientation, bool) {
	now := s.At
	w := g.ema.Update(s.Vec)
	frozen := g.hold.Update(now, w.Norm())

	if !g.have {
		g.have = true
		g.lastAt = now
		return Orientation{}, false
	}
	dt := now.Sub(g.lastAt).Seconds()
	if dt < 0 {
		dt = 0
	}
	g.lastAt = now

	if !frozen {
		lim := g.cfg.ClampDeg
		g.theta.X = clamp(g.theta.X+w.X*dt*rad2deg, lim)
		g.theta.Y = clamp(g.theta.Y+w.Y*dt*rad2deg, lim)
		g.theta.Z = clamp(g.theta.Z+w.Z*dt*rad2deg, lim)
	}

	if !g.emit.Ready(now) {
		return Orientation{}, false
	}
	next := Orientation{
		X:  roundTo(g.theta.X, g.cfg.RoundToDeg),
		Y:  roundTo(g.theta.Y, g.cfg.RoundToDeg),
		Z:  roundTo(g.theta.Z, g.cfg.RoundToDeg),
		At: now,
	}
	if prev, ok := g.angle.Get(); ok {
		db := g.cfg.DeadbandDeg
		if math.Abs(next.X-prev.X) <= db && math.Abs(next.Y-prev.Y) <= db && math.Abs(next.Z-prev.Z) <= db {
			return Orientation{}, false
		}
	}
	g.emit.Mark(now)
	g.angle = opt.Some(next)
	return next, true
}

// OmegaDegMag is the instantaneous smoothed angular speed in deg/s.
func (g *Integrator) OmegaDegMag() (float64, bool) {
	w, ok := g.ema.Value()
	if !ok {
		return 0, false
	}
	return w.Norm() * rad2deg, true
}

func (g *Integrator) Frozen() bool { return g.hold.Frozen() }

// Lock forces integration to stop until Unlock or a fast enough sample.
func (g *Integrator) Lock() { g.hold.Lock() }

func (g *Integrator) Unlock() { g.hold.Unlock() }

func (g *Integrator) State() State {
	st := State{Supported: g.supported, Angle: g.angle, Frozen: g.hold.Frozen()}
	if w, ok := g.ema.Value(); ok {
		st.OmegaRad = opt.Some(w)
		st.OmegaDegMag = opt.Some(w.Norm() * rad2deg)
	}
	return st
}

func clamp(v, lim float64) float64 {
	return math.Max(-lim, math.Min(lim, v))
}

func roundTo(v, step float64) float64 {
	return math.Round(v/step) * step
}
