// Package accel separates gravity from linear motion in raw accelerometer
// samples using two cascaded exponential filters.
package accel

import (
	"math"
	"time"

	"fallsense/internal/filter"
	"fallsense/internal/opt"
	"fallsense/internal/ring"
	"fallsense/internal/sensor"
)

// StandardGravity converts g to m/s².
const StandardGravity = 9.80665

type Config struct {
	Alpha        float64
	GravityAlpha float64
	EmitHz       float64
	DeadbandG    float64
	// StillLinear and UnfreezeLinear are m/s².
	StillLinear    float64
	UnfreezeLinear float64
	Hold           time.Duration
	WindowSize     int
}

func DefaultConfig() Config {
	return Config{
		Alpha:          0.25,
		GravityAlpha:   0.10,
		EmitHz:         10,
		DeadbandG:      0.01,
		StillLinear:    0.15,
		UnfreezeLinear: 0.30,
		Hold:           1200 * time.Millisecond,
		WindowSize:     40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.GravityAlpha <= 0 || c.GravityAlpha > 1 {
		c.GravityAlpha = d.GravityAlpha
	}
	if c.EmitHz <= 0 {
		c.EmitHz = d.EmitHz
	}
	if c.DeadbandG < 0 {
		c.DeadbandG = d.DeadbandG
	}
	if c.StillLinear <= 0 {
		c.StillLinear = d.StillLinear
	}
	if c.UnfreezeLinear <= c.StillLinear {
		c.UnfreezeLinear = c.StillLinear * 2
	}
	if c.Hold <= 0 {
		c.Hold = d.Hold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	return c
}

// Vector is a 3-axis value with its Euclidean magnitude.
type Vector struct {
	X, Y, Z, Mag float64
}

func vector(v sensor.Vec3) Vector {
	return Vector{X: v.X, Y: v.Y, Z: v.Z, Mag: v.Norm()}
}

// State is the consumer-facing snapshot. G and Linear are always published
// together from the same input sample.
type State struct {
	Supported sensor.Support
	// G is the smoothed raw reading in g (gravity included).
	G opt.Value[Vector]
	// Linear is the gravity-removed acceleration in m/s².
	Linear      opt.Value[Vector]
	SmoothedMag opt.Value[float64]
	WindowAvg   opt.Value[float64]
	Frozen      bool
}

// Estimator is not safe for concurrent use.
type Estimator struct {
	cfg Config

	supported sensor.Support
	fast      filter.Vec3EMA
	gravity   filter.Vec3EMA
	hold      filter.Hold
	emit      filter.Throttle
	window    *ring.Buffer[float64]

	linear opt.Value[sensor.Vec3]

	g   opt.Value[Vector]
	lin opt.Value[Vector]
}

func New(cfg Config) *Estimator {
	cfg = cfg.withDefaults()
	return &Estimator{
		cfg:     cfg,
		fast:    filter.Vec3EMA{Alpha: cfg.Alpha},
		gravity: filter.Vec3EMA{Alpha: cfg.GravityAlpha},
		hold:    filter.Hold{Still: cfg.StillLinear, Unfreeze: cfg.UnfreezeLinear, HoldFor: cfg.Hold},
		emit:    filter.Throttle{Interval: filter.IntervalForHz(cfg.EmitHz)},
		window:  ring.New[float64](cfg.WindowSize),
	}
}

func (e *Estimator) Config() Config { return e.cfg }

func (e *Estimator) SetSupported(ok bool) { e.supported = sensor.SupportOf(ok) }

// Update consumes one raw sample in g and reports whether a new G/Linear
// pair was published.
func (e *Estimator) Update(s sensor.Sample) bool {
	now := s.At
	raw := e.fast.Update(s.Vec)
	grav := e.gravity.Update(raw)
	lin := raw.Sub(grav).Scale(StandardGravity)
	e.linear = opt.Some(lin)

	frozen := e.hold.Update(now, lin.Norm())
	e.window.Push(raw.Norm())

	if !e.emit.Ready(now) || frozen {
		return false
	}
	if prev, ok := e.g.Get(); ok {
		db := e.cfg.DeadbandG
		if math.Abs(raw.X-prev.X) < db && math.Abs(raw.Y-prev.Y) < db && math.Abs(raw.Z-prev.Z) < db {
			return false
		}
	}
	e.emit.Mark(now)
	e.g = opt.Some(vector(raw))
	e.lin = opt.Some(vector(lin))
	return true
}

// SmoothedMag is the live magnitude of the fast EMA in g, independent of
// emission throttling.
func (e *Estimator) SmoothedMag() (float64, bool) {
	v, ok := e.fast.Value()
	if !ok {
		return 0, false
	}
	return v.Norm(), true
}

// LinearMag is the live gravity-removed magnitude in m/s².
func (e *Estimator) LinearMag() (float64, bool) {
	v, ok := e.linear.Get()
	if !ok {
		return 0, false
	}
	return v.Norm(), true
}

func (e *Estimator) Frozen() bool { return e.hold.Frozen() }

func (e *Estimator) Lock() { e.hold.Lock() }

func (e *Estimator) Unlock() { e.hold.Unlock() }

func (e *Estimator) State() State {
	st := State{Supported: e.supported, G: e.g, Linear: e.lin, Frozen: e.hold.Frozen()}
	if m, ok := e.SmoothedMag(); ok {
		st.SmoothedMag = opt.Some(m)
	}
	if vals := e.window.Slice(); len(vals) > 0 {
		var sum float64
		for _, v := range vals {
			sum += v
		}
		st.WindowAvg = opt.Some(sum / float64(len(vals)))
	}
	return st
}
