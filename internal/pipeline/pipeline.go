// Package pipeline wires the three estimators to the fall detector inside a
// single scheduling domain. It holds no locks; callers confine a Pipeline to
// one goroutine.
package pipeline

import (
	"sort"
	"time"

	"fallsense/internal/accel"
	"fallsense/internal/baro"
	"fallsense/internal/fall"
	"fallsense/internal/gyro"
	"fallsense/internal/opt"
	"fallsense/internal/sensor"
)

// DefaultTick is the detector evaluation interval.
const DefaultTick = 50 * time.Millisecond

type Config struct {
	Gyro  gyro.Config
	Accel accel.Config
	Baro  baro.Config
	Fall  fall.Config
}

// Snapshot combines the detector output with the estimator states that a
// report needs.
type Snapshot struct {
	Fall  fall.Snapshot
	Gyro  gyro.State
	Accel accel.State
	Baro  baro.State
	Caps  sensor.Capabilities
}

type Pipeline struct {
	gyro  *gyro.Integrator
	accel *accel.Estimator
	baro  *baro.Altimeter
	det   *fall.Detector

	caps   sensor.Capabilities
	probed bool
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		gyro:  gyro.New(cfg.Gyro),
		accel: accel.New(cfg.Accel),
		baro:  baro.New(cfg.Baro),
		det:   fall.New(cfg.Fall),
	}
}

// SetCapabilities applies a platform probe. Samples of kinds the probe
// reported missing are dropped afterwards.
func (p *Pipeline) SetCapabilities(c sensor.Capabilities) {
	p.caps = c
	p.probed = true
	p.gyro.SetSupported(c.Gyro)
	p.accel.SetSupported(c.Accel)
	p.baro.SetSupported(c.Baro)
}

// OnTransition forwards detector state changes to fn.
func (p *Pipeline) OnTransition(fn func(fall.Transition)) { p.det.OnTransition(fn) }

// Ingest routes one raw sample to its estimator and reports whether the
// estimator published a new consumer-facing value.
func (p *Pipeline) Ingest(s sensor.Sample) bool {
	if p.probed && !p.caps.Has(s.Kind) {
		return false
	}
	switch s.Kind {
	case sensor.KindGyro:
		_, ok := p.gyro.Update(s)
		return ok
	case sensor.KindAccel:
		return p.accel.Update(s)
	case sensor.KindBaro:
		return p.baro.Update(s)
	}
	return false
}

// Inputs samples the live estimator values the detector consumes.
func (p *Pipeline) Inputs() fall.Inputs {
	var in fall.Inputs
	if v, ok := p.accel.SmoothedMag(); ok {
		in.AccelG = opt.Some(v)
	}
	if v, ok := p.accel.LinearMag(); ok {
		in.LinearMS2 = opt.Some(v)
	}
	if v, ok := p.gyro.OmegaDegMag(); ok {
		in.GyroDegS = opt.Some(v)
	}
	if p.baro.Supported() {
		if v, ok := p.baro.RelAltM(); ok {
			in.BaroAltM = opt.Some(v)
		}
	}
	in.BaroFrozen = p.baro.Frozen()
	return in
}

// Tick runs one detector evaluation at now.
func (p *Pipeline) Tick(now time.Time) fall.Snapshot {
	return p.det.Tick(now, p.Inputs())
}

// Reset acknowledges the current event and returns the detector to idle.
// Estimator state is untouched.
func (p *Pipeline) Reset(now time.Time) { p.det.Reset(now) }

// ZeroAltitude makes the current pressure the altitude baseline.
func (p *Pipeline) ZeroAltitude() error { return p.baro.Zero() }

// Lock and Unlock force the freeze state of all three estimators.
func (p *Pipeline) Lock() {
	p.gyro.Lock()
	p.accel.Lock()
	p.baro.Lock()
}

func (p *Pipeline) Unlock() {
	p.gyro.Unlock()
	p.accel.Unlock()
	p.baro.Unlock()
}

func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		Fall:  p.det.Snapshot(),
		Gyro:  p.gyro.State(),
		Accel: p.accel.State(),
		Baro:  p.baro.State(),
		Caps:  p.caps,
	}
}

// Result summarizes an offline run.
type Result struct {
	Transitions []fall.Transition
	// Falls counts rising edges of the fall-detected flag.
	Falls int
	Ticks int
	Final Snapshot
}

// Run replays samples through the pipeline on a virtual clock, evaluating
// the detector every tick starting one tick after the first sample. Ticks
// continue for tail after the last sample. Samples are processed in time
// order; the slice is not modified. Any hook installed with OnTransition is
// replaced for the duration of the run.
func (p *Pipeline) Run(samples []sensor.Sample, tick, tail time.Duration) Result {
	if tick <= 0 {
		tick = DefaultTick
	}
	var res Result
	if len(samples) == 0 {
		res.Final = p.Snapshot()
		return res
	}
	ordered := make([]sensor.Sample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	prev := p.det.Snapshot().FallDetected
	p.det.OnTransition(func(t fall.Transition) { res.Transitions = append(res.Transitions, t) })
	defer p.det.OnTransition(nil)

	step := func(now time.Time) {
		s := p.Tick(now)
		res.Ticks++
		if s.FallDetected && !prev {
			res.Falls++
		}
		prev = s.FallDetected
	}

	next := ordered[0].At.Add(tick)
	for _, s := range ordered {
		for next.Before(s.At) {
			step(next)
			next = next.Add(tick)
		}
		p.Ingest(s)
	}
	end := ordered[len(ordered)-1].At.Add(tail)
	for !next.After(end) {
		step(next)
		next = next.Add(tick)
	}
	res.Final = p.Snapshot()
	return res
}
