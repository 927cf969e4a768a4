// Package fall fuses the estimator outputs on a fixed tick and runs the
// free-fall / impact / stillness state machine.
package fall

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"fallsense/internal/opt"
	"fallsense/internal/ring"
)

type Config struct {
	FreeFallG    float64
	ImpactG      float64
	GyroDegS     float64
	BaroDescendM float64

	ConfirmWindow time.Duration

	PostStill         time.Duration
	PostStillLinear   float64
	PostStillGyroDegS float64

	ConfirmedTimeout time.Duration
	PostHold         time.Duration

	BufferSize int
	BaroWindow int
}

func DefaultConfig() Config {
	return Config{
		FreeFallG:         0.6,
		ImpactG:           2.0,
		GyroDegS:          200,
		BaroDescendM:      0.05,
		ConfirmWindow:     1500 * time.Millisecond,
		PostStill:         1200 * time.Millisecond,
		PostStillLinear:   0.5,
		PostStillGyroDegS: 12,
		ConfirmedTimeout:  10 * time.Second,
		PostHold:          5 * time.Second,
		BufferSize:        200,
		BaroWindow:        8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FreeFallG <= 0 {
		c.FreeFallG = d.FreeFallG
	}
	if c.ImpactG <= 0 {
		c.ImpactG = d.ImpactG
	}
	if c.GyroDegS <= 0 {
		c.GyroDegS = d.GyroDegS
	}
	if c.BaroDescendM <= 0 {
		c.BaroDescendM = d.BaroDescendM
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = d.ConfirmWindow
	}
	if c.PostStill <= 0 {
		c.PostStill = d.PostStill
	}
	if c.PostStillLinear <= 0 {
		c.PostStillLinear = d.PostStillLinear
	}
	if c.PostStillGyroDegS <= 0 {
		c.PostStillGyroDegS = d.PostStillGyroDegS
	}
	if c.ConfirmedTimeout <= 0 {
		c.ConfirmedTimeout = d.ConfirmedTimeout
	}
	if c.PostHold <= 0 {
		c.PostHold = d.PostHold
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.BaroWindow < 2 {
		c.BaroWindow = d.BaroWindow
	}
	return c
}

type State int

const (
	Idle State = iota
	Possible
	Confirmed
	Post
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Possible:
		return "possible"
	case Confirmed:
		return "confirmed"
	case Post:
		return "post"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	ReasonImpactAfterFreeFall = "impact_after_freefall"
	ReasonFallConfirmed       = "fall_confirmed"
)

// Event is the measurement record attached to a detected fall.
// BaroDeltaM is nil when no altitude delta could be computed.
type Event struct {
	At          time.Time `json:"t"`
	Reason      string    `json:"reason"`
	AccelMin    float64   `json:"accelMin"`
	AccelPeak   float64   `json:"accelPeak"`
	GyroPeakDeg float64   `json:"gyroPeakDeg"`
	BaroDeltaM  *float64  `json:"baroDeltaM,omitempty"`
}

func (e Event) clone() Event {
	if e.BaroDeltaM != nil {
		v := *e.BaroDeltaM
		e.BaroDeltaM = &v
	}
	return e
}

// Inputs are the estimator readings sampled for one tick. Absent values
// mean the estimator has not produced anything yet.
type Inputs struct {
	// AccelG is the smoothed specific-force magnitude in g.
	AccelG opt.Value[float64]
	// LinearMS2 is the gravity-removed magnitude in m/s².
	LinearMS2 opt.Value[float64]
	// GyroDegS is the smoothed angular speed in deg/s.
	GyroDegS opt.Value[float64]
	// BaroAltM is the relative altitude in meters, positive up.
	BaroAltM   opt.Value[float64]
	BaroFrozen bool
}

type Snapshot struct {
	FallDetected bool
	State        State
	LastEvent    *Event
	AccelLen     int
	GyroLen      int
	BaroLen      int
}

// Transition is reported to the hook on every state change.
type Transition struct {
	From, To State
	At       time.Time
	Event    *Event
}

// Detector is confined to one goroutine; Tick and Reset must not race.
type Detector struct {
	cfg Config

	state    State
	detected bool
	last     opt.Value[Event]

	accel *ring.Buffer[float64]
	gyro  *ring.Buffer[float64]
	baro  *ring.Buffer[float64]

	tPossible  opt.Value[time.Time]
	tImpact    opt.Value[time.Time]
	stillSince opt.Value[time.Time]

	onTransition func(Transition)
}

func New(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:   cfg,
		accel: ring.New[float64](cfg.BufferSize),
		gyro:  ring.New[float64](cfg.BufferSize),
		baro:  ring.New[float64](cfg.BufferSize),
	}
}

func (d *Detector) Config() Config { return d.cfg }

// OnTransition installs a hook called synchronously from Tick and Reset.
func (d *Detector) OnTransition(fn func(Transition)) { d.onTransition = fn }

type window struct {
	minA, maxA opt.Value[float64]
	maxG       opt.Value[float64]
	baroDelta  opt.Value[float64]
}

func (d *Detector) stats() window {
	var w window
	if a := d.accel.Slice(); len(a) > 0 {
		w.minA = opt.Some(floats.Min(a))
		w.maxA = opt.Some(floats.Max(a))
	}
	if g := d.gyro.Slice(); len(g) > 0 {
		w.maxG = opt.Some(floats.Max(g))
	}
	if d.baro.Len() >= 2 {
		recent := d.baro.Tail(d.cfg.BaroWindow)
		latest, _ := d.baro.Last()
		// Altitude is positive up, so a drop below the recent mean is descent.
		w.baroDelta = opt.Some(stat.Mean(recent, nil) - latest)
	}
	return w
}

func below(v opt.Value[float64], lim float64) bool {
	x, ok := v.Get()
	return ok && x < lim
}

func above(v opt.Value[float64], lim float64) bool {
	x, ok := v.Get()
	return ok && x > lim
}

// Tick samples the inputs, updates the rolling buffers and evaluates at most
// one state transition. It never fails: absent inputs only make detection
// less likely.
func (d *Detector) Tick(now time.Time, in Inputs) Snapshot {
	if a, ok := in.AccelG.Get(); ok {
		d.accel.Push(a)
	}
	d.gyro.Push(in.GyroDegS.Or(0))
	if h, ok := in.BaroAltM.Get(); ok {
		d.baro.Push(h)
	}

	w := d.stats()
	freeFall := below(w.minA, d.cfg.FreeFallG)
	impact := above(w.maxA, d.cfg.ImpactG)
	rotation := above(w.maxG, d.cfg.GyroDegS)
	descend := above(w.baroDelta, d.cfg.BaroDescendM)
	baroAvailable := !in.BaroFrozen && w.baroDelta.OK()

	switch d.state {
	case Idle:
		if freeFall {
			d.tPossible = opt.Some(now)
			d.transition(Possible, now)
		}

	case Possible:
		tp, _ := d.tPossible.Get()
		inWindow := now.Sub(tp) < d.cfg.ConfirmWindow
		corroborated := rotation || (baroAvailable && descend) || !baroAvailable
		switch {
		case impact && inWindow && corroborated:
			d.tImpact = opt.Some(now)
			d.stillSince = opt.None[time.Time]()
			d.last = opt.Some(Event{
				At:          now,
				Reason:      ReasonImpactAfterFreeFall,
				AccelMin:    w.minA.Or(0),
				AccelPeak:   w.maxA.Or(0),
				GyroPeakDeg: w.maxG.Or(0),
				BaroDeltaM:  ptr(w.baroDelta),
			})
			d.transition(Confirmed, now)
		case !inWindow:
			d.tPossible = opt.None[time.Time]()
			d.transition(Idle, now)
		}

	case Confirmed:
		ti, _ := d.tImpact.Get()
		still := below(in.LinearMS2, d.cfg.PostStillLinear) && in.GyroDegS.Or(0) < d.cfg.PostStillGyroDegS
		if !still {
			d.stillSince = opt.None[time.Time]()
		} else if !d.stillSince.OK() {
			d.stillSince = opt.Some(now)
		}
		if since, ok := d.stillSince.Get(); ok && now.Sub(since) >= d.cfg.PostStill {
			d.detected = true
			ev := d.last.Or(Event{})
			ev.At = now
			ev.Reason = ReasonFallConfirmed
			ev.AccelPeak = w.maxA.Or(ev.AccelPeak)
			ev.GyroPeakDeg = w.maxG.Or(ev.GyroPeakDeg)
			if p := ptr(w.baroDelta); p != nil {
				ev.BaroDeltaM = p
			}
			d.last = opt.Some(ev)
			d.transition(Post, now)
			break
		}
		if now.Sub(ti) > d.cfg.ConfirmedTimeout {
			d.clearTimers()
			d.transition(Idle, now)
		}

	case Post:
		ti, _ := d.tImpact.Get()
		if now.Sub(ti) > d.cfg.PostHold {
			d.detected = false
			d.clearBuffers()
			d.clearTimers()
			d.transition(Idle, now)
		}
	}
	return d.Snapshot()
}

// Reset returns to idle, dropping the flag, buffers, timers and last event.
// It is idempotent.
func (d *Detector) Reset(now time.Time) {
	d.detected = false
	d.last = opt.None[Event]()
	d.clearBuffers()
	d.clearTimers()
	if d.state != Idle {
		d.transition(Idle, now)
	}
}

func (d *Detector) Snapshot() Snapshot {
	s := Snapshot{
		FallDetected: d.detected,
		State:        d.state,
		AccelLen:     d.accel.Len(),
		GyroLen:      d.gyro.Len(),
		BaroLen:      d.baro.Len(),
	}
	if ev, ok := d.last.Get(); ok {
		c := ev.clone()
		s.LastEvent = &c
	}
	return s
}

func (d *Detector) transition(to State, now time.Time) {
	from := d.state
	d.state = to
	if d.onTransition == nil {
		return
	}
	t := Transition{From: from, To: to, At: now}
	if ev, ok := d.last.Get(); ok {
		c := ev.clone()
		t.Event = &c
	}
	d.onTransition(t)
}

func (d *Detector) clearBuffers() {
	d.accel.Clear()
	d.gyro.Clear()
	d.baro.Clear()
}

func (d *Detector) clearTimers() {
	d.tPossible = opt.None[time.Time]()
	d.tImpact = opt.None[time.Time]()
	d.stillSince = opt.None[time.Time]()
}

func ptr(v opt.Value[float64]) *float64 {
	x, ok := v.Get()
	if !ok {
		return nil
	}
	return &x
}
