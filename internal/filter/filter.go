// Package filter holds the signal-conditioning primitives shared by the
// estimators: exponential smoothing, stillness hold with hysteresis, and
// emission throttling.
package filter

import (
	"time"

	"fallsense/internal/sensor"
)

// EMA is y = alpha*x + (1-alpha)*y. The first sample seeds the filter.
type EMA struct {
	Alpha float64

	v    float64
	have bool
}

func (e *EMA) Update(x float64) float64 {
	if !e.have {
		e.v = x
		e.have = true
		return e.v
	}
	e.v = e.Alpha*x + (1-e.Alpha)*e.v
	return e.v
}

func (e *EMA) Value() (float64, bool) {
	return e.v, e.have
}

func (e *EMA) Reset() {
	e.v = 0
	e.have = false
}

// Vec3EMA applies the same EMA to each axis.
type Vec3EMA struct {
	Alpha float64

	v    sensor.Vec3
	have bool
}

func (e *Vec3EMA) Update(x sensor.Vec3) sensor.Vec3 {
	if !e.have {
		e.v = x
		e.have = true
		return e.v
	}
	a := e.Alpha
	e.v = sensor.Vec3{
		X: a*x.X + (1-a)*e.v.X,
		Y: a*x.Y + (1-a)*e.v.Y,
		Z: a*x.Z + (1-a)*e.v.Z,
	}
	return e.v
}

func (e *Vec3EMA) Value() (sensor.Vec3, bool) {
	return e.v, e.have
}

func (e *Vec3EMA) Reset() {
	e.v = sensor.Vec3{}
	e.have = false
}

// Hold freezes once a level stays strictly below Still for at least HoldFor,
// and unfreezes only when the level rises strictly above Unfreeze.
// Unfreeze > Still gives the hysteresis gap.
type Hold struct {
	Still    float64
	Unfreeze float64
	HoldFor  time.Duration

	frozen     bool
	stilling   bool
	stillSince time.Time
}

// Update feeds one level observed at now and reports whether the hold is
// frozen afterwards.
func (h *Hold) Update(now time.Time, level float64) bool {
	if h.frozen {
		if level > h.Unfreeze {
			h.Unlock()
		}
		return h.frozen
	}
	if level < h.Still {
		if !h.stilling {
			h.stilling = true
			h.stillSince = now
		}
		if now.Sub(h.stillSince) >= h.HoldFor {
			h.frozen = true
		}
		return h.frozen
	}
	h.stilling = false
	return false
}

func (h *Hold) Frozen() bool { return h.frozen }

// Lock forces the frozen state.
func (h *Hold) Lock() {
	h.frozen = true
}

// Unlock forces the unfrozen state and restarts the still timer.
func (h *Hold) Unlock() {
	h.frozen = false
	h.stilling = false
	h.stillSince = time.Time{}
}

// Throttle limits emissions to one per Interval.
type Throttle struct {
	Interval time.Duration

	last time.Time
	have bool
}

// IntervalForHz converts a rate into a throttle interval. Non-positive rates
// disable throttling.
func IntervalForHz(hz float64) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}

// Ready reports whether Interval has elapsed since the last Mark.
func (t *Throttle) Ready(now time.Time) bool {
	if !t.have {
		return true
	}
	return now.Sub(t.last) >= t.Interval
}

func (t *Throttle) Mark(now time.Time) {
	t.last = now
	t.have = true
}

func (t *Throttle) Reset() {
	t.last = time.Time{}
	t.have = false
}
