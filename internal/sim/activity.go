package sim

import (
	"math"
	"time"

	"fallsense/internal/sensor"
)

// Walk produces periodic everyday motion: a vertical bob per step and a
// slower body sway. It is used to check that ordinary activity stays idle.
type Walk struct {
	StepHz   float64
	BobG     float64
	SwayRadS float64
	Hz       float64
}

func (w Walk) withDefaults() Walk {
	if w.StepHz <= 0 {
		w.StepHz = 1.8
	}
	if w.BobG == 0 {
		w.BobG = 0.25
	}
	if w.SwayRadS == 0 {
		w.SwayRadS = 0.6
	}
	if w.Hz <= 0 {
		w.Hz = 30
	}
	return w
}

// StateAt returns the accel (g) and gyro (rad/s) readings at elapsed.
func (w Walk) StateAt(elapsed time.Duration) State {
	w = w.withDefaults()
	sec := elapsed.Seconds()
	bob := math.Sin(2 * math.Pi * w.StepHz * sec)
	// Sway is decoupled from the step rate to avoid a repetitive sync.
	sway := math.Sin(2 * math.Pi * (w.StepHz / 2) * sec)
	return State{
		Accel: sensor.Vec3{X: 0.05 * sway, Z: 1 + w.BobG*bob},
		Gyro:  sensor.Vec3{Y: w.SwayRadS * sway},
	}
}

// Render samples accel and gyro at w.Hz for dur, starting at base.
func (w Walk) Render(base time.Time, dur time.Duration) []sensor.Sample {
	w = w.withDefaults()
	period := time.Duration(float64(time.Second) / w.Hz)
	var out []sensor.Sample
	for el := time.Duration(0); el < dur; el += period {
		st := w.StateAt(el)
		at := base.Add(el)
		out = append(out,
			sensor.Accel(at, st.Accel.X, st.Accel.Y, st.Accel.Z),
			sensor.Gyro(at, st.Gyro.X, st.Gyro.Y, st.Gyro.Z),
		)
	}
	return out
}
