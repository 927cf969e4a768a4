// Package sim renders deterministic sensor traces from scripted motion.
package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"fallsense/internal/opt"
	"fallsense/internal/replay"
	"fallsense/internal/sensor"
)

// ScenarioScript is a keyframed description of body motion as the sensors
// would see it.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 12s
//	rates:
//	  accel_hz: 30
//	  gyro_hz: 30
//	  baro_hz: 5
//	keyframes:
//	  - t: 0s
//	    accel: [0, 0, 1]       # g
//	    gyro: [0, 0, 0]        # rad/s
//	    pressure_hpa: 1013.25
//	  - t: 2s
//	    step: true
//	    accel: [0, 0, 0.05]
//
// Values interpolate linearly between keyframes. A keyframe with step set
// holds the previous values until its own time. Omitted values carry over
// from the previous keyframe; a script that never sets pressure_hpa has no
// barometer.
type ScenarioScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Rates     Rates         `yaml:"rates"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

type Rates struct {
	AccelHz float64 `yaml:"accel_hz"`
	GyroHz  float64 `yaml:"gyro_hz"`
	BaroHz  float64 `yaml:"baro_hz"`
}

type Keyframe struct {
	T           time.Duration `yaml:"t"`
	Step        bool          `yaml:"step"`
	Accel       *[3]float64   `yaml:"accel"`
	Gyro        *[3]float64   `yaml:"gyro"`
	PressureHpa *float64      `yaml:"pressure_hpa"`
}

// State is the scripted sensor truth at an instant.
type State struct {
	Accel       sensor.Vec3
	Gyro        sensor.Vec3
	PressureHpa opt.Value[float64]
}

type frame struct {
	t     time.Duration
	step  bool
	accel sensor.Vec3
	gyro  sensor.Vec3
	press float64
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	frames   []frame
	rates    Rates
	hasBaro  bool
	duration time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// LoadScenario is LoadScenarioScript followed by NewScenario.
func LoadScenario(path string) (*Scenario, error) {
	script, err := LoadScenarioScript(path)
	if err != nil {
		return nil, err
	}
	return NewScenario(script)
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}

	rates := script.Rates
	if rates.AccelHz == 0 {
		rates.AccelHz = 30
	}
	if rates.GyroHz == 0 {
		rates.GyroHz = 30
	}
	if rates.BaroHz == 0 {
		rates.BaroHz = 5
	}
	if rates.AccelHz < 0 || rates.GyroHz < 0 || rates.BaroHz < 0 {
		return nil, fmt.Errorf("rates must be > 0")
	}

	frames := make([]frame, 0, len(script.Keyframes))
	prev := frame{accel: sensor.Vec3{Z: 1}}
	hasBaro := false
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		f := prev
		f.t = kf.T
		f.step = kf.Step
		if kf.Accel != nil {
			f.accel = sensor.Vec3{X: kf.Accel[0], Y: kf.Accel[1], Z: kf.Accel[2]}
		}
		if kf.Gyro != nil {
			f.gyro = sensor.Vec3{X: kf.Gyro[0], Y: kf.Gyro[1], Z: kf.Gyro[2]}
		}
		if kf.PressureHpa != nil {
			if *kf.PressureHpa <= 0 {
				return nil, fmt.Errorf("keyframes[%d].pressure_hpa must be > 0", i)
			}
			if !hasBaro {
				// Earlier keyframes take the first pressure seen.
				for j := range frames {
					frames[j].press = *kf.PressureHpa
				}
			}
			f.press = *kf.PressureHpa
			hasBaro = true
		}
		frames = append(frames, f)
		prev = f
	}

	dur := script.Duration
	if dur <= 0 {
		dur = frames[len(frames)-1].t
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}

	return &Scenario{frames: frames, rates: rates, hasBaro: hasBaro, duration: dur}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// Capabilities reports the sensors the script drives.
func (s *Scenario) Capabilities() sensor.Capabilities {
	if s == nil {
		return sensor.Capabilities{}
	}
	return sensor.Capabilities{Gyro: true, Accel: true, Baro: s.hasBaro}
}

// StateAt computes the scripted state at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is clamped
// to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) State {
	if s == nil {
		return State{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if loop {
			elapsed = elapsed % s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	f0, f1, alpha := selectSegment(s.frames, elapsed)
	st := State{
		Accel: lerpVec(f0.accel, f1.accel, alpha),
		Gyro:  lerpVec(f0.gyro, f1.gyro, alpha),
	}
	if s.hasBaro {
		st.PressureHpa = opt.Some(lerp(f0.press, f1.press, alpha))
	}
	return st
}

// Render samples the script at the configured rates over [0, Duration()]
// and returns the samples ordered by time, starting at base.
func (s *Scenario) Render(base time.Time) []sensor.Sample {
	if s == nil {
		return nil
	}
	var out []sensor.Sample
	each := func(hz float64, fn func(at time.Time, st State) sensor.Sample) {
		period := time.Duration(float64(time.Second) / hz)
		if period <= 0 {
			return
		}
		for i := 0; ; i++ {
			el := time.Duration(i) * period
			if el > s.duration {
				return
			}
			out = append(out, fn(base.Add(el), s.StateAt(el, false)))
		}
	}
	each(s.rates.AccelHz, func(at time.Time, st State) sensor.Sample {
		return sensor.Accel(at, st.Accel.X, st.Accel.Y, st.Accel.Z)
	})
	each(s.rates.GyroHz, func(at time.Time, st State) sensor.Sample {
		return sensor.Gyro(at, st.Gyro.X, st.Gyro.Y, st.Gyro.Z)
	})
	if s.hasBaro {
		each(s.rates.BaroHz, func(at time.Time, st State) sensor.Sample {
			return sensor.Baro(at, st.PressureHpa.Or(0))
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Records converts the rendered script into a replay trace with a single
// START segment.
func (s *Scenario) Records() []replay.Record {
	samples := s.Render(time.Time{})
	recs := make([]replay.Record, 0, len(samples)+1)
	recs = append(recs, replay.Record{Start: true})
	for _, smp := range samples {
		at := smp.At.Sub(time.Time{})
		smp.At = time.Time{}
		recs = append(recs, replay.Record{At: at, Sample: smp})
	}
	return recs
}

// NewFeed plays the scenario in real time as a sensor feed.
func NewFeed(s *Scenario, loop bool) *replay.Feed {
	return replay.NewFeed(s.Records(), 1, loop)
}

func selectSegment(fs []frame, t time.Duration) (frame, frame, float64) {
	if len(fs) == 1 {
		return fs[0], fs[0], 0
	}
	idx := sort.Search(len(fs), func(i int) bool { return fs[i].t > t })
	if idx <= 0 {
		return fs[0], fs[0], 0
	}
	if idx >= len(fs) {
		last := fs[len(fs)-1]
		return last, last, 0
	}
	k0 := fs[idx-1]
	k1 := fs[idx]
	dt := k1.t - k0.t
	if k1.step || dt <= 0 {
		return k0, k0, 0
	}
	alpha := float64(t-k0.t) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpVec(a, b sensor.Vec3, t float64) sensor.Vec3 {
	return sensor.Vec3{X: lerp(a.X, b.X, t), Y: lerp(a.Y, b.Y, t), Z: lerp(a.Z, b.Z, t)}
}
