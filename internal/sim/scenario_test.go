package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fallsense/internal/fall"
	"fallsense/internal/pipeline"
	"fallsense/internal/sensor"
)

var t0 = time.Unix(1_700_000_000, 0)

func TestScenario_ParseAndInterpolate(t *testing.T) {
	yaml := []byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    accel: [0, 0, 1]
    gyro: [0, 0, 0]
  - t: 10s
    accel: [1, 0, 0]
    gyro: [2, 0, -2]
`)

	script, err := ParseScenarioScriptYAML(yaml)
	if err != nil {
		t.Fatalf("ParseScenarioScriptYAML: %v", err)
	}
	scn, err := NewScenario(script)
	if err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	if scn.Duration() != 10*time.Second {
		t.Fatalf("duration: got %s want %s", scn.Duration(), 10*time.Second)
	}
	if scn.Capabilities() != (sensor.Capabilities{Gyro: true, Accel: true}) {
		t.Fatalf("caps: %+v", scn.Capabilities())
	}

	st := scn.StateAt(5*time.Second, false)
	assert.Equal(t, sensor.Vec3{X: 0.5, Z: 0.5}, st.Accel)
	assert.Equal(t, sensor.Vec3{X: 1, Z: -1}, st.Gyro)
	assert.False(t, st.PressureHpa.OK())
}

func TestScenario_LoopAndClamp(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{
		Duration: 10 * time.Second,
		Keyframes: []Keyframe{
			{T: 0, Accel: &[3]float64{0, 0, 0}},
			{T: 10 * time.Second, Accel: &[3]float64{10, 0, 0}},
		},
	})
	require.NoError(t, err)

	// Clamp (no loop): 11s -> end state.
	assert.Equal(t, 10.0, scn.StateAt(11*time.Second, false).Accel.X)
	// Loop: 11s -> 1s.
	assert.Equal(t, 1.0, scn.StateAt(11*time.Second, true).Accel.X)
}

func TestScenario_StepAndCarryOver(t *testing.T) {
	scn, err := LoadScenario("testdata/fall.yaml")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, scn.Duration())
	assert.True(t, scn.Capabilities().Baro)

	before := scn.StateAt(1900*time.Millisecond, false)
	assert.Equal(t, sensor.Vec3{Z: 1}, before.Accel)

	ff := scn.StateAt(2100*time.Millisecond, false)
	assert.Equal(t, sensor.Vec3{Z: 0.05}, ff.Accel)
	assert.Equal(t, sensor.Vec3{X: 8}, ff.Gyro)

	// Gyro is not set on the impact keyframe and carries over.
	impact := scn.StateAt(2300*time.Millisecond, false)
	assert.Equal(t, sensor.Vec3{Z: 4}, impact.Accel)
	assert.Equal(t, sensor.Vec3{X: 8}, impact.Gyro)

	p, ok := scn.StateAt(5*time.Second, false).PressureHpa.Get()
	require.True(t, ok)
	assert.Equal(t, 1013.25, p)
}

func TestScenario_PressureBackfillsEarlierKeyframes(t *testing.T) {
	press := 1000.0
	scn, err := NewScenario(ScenarioScript{
		Keyframes: []Keyframe{
			{T: 0},
			{T: time.Second, PressureHpa: &press},
		},
	})
	require.NoError(t, err)
	p, ok := scn.StateAt(0, false).PressureHpa.Get()
	require.True(t, ok)
	assert.Equal(t, 1000.0, p)
	// Default posture is upright.
	assert.Equal(t, sensor.Vec3{Z: 1}, scn.StateAt(0, false).Accel)
}

func TestNewScenario_Validation(t *testing.T) {
	neg := -1.0
	cases := []struct {
		name   string
		script ScenarioScript
		want   string
	}{
		{"Version", ScenarioScript{Version: 2, Keyframes: []Keyframe{{T: time.Second}}}, "unsupported scenario version 2"},
		{"Empty", ScenarioScript{}, "keyframes is required"},
		{"Negative", ScenarioScript{Keyframes: []Keyframe{{T: -time.Second}}}, "keyframes[0].t must be >= 0"},
		{"Unsorted", ScenarioScript{Keyframes: []Keyframe{{T: 2 * time.Second}, {T: time.Second}}}, "keyframes must be sorted by t (index 1)"},
		{"Pressure", ScenarioScript{Keyframes: []Keyframe{{T: time.Second, PressureHpa: &neg}}}, "keyframes[0].pressure_hpa must be > 0"},
		{"Duration", ScenarioScript{Keyframes: []Keyframe{{T: 0}}}, "duration is required (or deriveable from keyframes)"},
		{"Rates", ScenarioScript{Rates: Rates{BaroHz: -1}, Keyframes: []Keyframe{{T: time.Second}}}, "rates must be > 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewScenario(tc.script)
			require.Error(t, err)
			assert.Equal(t, tc.want, err.Error())
		})
	}
}

func TestScenario_Render(t *testing.T) {
	scn, err := LoadScenario("testdata/fall.yaml")
	require.NoError(t, err)

	samples := scn.Render(t0)
	counts := map[sensor.Kind]int{}
	for i, s := range samples {
		counts[s.Kind]++
		if i > 0 {
			require.False(t, s.At.Before(samples[i-1].At), "samples out of order at %d", i)
		}
	}
	assert.Equal(t, 361, counts[sensor.KindAccel])
	assert.Equal(t, 361, counts[sensor.KindGyro])
	assert.Equal(t, 61, counts[sensor.KindBaro])
	assert.Equal(t, t0, samples[0].At)
}

func TestScenario_FallIsDetectedEndToEnd(t *testing.T) {
	scn, err := LoadScenario("testdata/fall.yaml")
	require.NoError(t, err)

	p := pipeline.New(pipeline.Config{})
	p.SetCapabilities(scn.Capabilities())
	res := p.Run(scn.Render(t0), pipeline.DefaultTick, 0)

	var got []fall.State
	for _, tr := range res.Transitions {
		got = append(got, tr.To)
	}
	assert.Equal(t, []fall.State{fall.Possible, fall.Confirmed, fall.Post, fall.Idle}, got)
	assert.Equal(t, 1, res.Falls)
	assert.True(t, res.Final.Baro.Frozen)
}

func TestWalk_StaysIdle(t *testing.T) {
	p := pipeline.New(pipeline.Config{})
	p.SetCapabilities(sensor.Capabilities{Gyro: true, Accel: true})
	res := p.Run(Walk{}.Render(t0, 20*time.Second), pipeline.DefaultTick, 0)
	assert.Empty(t, res.Transitions)
	assert.Zero(t, res.Falls)
}

func TestWalk_StateAt(t *testing.T) {
	w := Walk{StepHz: 1, BobG: 0.5, SwayRadS: 1}
	st := w.StateAt(250 * time.Millisecond)
	assert.InDelta(t, 1.5, st.Accel.Z, 1e-9)
	assert.InDelta(t, math.Sqrt2/2, st.Gyro.Y, 1e-9)
}

func TestNewFeed_PlaysRenderedTrace(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{
		Rates:     Rates{AccelHz: 10, GyroHz: 10},
		Keyframes: []Keyframe{{T: 0}, {T: 100 * time.Millisecond}},
	})
	require.NoError(t, err)

	f := NewFeed(scn, false)
	f.Sleeper = noSleep{}
	assert.Equal(t, scn.Capabilities(), f.Probe())

	st, err := f.Open(context.Background())
	require.NoError(t, err)
	defer st.Close()
	n := 0
	for range st.C() {
		n++
	}
	// Two instants (0 and 100ms) of accel and gyro each.
	assert.Equal(t, 4, n)
	assert.NoError(t, st.Err())
}

type noSleep struct{}

func (noSleep) Sleep(context.Context, time.Duration) error { return nil }
