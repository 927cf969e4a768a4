package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fallsense/internal/fall"
	"fallsense/internal/sensor"
)

var t0 = time.Unix(1_700_000_000, 0)

const period = time.Second / 30

// segment emits paired accel and gyro samples at 30 Hz.
type segment struct {
	dur   time.Duration
	accel sensor.Vec3
	gyro  sensor.Vec3
}

func render(start time.Time, segs []segment) ([]sensor.Sample, time.Time) {
	var out []sensor.Sample
	at := start
	for _, sg := range segs {
		end := at.Add(sg.dur)
		for ; at.Before(end); at = at.Add(period) {
			out = append(out,
				sensor.Accel(at, sg.accel.X, sg.accel.Y, sg.accel.Z),
				sensor.Gyro(at, sg.gyro.X, sg.gyro.Y, sg.gyro.Z),
			)
		}
	}
	return out, at
}

var upright = sensor.Vec3{Z: 1}

func fallSegments(lying time.Duration) []segment {
	return []segment{
		{dur: time.Second, accel: upright},
		{dur: 300 * time.Millisecond, accel: sensor.Vec3{Z: 0.05}, gyro: sensor.Vec3{X: 8}},
		{dur: 100 * time.Millisecond, accel: sensor.Vec3{Z: 4}, gyro: sensor.Vec3{X: 8}},
		{dur: lying, accel: sensor.Vec3{X: 1}},
	}
}

func states(ts []fall.Transition) []fall.State {
	var out []fall.State
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestRun_DetectsFallWithoutBarometer(t *testing.T) {
	p := New(Config{})
	p.SetCapabilities(sensor.Capabilities{Gyro: true, Accel: true})

	samples, _ := render(t0, fallSegments(8*time.Second))
	res := p.Run(samples, DefaultTick, 0)

	require.GreaterOrEqual(t, len(res.Transitions), 4)
	assert.Equal(t, []fall.State{fall.Possible, fall.Confirmed, fall.Post, fall.Idle}, states(res.Transitions[:4]))
	assert.Equal(t, 1, res.Falls)

	confirmed := res.Transitions[1]
	post := res.Transitions[2]
	require.NotNil(t, confirmed.Event)
	assert.Equal(t, fall.ReasonImpactAfterFreeFall, confirmed.Event.Reason)
	assert.Greater(t, confirmed.Event.AccelPeak, 2.0)
	assert.Less(t, confirmed.Event.AccelMin, 0.6)
	assert.Greater(t, confirmed.Event.GyroPeakDeg, 200.0)
	assert.Nil(t, confirmed.Event.BaroDeltaM)

	// Stillness needs the gravity filter to settle plus the 1.2s hold.
	gap := post.At.Sub(confirmed.At)
	assert.Greater(t, gap, 1200*time.Millisecond)
	assert.Less(t, gap, 4*time.Second)
	require.NotNil(t, post.Event)
	assert.Equal(t, fall.ReasonFallConfirmed, post.Event.Reason)

	assert.False(t, res.Final.Fall.FallDetected)
	assert.Equal(t, fall.Idle, res.Final.Fall.State)
}

func TestRun_NormalMotionStaysIdle(t *testing.T) {
	p := New(Config{})
	var segs []segment
	for i := 0; i < 10; i++ {
		segs = append(segs,
			segment{dur: 300 * time.Millisecond, accel: sensor.Vec3{Z: 1.3}, gyro: sensor.Vec3{Y: 1}},
			segment{dur: 300 * time.Millisecond, accel: sensor.Vec3{Z: 0.8}, gyro: sensor.Vec3{Y: -1}},
		)
	}
	samples, _ := render(t0, segs)
	res := p.Run(samples, DefaultTick, time.Second)
	assert.Empty(t, res.Transitions)
	assert.Zero(t, res.Falls)
	assert.Positive(t, res.Ticks)
}

func TestRun_SteadyBarometerFreezesAndWaivesCorroboration(t *testing.T) {
	segs := fallSegments(3 * time.Second)
	// No rotation anywhere.
	for i := range segs {
		segs[i].gyro = sensor.Vec3{}
	}
	imu, end := render(t0, segs)

	var flat []sensor.Sample
	for at := t0; at.Before(end); at = at.Add(200 * time.Millisecond) {
		flat = append(flat, sensor.Baro(at, 1013.25))
	}

	p := New(Config{})
	p.SetCapabilities(sensor.Capabilities{Gyro: true, Accel: true, Baro: true})
	res := p.Run(append(imu, flat...), DefaultTick, 0)

	require.GreaterOrEqual(t, len(res.Transitions), 2)
	assert.Equal(t, []fall.State{fall.Possible, fall.Confirmed}, states(res.Transitions[:2]))
	ev := res.Transitions[1].Event
	require.NotNil(t, ev)
	require.NotNil(t, ev.BaroDeltaM)
	assert.Equal(t, 0.0, *ev.BaroDeltaM)
	assert.True(t, res.Final.Baro.Frozen)
}

func TestPipeline_IngestHonoursCapabilities(t *testing.T) {
	p := New(Config{})
	p.SetCapabilities(sensor.Capabilities{Gyro: true, Accel: true})
	assert.False(t, p.Ingest(sensor.Baro(t0, 1013.25)))
	assert.False(t, p.Snapshot().Baro.PressureHpa.OK())
	assert.Equal(t, sensor.Unsupported, p.Snapshot().Baro.Supported)

	assert.True(t, p.Ingest(sensor.Accel(t0, 0, 0, 1)))
	in := p.Inputs()
	g, ok := in.AccelG.Get()
	require.True(t, ok)
	assert.InDelta(t, 1.0, g, 1e-12)
	assert.False(t, in.BaroAltM.OK())
	assert.False(t, in.GyroDegS.OK())
}

func TestPipeline_UnprobedAcceptsEverything(t *testing.T) {
	p := New(Config{})
	assert.True(t, p.Ingest(sensor.Baro(t0, 101325)))
	alt, ok := p.Inputs().BaroAltM.Get()
	require.True(t, ok)
	assert.Equal(t, 0.0, alt)
}

func TestPipeline_ZeroAltitude(t *testing.T) {
	p := New(Config{})
	require.Error(t, p.ZeroAltitude())
	p.Ingest(sensor.Baro(t0, 1013.25))
	p.Ingest(sensor.Baro(t0.Add(time.Second), 1012))
	require.NoError(t, p.ZeroAltitude())
	alt, _ := p.Inputs().BaroAltM.Get()
	assert.Equal(t, 0.0, alt)
}

func TestPipeline_ResetClearsDetectorOnly(t *testing.T) {
	p := New(Config{})
	p.Ingest(sensor.Accel(t0, 0, 0, 0.1))
	require.Equal(t, fall.Possible, p.Tick(t0.Add(50*time.Millisecond)).State)

	p.Reset(t0.Add(100 * time.Millisecond))
	s := p.Snapshot()
	assert.Equal(t, fall.Idle, s.Fall.State)
	assert.Zero(t, s.Fall.AccelLen)
	assert.True(t, s.Accel.SmoothedMag.OK())
}

func TestPipeline_LockUnlock(t *testing.T) {
	p := New(Config{})
	p.Ingest(sensor.Accel(t0, 0, 0, 1))
	p.Ingest(sensor.Gyro(t0, 0, 0, 0))
	p.Ingest(sensor.Baro(t0, 1013.25))
	p.Lock()
	s := p.Snapshot()
	assert.True(t, s.Gyro.Frozen)
	assert.True(t, s.Accel.Frozen)
	assert.True(t, s.Baro.Frozen)
	p.Unlock()
	s = p.Snapshot()
	assert.False(t, s.Gyro.Frozen || s.Accel.Frozen || s.Baro.Frozen)
}

func TestRun_Empty(t *testing.T) {
	p := New(Config{})
	res := p.Run(nil, 0, time.Second)
	assert.Zero(t, res.Ticks)
	assert.Equal(t, fall.Idle, res.Final.Fall.State)
}
