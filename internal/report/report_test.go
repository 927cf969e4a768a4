package report

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"fallsense/internal/accel"
	"fallsense/internal/baro"
	"fallsense/internal/fall"
	"fallsense/internal/gyro"
	"fallsense/internal/opt"
	"fallsense/internal/pipeline"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func f64(v float64) *float64 { return &v }

func TestSeverityForAngle(t *testing.T) {
	cases := []struct {
		deg  float64
		ok   bool
		want Severity
	}{
		{0, true, SeverityLow},
		{15, true, SeverityLow},
		{15.5, true, SeverityMid},
		{44.9, true, SeverityMid},
		{45, true, SeverityHigh},
		{170, true, SeverityHigh},
		{-60, true, SeverityHigh},
		{-10, true, SeverityLow},
		{0, false, SeverityNA},
		{math.NaN(), true, SeverityNA},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SeverityForAngle(c.deg, c.ok), "deg=%v ok=%v", c.deg, c.ok)
	}
}

func snapshot() pipeline.Snapshot {
	ev := &fall.Event{At: t0, Reason: fall.ReasonFallConfirmed, AccelMin: 0.1, AccelPeak: 2.5, GyroPeakDeg: 250}
	return pipeline.Snapshot{
		Fall:  fall.Snapshot{FallDetected: true, State: fall.Post, LastEvent: ev},
		Gyro:  gyro.State{Angle: opt.Some(gyro.Orientation{X: 62.5, At: t0})},
		Accel: accel.State{Linear: opt.Some(accel.Vector{X: 0.3, Mag: 0.3})},
		Baro:  baro.State{PressureHpa: opt.Some(1009.5)},
	}
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return strconv.Itoa(n)
	}
}

func TestFall_FromSnapshot(t *testing.T) {
	r := Fall("FALL-x", t0, snapshot())
	want := Report{
		ID:             "FALL-x",
		CreatedAt:      t0,
		Type:           TypeFall,
		Severity:       SeverityHigh,
		AngleDeg:       f64(62.5),
		LinearAccelMS2: f64(0.3),
		PressureHpa:    f64(1009.5),
		Event:          snapshot().Fall.LastEvent,
	}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestFall_MissingSensors(t *testing.T) {
	r := Fall("FALL-y", t0, pipeline.Snapshot{})
	assert.Equal(t, SeverityNA, r.Severity)
	assert.Nil(t, r.AngleDeg)
	assert.Nil(t, r.LinearAccelMS2)
	assert.Nil(t, r.PressureHpa)
	assert.Nil(t, r.Event)
}

func TestBuilder_ResolveSavesPending(t *testing.T) {
	var saved []Report
	sink := SinkFunc(func(_ context.Context, r Report) error {
		saved = append(saved, r)
		return nil
	})
	now := t0
	b := NewBuilder(sink, WithIDs(seqIDs()), WithClock(func() time.Time { return now }))

	r, ok := b.OnFall(snapshot())
	require.True(t, ok)
	assert.Equal(t, "FALL-1", r.ID)

	// A second edge while pending keeps the first snapshot.
	again, ok := b.OnFall(pipeline.Snapshot{})
	assert.False(t, ok)
	assert.Equal(t, r.ID, again.ID)

	now = t0.Add(30 * time.Second)
	final, err := b.Resolve(context.Background(), ResolutionCallHelp)
	require.NoError(t, err)
	assert.Equal(t, ResolutionCallHelp, final.Resolution)
	assert.Equal(t, now, final.ResolvedAt)
	require.Len(t, saved, 1)
	assert.Equal(t, "FALL-1", saved[0].ID)

	_, pending := b.Pending()
	assert.False(t, pending)
	_, err = b.Resolve(context.Background(), ResolutionOK)
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestBuilder_StopFinalizesPending(t *testing.T) {
	var saved []Report
	b := NewBuilder(SinkFunc(func(_ context.Context, r Report) error {
		saved = append(saved, r)
		return nil
	}), WithIDs(seqIDs()), WithClock(func() time.Time { return t0 }))

	b.OnFall(snapshot())
	r, err := b.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypeFall, r.Type)
	assert.Equal(t, ResolutionMonitoringOff, r.Resolution)
	require.Len(t, saved, 1)
}

func TestBuilder_StopWithoutPendingWritesCleanup(t *testing.T) {
	var saved []Report
	b := NewBuilder(SinkFunc(func(_ context.Context, r Report) error {
		saved = append(saved, r)
		return nil
	}), WithIDs(seqIDs()), WithClock(func() time.Time { return t0 }))

	r, err := b.Stop(context.Background())
	require.NoError(t, err)
	want := Report{
		ID:         "CLEANUP-1",
		CreatedAt:  t0,
		Type:       TypeCleanup,
		Severity:   SeverityNA,
		Resolution: ResolutionMonitoringOff,
		ResolvedAt: t0,
	}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Fatalf("cleanup mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, saved, 1)
}

func TestBuilder_SinkErrorIsWrapped(t *testing.T) {
	boom := errors.New("disk full")
	b := NewBuilder(SinkFunc(func(context.Context, Report) error { return boom }), WithIDs(seqIDs()))
	b.OnFall(snapshot())
	_, err := b.Resolve(context.Background(), ResolutionOK)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "FALL-1")
	_, pending := b.Pending()
	assert.False(t, pending)
}

func TestBuilder_NilSink(t *testing.T) {
	b := NewBuilder(nil)
	_, err := b.Stop(context.Background())
	assert.NoError(t, err)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := LogSink{Log: zap.New(core)}
	r := Fall("FALL-z", t0, snapshot())
	r.Resolution = ResolutionOK
	require.NoError(t, s.Save(context.Background(), r))

	entries := logs.FilterMessage("report").All()
	require.Len(t, entries, 1)
	m := entries[0].ContextMap()
	assert.Equal(t, "FALL-z", m["id"])
	assert.Equal(t, "High", m["severity"])
	assert.Equal(t, "ok", m["resolution"])
	assert.Equal(t, 62.5, m["angle_deg"])
	assert.Equal(t, fall.ReasonFallConfirmed, m["reason"])

	assert.NoError(t, LogSink{}.Save(context.Background(), r))
}

func TestReport_JSON(t *testing.T) {
	b, err := json.Marshal(Cleanup("CLEANUP-1", t0))
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"type":"Cleanup"`)
	assert.Contains(t, s, `"severity":"N/A"`)
	assert.NotContains(t, s, "angleDeg")

	b, err = json.Marshal(Fall("FALL-1", t0, snapshot()))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "resolvedAt")
	assert.Contains(t, string(b), `"angleDeg":62.5`)
}
