package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fallsense/internal/sensor"
)

func TestRecorder_TeesSamplesToTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.trace")
	w, err := CreateWriter(path)
	require.NoError(t, err)

	inner := sensor.NewManualFeed(sensor.Capabilities{Accel: true, Baro: true})
	rec := NewRecorder(inner, w, nil)
	assert.Equal(t, inner.Probe(), rec.Probe())

	ctx, cancel := context.WithCancel(context.Background())
	st, err := rec.Open(ctx)
	require.NoError(t, err)

	t0 := time.Unix(100, 0)
	require.Eventually(t, func() bool {
		return inner.Push(ctx, sensor.Accel(t0, 0, 0, 1))
	}, time.Second, time.Millisecond)
	require.True(t, inner.Push(ctx, sensor.Baro(t0.Add(250*time.Millisecond), 1013.25)))

	got := []sensor.Sample{<-st.C(), <-st.C()}
	assert.Equal(t, sensor.KindAccel, got[0].Kind)
	assert.Equal(t, sensor.KindBaro, got[1].Kind)

	cancel()
	for range st.C() {
	}
	require.NoError(t, rec.Close())
	assert.NoError(t, rec.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "START\n0,accel,0,0,1\n250000000,baro,1013.25\n", string(b))
}
