package sensor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVec3_Norm(t *testing.T) {
	assert.InDelta(t, 5.0, Vec3{3, 4, 0}.Norm(), 1e-12)
	assert.InDelta(t, math.Sqrt(3), Vec3{1, 1, 1}.Norm(), 1e-12)
	assert.Equal(t, Vec3{1, 2, 3}, Vec3{2, 4, 6}.Sub(Vec3{1, 2, 3}))
	assert.Equal(t, Vec3{2, 4, 6}, Vec3{1, 2, 3}.Scale(2))
}

func TestParseKind_RoundTrip(t *testing.T) {
	for _, k := range []Kind{KindGyro, KindAccel, KindBaro} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("magnetometer")
	assert.Error(t, err)
}

func TestCapabilities_Has(t *testing.T) {
	c := Capabilities{Gyro: true, Accel: true}
	assert.True(t, c.Has(KindGyro))
	assert.True(t, c.Has(KindAccel))
	assert.False(t, c.Has(KindBaro))
	assert.Equal(t, Unsupported, SupportOf(c.Baro))
}

func TestManualFeed_PushAndClose(t *testing.T) {
	ctx := context.Background()
	f := NewManualFeed(Capabilities{Gyro: true, Accel: true})

	// Nothing is delivered before Open.
	assert.False(t, f.Push(ctx, Accel(time.Unix(0, 0), 0, 0, 1)))

	st, err := f.Open(ctx)
	require.NoError(t, err)

	at := time.Unix(10, 0)
	require.True(t, f.Push(ctx, Accel(at, 0, 0, 1)))
	// Baro is not advertised.
	assert.False(t, f.Push(ctx, Baro(at, 1013.25)))

	s := <-st.C()
	assert.Equal(t, KindAccel, s.Kind)
	assert.Equal(t, at, s.At)

	require.NoError(t, st.Close())
	for range st.C() {
	}
	assert.False(t, f.Push(ctx, Accel(at, 0, 0, 1)))
}

func TestManualFeed_ContextCancelEndsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewManualFeed(Capabilities{Accel: true})
	st, err := f.Open(ctx)
	require.NoError(t, err)

	cancel()
	for range st.C() {
	}
	assert.ErrorIs(t, st.Err(), context.Canceled)
}
