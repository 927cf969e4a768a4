package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fallsense/internal/fall"
	"fallsense/internal/monitor"
	"fallsense/internal/report"
)

type fakeController struct {
	calls   []string
	pending bool
	failOn  string
	snap    monitor.Snapshot
}

func (f *fakeController) call(name string) error {
	f.calls = append(f.calls, name)
	if f.failOn == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (f *fakeController) Acknowledge(_ context.Context, res report.Resolution) (report.Report, error) {
	f.calls = append(f.calls, "ack:"+string(res))
	if !f.pending {
		return report.Report{}, report.ErrNoPending
	}
	f.pending = false
	return report.Report{ID: "FALL-1", Resolution: res}, nil
}

func (f *fakeController) Reset(context.Context) error        { return f.call("reset") }
func (f *fakeController) ZeroAltitude(context.Context) error { return f.call("zero") }
func (f *fakeController) Lock(context.Context) error         { return f.call("lock") }
func (f *fakeController) Unlock(context.Context) error       { return f.call("unlock") }
func (f *fakeController) Snapshot() monitor.Snapshot         { return f.snap }

func TestRunControl_Commands(t *testing.T) {
	c := &fakeController{pending: true}
	var out bytes.Buffer
	in := strings.NewReader("OK\n\nzero\nlock\nunlock\nreset\nquit\nreset\n")

	require.NoError(t, runControl(context.Background(), in, &out, c))

	want := []string{"ack:ok", "zero", "lock", "unlock", "reset"}
	if diff := cmp.Diff(want, c.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "FALL-1 resolved as ok", lines[0])
	assert.Equal(t, "detector reset", lines[4])
}

func TestRunControl_HelpWithoutPending(t *testing.T) {
	c := &fakeController{}
	var out bytes.Buffer
	require.NoError(t, runControl(context.Background(), strings.NewReader("help\n"), &out, c))
	assert.Equal(t, []string{"ack:call_help"}, c.calls)
	assert.Equal(t, "error: no fall to acknowledge\n", out.String())
}

func TestRunControl_ErrorsAreReported(t *testing.T) {
	c := &fakeController{failOn: "zero"}
	var out bytes.Buffer
	require.NoError(t, runControl(context.Background(), strings.NewReader("zero\nbogus\n"), &out, c))
	got := out.String()
	assert.Contains(t, got, "error: zero failed\n")
	assert.Contains(t, got, `error: unknown command "bogus"`)
}

func TestRunControl_StopsWhenContextDone(t *testing.T) {
	c := &fakeController{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	require.NoError(t, runControl(ctx, strings.NewReader("reset\n"), &out, c))
	assert.Empty(t, c.calls)
}

func TestRunControl_Status(t *testing.T) {
	c := &fakeController{}
	c.snap.Running = true
	c.snap.Samples = 42
	c.snap.Ticks = 7
	c.snap.Fall.State = fall.Possible

	var out bytes.Buffer
	require.NoError(t, runControl(context.Background(), strings.NewReader("status\n"), &out, c))

	var got status
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Running)
	assert.Equal(t, "possible", got.State)
	assert.False(t, got.FallDetected)
	assert.Equal(t, uint64(42), got.Samples)
	assert.Equal(t, uint64(7), got.Ticks)
	assert.Equal(t, "unknown", got.Baro.Support)
}
