package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeOutput struct {
	mu     sync.Mutex
	states []bool
	failOn int
	closed bool
}

func (f *fakeOutput) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, on)
	if f.failOn > 0 && len(f.states) == f.failOn {
		return errors.New("line busy")
	}
	return nil
}

func (f *fakeOutput) Close() error {
	f.closed = true
	return nil
}

type fakeSleeper struct {
	slept []time.Duration
	block chan struct{}
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func TestNotifier_PlaysDefaultPattern(t *testing.T) {
	out := &fakeOutput{}
	sl := &fakeSleeper{}
	n := NewNotifier(out, nil, nil)
	n.sleeper = sl

	require.NoError(t, n.Play(context.Background()))
	assert.Equal(t, []bool{true, false, true, false}, out.states)
	assert.Equal(t, DefaultPattern, sl.slept)
}

func TestNotifier_CustomPatternIsCopied(t *testing.T) {
	p := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	n := NewNotifier(&fakeOutput{}, p, nil)
	p[0] = time.Hour
	assert.Equal(t, time.Millisecond, n.pattern[0])
}

func TestNotifier_CancelLeavesOutputOff(t *testing.T) {
	out := &fakeOutput{}
	sl := &fakeSleeper{block: make(chan struct{})}
	n := NewNotifier(out, nil, nil)
	n.sleeper = sl

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := n.Play(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []bool{true, false}, out.states)
}

func TestNotifier_SetErrorStopsPattern(t *testing.T) {
	out := &fakeOutput{failOn: 2}
	n := NewNotifier(out, nil, nil)
	n.sleeper = &fakeSleeper{}
	err := n.Play(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line busy")
	// on, failed off, final off.
	assert.Equal(t, []bool{true, false, false}, out.states)
}

func TestNotifier_OverlappingPlayIsSkipped(t *testing.T) {
	out := &fakeOutput{}
	sl := &fakeSleeper{block: make(chan struct{})}
	n := NewNotifier(out, []time.Duration{time.Millisecond}, nil)
	n.sleeper = sl

	done := make(chan error, 1)
	go func() { done <- n.Play(context.Background()) }()
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.active
	}, time.Second, time.Millisecond)

	assert.NoError(t, n.Play(context.Background()))
	close(sl.block)
	require.NoError(t, <-done)
	assert.Equal(t, []bool{true, false}, out.states)
}

func TestNotifier_TriggerLogsFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	out := &fakeOutput{failOn: 1}
	n := NewNotifier(out, nil, zap.New(core))
	n.sleeper = &fakeSleeper{}
	n.Trigger(context.Background())
	require.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "alert pattern failed", logs.All()[0].Message)
}

func TestNotifier_NilSafe(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Play(context.Background()))
	n.Trigger(context.Background())
	assert.NoError(t, n.Close())
	assert.NoError(t, NewNotifier(nil, nil, nil).Play(context.Background()))
}

func TestNotifier_Close(t *testing.T) {
	out := &fakeOutput{}
	require.NoError(t, NewNotifier(out, nil, nil).Close())
	assert.True(t, out.closed)
}

func TestOpen_UsesPlatformHook(t *testing.T) {
	orig := openGPIOFn
	t.Cleanup(func() { openGPIOFn = orig })

	var gotPin int
	openGPIOFn = func(pin int) (Output, error) {
		gotPin = pin
		return &fakeOutput{}, nil
	}
	out, err := Open(18)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Equal(t, 18, gotPin)
}

func TestLogOutput(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	o := LogOutput{Log: zap.New(core)}
	require.NoError(t, o.Set(true))
	require.NoError(t, o.Close())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, true, logs.All()[0].ContextMap()["on"])
	assert.NoError(t, LogOutput{}.Set(false))
}
