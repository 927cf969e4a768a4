// Package alert drives a local buzzer or vibration motor when a fall is
// confirmed.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPattern is on 200ms, off 80ms, on 200ms.
var DefaultPattern = []time.Duration{200 * time.Millisecond, 80 * time.Millisecond, 200 * time.Millisecond}

// Output is a single on/off actuator.
type Output interface {
	Set(on bool) error
	Close() error
}

// Sleeper abstracts time.Sleep so patterns can be tested without waiting.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Notifier plays an on/off pattern on an Output. Entries alternate on and
// off starting with on; the output is always left off.
type Notifier struct {
	out     Output
	pattern []time.Duration
	sleeper Sleeper
	log     *zap.Logger

	mu     sync.Mutex
	active bool
}

func NewNotifier(out Output, pattern []time.Duration, log *zap.Logger) *Notifier {
	if len(pattern) == 0 {
		pattern = DefaultPattern
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := make([]time.Duration, len(pattern))
	copy(p, pattern)
	return &Notifier{out: out, pattern: p, sleeper: realSleeper{}, log: log}
}

// Play runs the pattern once and blocks until it finishes or ctx ends. A
// call made while another Play is running returns immediately.
func (n *Notifier) Play(ctx context.Context) error {
	if n == nil || n.out == nil {
		return nil
	}
	n.mu.Lock()
	if n.active {
		n.mu.Unlock()
		return nil
	}
	n.active = true
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.active = false
		n.mu.Unlock()
	}()

	err := n.play(ctx)
	if offErr := n.out.Set(false); offErr != nil && err == nil {
		err = fmt.Errorf("alert: switch off: %w", offErr)
	}
	return err
}

func (n *Notifier) play(ctx context.Context) error {
	for i, d := range n.pattern {
		on := i%2 == 0
		if err := n.out.Set(on); err != nil {
			return fmt.Errorf("alert: set %v: %w", on, err)
		}
		if err := n.sleeper.Sleep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Trigger plays the pattern in the background and logs failures.
func (n *Notifier) Trigger(ctx context.Context) {
	if n == nil || n.out == nil {
		return
	}
	go func() {
		if err := n.Play(ctx); err != nil {
			n.log.Warn("alert pattern failed", zap.Error(err))
		}
	}()
}

func (n *Notifier) Close() error {
	if n == nil || n.out == nil {
		return nil
	}
	return n.out.Close()
}

// Open returns the GPIO output for a BCM pin on boards that have one.
func Open(pin int) (Output, error) {
	return openGPIOFn(pin)
}

// LogOutput stands in for a physical actuator by logging each change.
type LogOutput struct {
	Log *zap.Logger
}

func (o LogOutput) Set(on bool) error {
	if o.Log != nil {
		o.Log.Debug("alert output", zap.Bool("on", on))
	}
	return nil
}

func (LogOutput) Close() error { return nil }
