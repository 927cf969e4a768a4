// Package monitor runs the fall-detection pipeline as a long-lived service.
// Sample delivery, the evaluation tick and control requests all execute on
// one goroutine, so the pipeline itself needs no locking.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"fallsense/internal/fall"
	"fallsense/internal/pipeline"
	"fallsense/internal/sensor"
)

var ErrNotRunning = errors.New("monitor: not running")

type Config struct {
	Tick     time.Duration
	Pipeline pipeline.Config
}

type Snapshot struct {
	pipeline.Snapshot

	Running     bool
	StreamEnded bool
	StartedAt   time.Time
	UpdatedAt   time.Time
	Samples     uint64
	Ticks       uint64
	LastError   string
}

type Option func(*Service)

// WithTicks replaces the wall-clock ticker. Each received time is one
// evaluation tick at that instant.
func WithTicks(ch <-chan time.Time) Option {
	return func(s *Service) { s.ticks = ch }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type request struct {
	kind requestKind
	done chan error
}

type requestKind int

const (
	reqReset requestKind = iota
	reqZero
	reqLock
	reqUnlock
)

type Service struct {
	cfg  Config
	feed sensor.Feed
	log  *zap.Logger
	now  func() time.Time

	ticks <-chan time.Time
	reqCh chan request

	p *pipeline.Pipeline

	mu   sync.RWMutex
	snap Snapshot

	cbMu        sync.Mutex
	onFall      []func(Snapshot)
	onCleared   []func(Snapshot)
	onStop      []func(Snapshot)
	startOnce   sync.Once
	stopOnce    sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
	streamEndCh chan struct{}
}

func New(cfg Config, feed sensor.Feed, opts ...Option) *Service {
	if cfg.Tick <= 0 {
		cfg.Tick = pipeline.DefaultTick
	}
	s := &Service{
		cfg:         cfg,
		feed:        feed,
		log:         zap.NewNop(),
		now:         time.Now,
		reqCh:       make(chan request),
		p:           pipeline.New(cfg.Pipeline),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		streamEndCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnFall registers fn for the rising edge of the fall-detected flag.
func (s *Service) OnFall(fn func(Snapshot)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onFall = append(s.onFall, fn)
}

// OnCleared registers fn for the falling edge of the fall-detected flag,
// whether by timeout or by Reset.
func (s *Service) OnCleared(fn func(Snapshot)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onCleared = append(s.onCleared, fn)
}

// OnStop registers fn to run once when the service stops, with the last
// snapshot taken before the automatic cleanup reset.
func (s *Service) OnStop(fn func(Snapshot)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onStop = append(s.onStop, fn)
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("monitor: service is nil")
	}
	if s.feed == nil {
		return fmt.Errorf("monitor: no sensor feed")
	}
	err := fmt.Errorf("monitor: already started")
	s.startOnce.Do(func() {
		err = nil
		caps := s.feed.Probe()
		s.p.SetCapabilities(caps)
		if !caps.Accel {
			s.log.Warn("accelerometer not available; falls cannot be detected")
		}
		if !caps.Baro {
			s.log.Info("barometer not available; detection continues without altitude corroboration")
		}

		stream, openErr := s.feed.Open(ctx)
		if openErr != nil {
			err = fmt.Errorf("monitor: open feed: %w", openErr)
			close(s.doneCh)
			return
		}

		var ticker *time.Ticker
		if s.ticks == nil {
			ticker = time.NewTicker(s.cfg.Tick)
			s.ticks = ticker.C
		}
		now := s.now()
		s.p.OnTransition(s.logTransition)
		s.mu.Lock()
		s.snap = Snapshot{Snapshot: s.p.Snapshot(), Running: true, StartedAt: now, UpdatedAt: now}
		s.mu.Unlock()
		s.log.Info("monitor started",
			zap.Duration("tick", s.cfg.Tick),
			zap.Bool("gyro", caps.Gyro),
			zap.Bool("accel", caps.Accel),
			zap.Bool("baro", caps.Baro),
		)
		go s.run(ctx, stream, ticker)
	})
	return err
}

// Close stops the service and waits for the run loop to exit. It is safe to
// call more than once and on a nil Service.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	started := true
	s.startOnce.Do(func() {
		started = false
		close(s.doneCh)
	})
	if started {
		<-s.doneCh
	}
}

// Done is closed once the run loop has exited.
func (s *Service) Done() <-chan struct{} { return s.doneCh }

// StreamEnded is closed when the sensor stream finishes (end of a replay,
// or a feed error).
func (s *Service) StreamEnded() <-chan struct{} { return s.streamEndCh }

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Reset acknowledges the current fall ("I'm OK") and returns the detector
// to idle.
func (s *Service) Reset(ctx context.Context) error { return s.do(ctx, reqReset) }

// ZeroAltitude makes the current pressure the altitude baseline.
func (s *Service) ZeroAltitude(ctx context.Context) error { return s.do(ctx, reqZero) }

// Lock forces every estimator into the frozen state; Unlock releases it.
func (s *Service) Lock(ctx context.Context) error { return s.do(ctx, reqLock) }

func (s *Service) Unlock(ctx context.Context) error { return s.do(ctx, reqUnlock) }

func (s *Service) do(ctx context.Context, kind requestKind) error {
	if s == nil {
		return ErrNotRunning
	}
	if ctx == nil {
		return fmt.Errorf("monitor: ctx is nil")
	}
	done := make(chan error, 1)
	select {
	case s.reqCh <- request{kind: kind, done: done}:
	case <-s.doneCh:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, stream sensor.Stream, ticker *time.Ticker) {
	defer close(s.doneCh)
	if ticker != nil {
		defer ticker.Stop()
	}
	defer func() { _ = stream.Close() }()

	samples := stream.C()
	var detected bool

	for {
		select {
		case <-ctx.Done():
			s.stop()
			return
		case <-s.stopCh:
			s.stop()
			return

		case req := <-s.reqCh:
			err := s.handle(req.kind)
			detected = s.publish(detected, false)
			req.done <- err

		case smp, ok := <-samples:
			if !ok {
				samples = nil
				s.streamEnded(stream.Err())
				continue
			}
			s.p.Ingest(smp)
			s.mu.Lock()
			s.snap.Samples++
			s.mu.Unlock()

		case now := <-s.ticks:
			s.p.Tick(now)
			detected = s.publish(detected, true)
		}
	}
}

func (s *Service) handle(kind requestKind) error {
	switch kind {
	case reqReset:
		s.p.Reset(s.now())
		s.log.Info("fall acknowledged; detector reset")
		return nil
	case reqZero:
		if err := s.p.ZeroAltitude(); err != nil {
			return fmt.Errorf("monitor: zero altitude: %w", err)
		}
		s.log.Info("altitude baseline zeroed")
		return nil
	case reqLock:
		s.p.Lock()
		return nil
	case reqUnlock:
		s.p.Unlock()
		return nil
	}
	return fmt.Errorf("monitor: unknown request %d", kind)
}

// publish copies the pipeline state into the shared snapshot and fires the
// edge callbacks outside the lock.
func (s *Service) publish(wasDetected, tick bool) bool {
	ps := s.p.Snapshot()
	s.mu.Lock()
	s.snap.Snapshot = ps
	s.snap.UpdatedAt = s.now()
	if tick {
		s.snap.Ticks++
	}
	snap := s.snap
	s.mu.Unlock()

	switch {
	case ps.Fall.FallDetected && !wasDetected:
		s.fire(s.callbacks(&s.onFall), snap)
	case !ps.Fall.FallDetected && wasDetected:
		s.fire(s.callbacks(&s.onCleared), snap)
	}
	return ps.Fall.FallDetected
}

func (s *Service) streamEnded(err error) {
	msg := ""
	if err != nil && !errors.Is(err, context.Canceled) {
		msg = err.Error()
		s.log.Warn("sensor stream failed", zap.Error(err))
	} else {
		s.log.Info("sensor stream ended")
	}
	s.mu.Lock()
	s.snap.StreamEnded = true
	if msg != "" {
		s.snap.LastError = msg
	}
	s.mu.Unlock()
	close(s.streamEndCh)
}

// stop runs the monitoring-off cleanup: callbacks see the final state, then
// the detector is reset.
func (s *Service) stop() {
	last := s.Snapshot()
	last.Running = false
	s.fire(s.callbacks(&s.onStop), last)

	s.p.Reset(s.now())
	s.mu.Lock()
	s.snap.Snapshot = s.p.Snapshot()
	s.snap.Running = false
	s.snap.UpdatedAt = s.now()
	s.mu.Unlock()
	s.log.Info("monitor stopped")
}

func (s *Service) callbacks(list *[]func(Snapshot)) []func(Snapshot) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return slices.Clone(*list)
}

func (s *Service) fire(fns []func(Snapshot), snap Snapshot) {
	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Service) logTransition(t fall.Transition) {
	fields := []zap.Field{
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.Time("at", t.At),
	}
	if ev := t.Event; ev != nil {
		fields = append(fields,
			zap.String("reason", ev.Reason),
			zap.Float64("accel_min_g", ev.AccelMin),
			zap.Float64("accel_peak_g", ev.AccelPeak),
			zap.Float64("gyro_peak_deg_s", ev.GyroPeakDeg),
		)
		if ev.BaroDeltaM != nil {
			fields = append(fields, zap.Float64("baro_delta_m", *ev.BaroDeltaM))
		}
	}
	s.log.Info("fall state", fields...)
}
