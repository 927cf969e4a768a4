package main

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"fallsense/internal/alert"
	"fallsense/internal/config"
	"fallsense/internal/monitor"
	"fallsense/internal/replay"
	"fallsense/internal/report"
	"fallsense/internal/sensor"
	"fallsense/internal/sensors/i2cfeed"
	"fallsense/internal/sim"
)

// daemon owns the live service and its collaborators.
type daemon struct {
	log      *zap.Logger
	svc      *monitor.Service
	builder  *report.Builder
	notifier *alert.Notifier
	closers  []func() error
}

func buildFeed(cfg config.Config, log *zap.Logger) (sensor.Feed, func() error, error) {
	switch cfg.Monitor.Feed {
	case config.FeedI2C:
		f := i2cfeed.New(i2cfeed.Config{
			Bus:      cfg.I2C.Bus,
			IMUAddr:  uint16(cfg.I2C.IMUAddr),
			BaroAddr: uint16(cfg.I2C.BaroAddr),
			IMUHz:    math.Max(cfg.Accel.Hz, cfg.Gyro.Hz),
			BaroHz:   cfg.Baro.Hz,
		}, log)
		return f, f.Close, nil
	case config.FeedReplay:
		f, err := replay.OpenFeed(cfg.Replay.Path, cfg.Replay.Speed, cfg.Replay.Loop)
		if err != nil {
			return nil, nil, fmt.Errorf("open replay: %w", err)
		}
		return f, nil, nil
	case config.FeedScenario:
		scn, err := sim.LoadScenario(cfg.Scenario.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("load scenario: %w", err)
		}
		return sim.NewFeed(scn, cfg.Scenario.Loop), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown feed %q", cfg.Monitor.Feed)
}

func buildNotifier(cfg config.AlertConfig, log *zap.Logger) *alert.Notifier {
	var out alert.Output = alert.LogOutput{Log: log}
	if cfg.Enable {
		o, err := alert.Open(cfg.GPIOPin)
		if err != nil {
			log.Warn("alert gpio unavailable; logging only", zap.Int("pin", cfg.GPIOPin), zap.Error(err))
		} else {
			out = o
		}
	}
	return alert.NewNotifier(out, cfg.Pattern, log)
}

func newDaemon(ctx context.Context, cfg config.Config, log *zap.Logger, recordPath string) (*daemon, error) {
	feed, closeFeed, err := buildFeed(cfg, log)
	if err != nil {
		return nil, err
	}
	rt := &daemon{log: log}
	if closeFeed != nil {
		rt.closers = append(rt.closers, closeFeed)
	}

	if recordPath != "" {
		w, err := replay.CreateWriter(recordPath)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("create trace: %w", err)
		}
		rec := replay.NewRecorder(feed, w, log)
		rt.closers = append(rt.closers, rec.Close)
		feed = rec
	}

	rt.builder = report.NewBuilder(report.LogSink{Log: log})
	rt.notifier = buildNotifier(cfg.Alert, log)
	rt.closers = append(rt.closers, rt.notifier.Close)

	rt.svc = monitor.New(cfg.ServiceConfig(), feed, monitor.WithLogger(log))
	rt.wire(ctx)
	if err := rt.svc.Start(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *daemon) wire(ctx context.Context) {
	rt.svc.OnFall(func(s monitor.Snapshot) {
		r, fresh := rt.builder.OnFall(s.Snapshot)
		if fresh {
			rt.log.Warn("fall detected",
				zap.String("report_id", r.ID),
				zap.String("severity", string(r.Severity)),
			)
		}
		rt.notifier.Trigger(ctx)
	})
	rt.svc.OnCleared(func(monitor.Snapshot) {
		rt.log.Info("fall flag cleared")
	})
	rt.svc.OnStop(func(monitor.Snapshot) {
		// The run context is already done when monitoring stops.
		if _, err := rt.builder.Stop(context.Background()); err != nil {
			rt.log.Warn("final report failed", zap.Error(err))
		}
	})
}

// Acknowledge resolves the pending report and re-arms the detector.
func (rt *daemon) Acknowledge(ctx context.Context, res report.Resolution) (report.Report, error) {
	r, err := rt.builder.Resolve(ctx, res)
	if errors.Is(err, report.ErrNoPending) {
		return r, err
	}
	if resetErr := rt.svc.Reset(ctx); resetErr != nil && err == nil {
		err = resetErr
	}
	return r, err
}

func (rt *daemon) Reset(ctx context.Context) error        { return rt.svc.Reset(ctx) }
func (rt *daemon) ZeroAltitude(ctx context.Context) error { return rt.svc.ZeroAltitude(ctx) }
func (rt *daemon) Lock(ctx context.Context) error         { return rt.svc.Lock(ctx) }
func (rt *daemon) Unlock(ctx context.Context) error       { return rt.svc.Unlock(ctx) }
func (rt *daemon) Snapshot() monitor.Snapshot             { return rt.svc.Snapshot() }

func (rt *daemon) Close() {
	if rt == nil {
		return
	}
	if rt.svc != nil {
		rt.svc.Close()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("close failed", zap.Error(err))
		}
	}
	rt.closers = nil
}

var _ controller = (*daemon)(nil)
