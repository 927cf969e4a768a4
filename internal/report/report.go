// Package report turns detector output into structured incident reports and
// hands them to a Sink. Storage and transport belong to the sink.
package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fallsense/internal/fall"
	"fallsense/internal/pipeline"
)

var ErrNoPending = errors.New("report: no pending fall report")

type Type string

const (
	TypeFall    Type = "Fall"
	TypeCleanup Type = "Cleanup"
)

type Severity string

const (
	SeverityLow  Severity = "Low"
	SeverityMid  Severity = "Mid"
	SeverityHigh Severity = "High"
	SeverityNA   Severity = "N/A"
)

const (
	LowSeverityMaxDeg  = 15.0
	HighSeverityMinDeg = 45.0
)

// SeverityForAngle grades a fall by body tilt. The sign of the angle is
// ignored.
func SeverityForAngle(deg float64, ok bool) Severity {
	if !ok || math.IsNaN(deg) {
		return SeverityNA
	}
	a := math.Abs(deg)
	switch {
	case a <= LowSeverityMaxDeg:
		return SeverityLow
	case a >= HighSeverityMinDeg:
		return SeverityHigh
	default:
		return SeverityMid
	}
}

type Resolution string

const (
	ResolutionOK            Resolution = "ok"
	ResolutionCallHelp      Resolution = "call_help"
	ResolutionMonitoringOff Resolution = "monitoring_off"
)

// Report is one incident. Measurement pointers are nil when the sensor had
// no reading at the time of the snapshot.
type Report struct {
	ID             string      `json:"id"`
	CreatedAt      time.Time   `json:"createdAt"`
	Type           Type        `json:"type"`
	Severity       Severity    `json:"severity"`
	AngleDeg       *float64    `json:"angleDeg,omitempty"`
	LinearAccelMS2 *float64    `json:"linearAccelMs2,omitempty"`
	PressureHpa    *float64    `json:"pressureHpa,omitempty"`
	Event          *fall.Event `json:"event,omitempty"`
	Resolution     Resolution  `json:"resolution,omitempty"`
	ResolvedAt     time.Time   `json:"resolvedAt,omitzero"`
}

type Sink interface {
	Save(ctx context.Context, r Report) error
}

type SinkFunc func(ctx context.Context, r Report) error

func (f SinkFunc) Save(ctx context.Context, r Report) error { return f(ctx, r) }

// Fall builds an unresolved fall report from a pipeline snapshot.
func Fall(id string, now time.Time, s pipeline.Snapshot) Report {
	r := Report{ID: id, CreatedAt: now, Type: TypeFall, Severity: SeverityNA}
	if a, ok := s.Gyro.Angle.Get(); ok {
		r.AngleDeg = &a.X
		r.Severity = SeverityForAngle(a.X, true)
	}
	if lin, ok := s.Accel.Linear.Get(); ok {
		r.LinearAccelMS2 = &lin.Mag
	}
	if p, ok := s.Baro.PressureHpa.Get(); ok {
		r.PressureHpa = &p
	}
	r.Event = s.Fall.LastEvent
	return r
}

// Cleanup builds the report recorded when monitoring stops with no fall
// pending.
func Cleanup(id string, now time.Time) Report {
	return Report{
		ID:         id,
		CreatedAt:  now,
		Type:       TypeCleanup,
		Severity:   SeverityNA,
		Resolution: ResolutionMonitoringOff,
		ResolvedAt: now,
	}
}

type Option func(*Builder)

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func WithIDs(newID func() string) Option {
	return func(b *Builder) { b.newID = newID }
}

// Builder holds at most one pending fall report until the user resolves it
// or monitoring stops. It is safe for concurrent use.
type Builder struct {
	sink  Sink
	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	pending *Report
}

func NewBuilder(sink Sink, opts ...Option) *Builder {
	b := &Builder{sink: sink, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OnFall snapshots a newly detected fall. A fall that arrives while another
// report is pending is ignored; the first snapshot wins.
func (b *Builder) OnFall(s pipeline.Snapshot) (Report, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		return *b.pending, false
	}
	r := Fall("FALL-"+b.newID(), b.now(), s)
	b.pending = &r
	return r, true
}

func (b *Builder) Pending() (Report, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return Report{}, false
	}
	return *b.pending, true
}

// Resolve finalizes the pending report with the user's answer and saves it.
// The pending report is cleared even when the sink fails.
func (b *Builder) Resolve(ctx context.Context, res Resolution) (Report, error) {
	b.mu.Lock()
	p := b.pending
	b.pending = nil
	b.mu.Unlock()
	if p == nil {
		return Report{}, ErrNoPending
	}
	r := *p
	r.Resolution = res
	r.ResolvedAt = b.now()
	return r, b.save(ctx, r)
}

// Stop handles monitoring being switched off: a pending fall is finalized
// as if acknowledged, otherwise a cleanup report is saved.
func (b *Builder) Stop(ctx context.Context) (Report, error) {
	r, err := b.Resolve(ctx, ResolutionMonitoringOff)
	if !errors.Is(err, ErrNoPending) {
		return r, err
	}
	c := Cleanup("CLEANUP-"+b.newID(), b.now())
	return c, b.save(ctx, c)
}

func (b *Builder) save(ctx context.Context, r Report) error {
	if b.sink == nil {
		return nil
	}
	if err := b.sink.Save(ctx, r); err != nil {
		return fmt.Errorf("report: save %s: %w", r.ID, err)
	}
	return nil
}

// LogSink writes reports as structured log entries.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Save(_ context.Context, r Report) error {
	log := s.Log
	if log == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("id", r.ID),
		zap.String("type", string(r.Type)),
		zap.String("severity", string(r.Severity)),
		zap.Time("created_at", r.CreatedAt),
	}
	if r.Resolution != "" {
		fields = append(fields, zap.String("resolution", string(r.Resolution)))
	}
	if r.AngleDeg != nil {
		fields = append(fields, zap.Float64("angle_deg", *r.AngleDeg))
	}
	if r.LinearAccelMS2 != nil {
		fields = append(fields, zap.Float64("linear_accel_ms2", *r.LinearAccelMS2))
	}
	if r.PressureHpa != nil {
		fields = append(fields, zap.Float64("pressure_hpa", *r.PressureHpa))
	}
	if r.Event != nil {
		fields = append(fields, zap.String("reason", r.Event.Reason))
	}
	log.Info("report", fields...)
	return nil
}
