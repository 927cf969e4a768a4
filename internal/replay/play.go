package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"fallsense/internal/sensor"
)

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play replays records with their relative timing.
//
// cb is invoked for every sample record with Sample.At left zero. START
// markers reset the origin.
//
// speed: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(sensor.Sample) error) error {
	if speed <= 0 {
		return fmt.Errorf("replay: speed must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("replay: callback is nil")
	}
	if len(records) == 0 {
		return errors.New("replay: no records")
	}

	for {
		var lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if r.Start {
				haveLast = false
				continue
			}
			if haveLast {
				wait := r.At - lastAt
				if wait > 0 {
					if err := sleeper.Sleep(ctx, time.Duration(float64(wait)/speed)); err != nil {
						return err
					}
				}
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := cb(r.Sample); err != nil {
				return err
			}
			lastAt = r.At
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

var errStopped = errors.New("replay: stream closed")

// Feed plays a trace as a live sensor.Feed. Sample times are restamped with
// the wall clock at delivery.
type Feed struct {
	records []Record
	speed   float64
	loop    bool

	Sleeper Sleeper
	Now     func() time.Time
}

func NewFeed(records []Record, speed float64, loop bool) *Feed {
	return &Feed{records: records, speed: speed, loop: loop, Now: time.Now}
}

// OpenFeed reads the trace at path.
func OpenFeed(path string, speed float64, loop bool) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	return NewFeed(recs, speed, loop), nil
}

// Probe reports the kinds present in the trace.
func (f *Feed) Probe() sensor.Capabilities {
	var c sensor.Capabilities
	for _, r := range f.records {
		switch r.Sample.Kind {
		case sensor.KindGyro:
			c.Gyro = true
		case sensor.KindAccel:
			c.Accel = true
		case sensor.KindBaro:
			c.Baro = true
		}
	}
	return c
}

func (f *Feed) Open(ctx context.Context) (sensor.Stream, error) {
	if len(f.records) == 0 {
		return nil, errors.New("replay: no records")
	}
	if f.speed <= 0 {
		return nil, fmt.Errorf("replay: speed must be > 0")
	}
	now := f.Now
	if now == nil {
		now = time.Now
	}
	p := sensor.NewPipe(64)
	go func() {
		err := Play(ctx, f.records, f.speed, f.loop, f.Sleeper, func(s sensor.Sample) error {
			s.At = now()
			if !p.Send(ctx, s) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errStopped
			}
			return nil
		})
		if errors.Is(err, errStopped) {
			err = nil
		}
		p.Finish(err)
	}()
	return p, nil
}
