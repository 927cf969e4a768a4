package replay

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"fallsense/internal/sensor"
)

// Recorder wraps a feed and appends every delivered sample to a trace.
// Write failures are logged once and recording stops; delivery continues.
type Recorder struct {
	inner sensor.Feed
	log   *zap.Logger

	mu     sync.Mutex
	w      *Writer
	failed bool
}

func NewRecorder(inner sensor.Feed, w *Writer, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{inner: inner, w: w, log: log}
}

func (r *Recorder) Probe() sensor.Capabilities { return r.inner.Probe() }

func (r *Recorder) Open(ctx context.Context) (sensor.Stream, error) {
	st, err := r.inner.Open(ctx)
	if err != nil {
		return nil, err
	}
	p := sensor.NewPipe(64)
	go func() {
		defer st.Close()
		for {
			select {
			case s, ok := <-st.C():
				if !ok {
					_ = r.flush()
					p.Finish(st.Err())
					return
				}
				r.record(s)
				if !p.Send(ctx, s) {
					_ = r.flush()
					p.Finish(ctx.Err())
					return
				}
			case <-p.Done():
				_ = r.flush()
				p.Finish(nil)
				return
			}
		}
	}()
	return p, nil
}

func (r *Recorder) record(s sensor.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil || r.failed {
		return
	}
	if err := r.w.WriteSample(s); err != nil {
		r.failed = true
		r.log.Warn("trace recording stopped", zap.Error(err))
	}
}

func (r *Recorder) flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	return r.w.Flush()
}

// Close flushes and closes the trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	r.w = nil
	return err
}
