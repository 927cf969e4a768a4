package sensor

import (
	"context"
	"sync"
)

// Feed is a platform capability that can be probed and subscribed to.
type Feed interface {
	Probe() Capabilities
	// Open starts delivery. The returned Stream must be closed by the caller.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an owned subscription to a Feed. C is closed when the producer
// stops (Err reports why) or after Close.
type Stream interface {
	C() <-chan Sample
	Err() error
	Close() error
}

// Pipe is a Stream implementation for producers running in their own
// goroutine. The producer calls Send for every sample and Finish once.
type Pipe struct {
	ch   chan Sample
	done chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once

	// sendMu keeps Finish from closing ch under an in-flight Send.
	sendMu   sync.RWMutex
	finished bool

	mu  sync.Mutex
	err error
}

func NewPipe(buffer int) *Pipe {
	if buffer < 0 {
		buffer = 0
	}
	return &Pipe{ch: make(chan Sample, buffer), done: make(chan struct{})}
}

func (p *Pipe) C() <-chan Sample { return p.ch }

// Done is closed when the consumer closes the stream.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Send delivers s, blocking until the consumer accepts it. It returns false
// once the stream is closed or ctx is done.
func (p *Pipe) Send(ctx context.Context, s Sample) bool {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	select {
	case <-p.done:
		return false
	default:
	}
	if p.finished {
		return false
	}
	select {
	case p.ch <- s:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish records the terminal error (nil for a clean end) and closes C.
func (p *Pipe) Finish(err error) {
	p.finishOnce.Do(func() {
		p.sendMu.Lock()
		defer p.sendMu.Unlock()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		p.finished = true
		close(p.ch)
	})
}

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}

// ManualFeed is a Feed whose samples are pushed by the caller. Useful for
// embedding the pipeline behind an event-driven platform API and for tests.
type ManualFeed struct {
	caps Capabilities

	mu   sync.Mutex
	pipe *Pipe
}

func NewManualFeed(caps Capabilities) *ManualFeed {
	return &ManualFeed{caps: caps}
}

func (f *ManualFeed) Probe() Capabilities { return f.caps }

func (f *ManualFeed) Open(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipe = NewPipe(64)
	p := f.pipe
	go func() {
		select {
		case <-ctx.Done():
		case <-p.Done():
		}
		f.mu.Lock()
		if f.pipe == p {
			f.pipe = nil
		}
		f.mu.Unlock()
		_ = p.Close()
		p.Finish(ctx.Err())
	}()
	return p, nil
}

// Push delivers s to the open stream. Samples for capabilities the feed does
// not advertise are dropped, as is everything while no stream is open.
func (f *ManualFeed) Push(ctx context.Context, s Sample) bool {
	if !f.caps.Has(s.Kind) {
		return false
	}
	f.mu.Lock()
	p := f.pipe
	f.mu.Unlock()
	if p == nil {
		return false
	}
	return p.Send(ctx, s)
}
