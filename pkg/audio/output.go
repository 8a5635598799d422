package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// PacedOutput is a headless output [Device]. It pulls one frame from a
// [Source] every frame interval and writes it as little-endian int16 PCM to
// an [io.Writer]. It is used by headless clients and tests in place of a
// sound card.
type PacedOutput struct {
	src      Source
	w        io.Writer
	interval time.Duration
	samples  int

	stopped  chan StopEvent
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// PacedOption configures a [PacedOutput].
type PacedOption func(*PacedOutput)

// WithInterval overrides the pull cadence (default [FrameDuration]).
func WithInterval(d time.Duration) PacedOption {
	return func(p *PacedOutput) { p.interval = d }
}

// WithFrameSamples overrides the number of samples pulled per tick (default
// [FrameSamples]).
func WithFrameSamples(n int) PacedOption {
	return func(p *PacedOutput) { p.samples = n }
}

// NewPacedOutput starts pulling from src and writing to w until ctx is
// cancelled, [PacedOutput.Close] is called or a write fails.
func NewPacedOutput(ctx context.Context, src Source, w io.Writer, opts ...PacedOption) *PacedOutput {
	p := &PacedOutput{
		src:      src,
		w:        w,
		interval: FrameDuration,
		samples:  FrameSamples,
		stopped:  make(chan StopEvent, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
	return p
}

func (p *PacedOutput) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	buf := make([]int16, p.samples)
	for {
		select {
		case <-ctx.Done():
			p.stop(nil)
			return
		case <-ticker.C:
			if err := p.pull(buf); err != nil {
				slog.Warn("audio: paced output stopped", "err", err)
				p.stop(err)
				return
			}
		}
	}
}

func (p *PacedOutput) pull(buf []int16) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audio: source panicked: %v", r)
		}
	}()
	n, err := p.src.Read(buf)
	if err != nil {
		return fmt.Errorf("audio: read source: %w", err)
	}
	if _, err := p.w.Write(Int16sToBytes(buf[:n])); err != nil {
		return fmt.Errorf("audio: write output: %w", err)
	}
	return nil
}

func (p *PacedOutput) stop(err error) {
	p.stopOnce.Do(func() {
		p.stopped <- StopEvent{Err: err}
		close(p.stopped)
	})
}

// Stopped delivers one [StopEvent] and is then closed.
func (p *PacedOutput) Stopped() <-chan StopEvent { return p.stopped }

// Close stops the output and waits for the pull loop to exit. It is safe to
// call more than once.
func (p *PacedOutput) Close() error {
	p.cancel()
	<-p.done
	return nil
}
