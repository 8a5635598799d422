package jitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/pkg/audio"
	"github.com/MrWong99/vicinity/pkg/audio/codec"
)

// Result is the outcome of one pipeline step.
type Result uint8

const (
	// Decoded means a buffered frame was decoded.
	Decoded Result = iota + 1
	// Concealed means the frame was missing and the decoder concealed it.
	Concealed
	// Silent means the speaker is not talking; no samples were produced.
	Silent
	// Failed means decoding failed or panicked; the step produced silence.
	Failed
)

// String returns the metric label of the result.
func (r Result) String() string {
	switch r {
	case Decoded:
		return "decoded"
	case Concealed:
		return "concealed"
	case Silent:
		return "silent"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Defaults used when no option overrides them.
const (
	DefaultCapacity         = 16
	DefaultPrefill          = 2
	DefaultOutputFrames     = 8
	DefaultSilenceThreshold = 200 * time.Millisecond
)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithCapacity sets the jitter window size in frames.
func WithCapacity(frames int) Option {
	return func(p *Pipeline) { p.capacity = frames }
}

// WithPrefill sets how many frames are buffered before playback starts.
func WithPrefill(frames int) Option {
	return func(p *Pipeline) { p.prefill = frames }
}

// WithOutputFrames sets the size of the PCM ring in frames.
func WithOutputFrames(frames int) Option {
	return func(p *Pipeline) { p.outputFrames = frames }
}

// WithSilenceThreshold sets how long missing frames are concealed before the
// speaker is considered silent.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Pipeline) { p.silenceThreshold = d }
}

// WithInterval overrides the step cadence (default [audio.FrameDuration]).
func WithInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// WithClock overrides the time source used for the silence marker.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithOnFrame registers a callback invoked from the step goroutine with the
// RMS loudness of every decoded frame. It must not block and must not call
// [Pipeline.Close].
func WithOnFrame(fn func(loudness float64)) Option {
	return func(p *Pipeline) { p.onFrame = fn }
}

// WithMetrics sets the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline buffers, decodes and conceals the frames of one remote speaker.
// Put may be called from any goroutine; Read is called by the mixer.
type Pipeline struct {
	source int
	dec    codec.Decoder
	buf    *Buffer
	ring   *Ring

	capacity         int
	prefill          int
	outputFrames     int
	interval         time.Duration
	silenceThreshold time.Duration
	now              func() time.Time
	onFrame          func(float64)
	metrics          *observe.Metrics

	// Owned by the step goroutine.
	lastFrame time.Time
	talking   bool

	speaking atomic.Bool

	cancel    context.CancelFunc
	started   bool
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a pipeline for the speaker identified by source and starts its
// step goroutine. The goroutine exits when ctx is cancelled, sourceDone is
// closed (the speaker was destroyed) or [Pipeline.Close] is called.
func New(ctx context.Context, source int, sourceDone <-chan struct{}, dec codec.Decoder, opts ...Option) *Pipeline {
	p := newPipeline(source, dec, opts...)
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.metrics.Pipelines.Add(ctx, 1)
	go p.run(ctx, sourceDone)
	return p
}

func newPipeline(source int, dec codec.Decoder, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:           source,
		dec:              dec,
		capacity:         DefaultCapacity,
		prefill:          DefaultPrefill,
		outputFrames:     DefaultOutputFrames,
		interval:         audio.FrameDuration,
		silenceThreshold: DefaultSilenceThreshold,
		now:              time.Now,
		cancel:           func() {},
		done:             make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.buf = NewBuffer(p.capacity, p.prefill)
	p.ring = NewRing(max(p.outputFrames, 1) * audio.FrameSamples * audio.Channels)
	return p
}

func (p *Pipeline) run(ctx context.Context, sourceDone <-chan struct{}) {
	defer close(p.done)
	defer p.metrics.Pipelines.Add(context.Background(), -1)
	defer p.buf.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sourceDone:
			return
		case <-ticker.C:
			r := p.step(p.now())
			p.metrics.RecordJitterStep(ctx, r.String())
		}
	}
}

// step produces at most one frame of PCM. The buffer clock advances exactly
// once per step regardless of outcome.
func (p *Pipeline) step(now time.Time) (r Result) {
	defer p.buf.Tick()
	defer func() {
		if v := recover(); v != nil {
			slog.Error("jitter: step panicked", "source", p.source, "panic", v)
			r = Failed
		}
	}()

	frame, ok := p.buf.Get()
	var (
		pcm []int16
		err error
	)
	switch {
	case ok:
		pcm, err = p.dec.Decode(frame)
		p.lastFrame = now
		p.talking = true
		r = Decoded
	case p.talking && now.Sub(p.lastFrame) < p.silenceThreshold:
		pcm, err = p.dec.Decode(nil)
		r = Concealed
	default:
		if p.talking {
			p.talking = false
			p.buf.Reanchor()
		}
		p.speaking.Store(false)
		return Silent
	}
	if err != nil {
		slog.Debug("jitter: decode failed", "source", p.source, "err", err)
		return Failed
	}

	p.speaking.Store(true)
	p.ring.Write(pcm)
	if p.onFrame != nil && r == Decoded {
		p.onFrame(audio.RMS(pcm))
	}
	return r
}

// Source returns the id of the speaker this pipeline serves.
func (p *Pipeline) Source() int { return p.source }

// Put hands an encoded frame to the jitter buffer.
func (p *Pipeline) Put(ts uint32, frame []byte) error {
	err := p.buf.Put(ts, frame)
	if err != nil {
		reason := "closed"
		switch {
		case errors.Is(err, ErrLate):
			reason = "late"
		case errors.Is(err, ErrDuplicate):
			reason = "duplicate"
		case errors.Is(err, ErrEvicted):
			reason = "evicted"
		}
		p.metrics.RecordJitterDrop(context.Background(), reason)
		return fmt.Errorf("jitter: put frame %d from %d: %w", ts, p.source, err)
	}
	return nil
}

// Read drains up to len(dst) samples of decoded PCM. It never blocks and
// returns 0 when nothing is available.
func (p *Pipeline) Read(dst []int16) int {
	return p.ring.Read(dst)
}

// Speaking reports whether the last step produced audio.
func (p *Pipeline) Speaking() bool { return p.speaking.Load() }

// Done is closed once the step goroutine has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Close stops the step goroutine, refuses further frames and releases the
// buffers. It is idempotent and safe while Put and Read are in flight.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.buf.Close()
		if p.started {
			<-p.done
		} else {
			close(p.done)
		}
		p.ring.Close()
	})
	return nil
}
