package audio_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vicinity/pkg/audio"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestPacedOutput_WritesFrames(t *testing.T) {
	t.Parallel()
	var out lockedBuffer
	src := audio.SourceFunc(func(buf []int16) (int, error) {
		for i := range buf {
			buf[i] = 1
		}
		return len(buf), nil
	})

	p := audio.NewPacedOutput(context.Background(), src, &out,
		audio.WithInterval(time.Millisecond), audio.WithFrameSamples(4))

	deadline := time.Now().Add(2 * time.Second)
	for out.Len() < 3*8 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if out.Len() < 3*8 || out.Len()%8 != 0 {
		t.Errorf("wrote %d bytes, want a positive multiple of one 4-sample frame", out.Len())
	}
	ev := <-p.Stopped()
	if ev.Err != nil {
		t.Errorf("StopEvent.Err = %v, want nil for a requested stop", ev.Err)
	}
}

func TestPacedOutput_ReportsWriteFailure(t *testing.T) {
	t.Parallel()
	src := audio.SourceFunc(func(buf []int16) (int, error) { return len(buf), nil })
	p := audio.NewPacedOutput(context.Background(), src, failingWriter{}, audio.WithInterval(time.Millisecond))
	t.Cleanup(func() { p.Close() })

	select {
	case ev := <-p.Stopped():
		if ev.Err == nil {
			t.Error("expected a stop cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device did not report the failure")
	}
}
