package dsp_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/vicinity/pkg/audio"
	"github.com/MrWong99/vicinity/pkg/audio/dsp"
)

func block(v int16) []int16 {
	b := make([]int16, audio.FrameSamples)
	for i := range b {
		if i%2 == 0 {
			b[i] = v
		} else {
			b[i] = -v
		}
	}
	return b
}

func TestNone_PassThrough(t *testing.T) {
	t.Parallel()
	var p dsp.Processor = dsp.None{}
	buf := block(1234)
	if err := p.Process(buf); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if buf[0] != 1234 {
		t.Errorf("buf[0] = %d, want 1234", buf[0])
	}
}

func TestAGC_RaisesQuietInput(t *testing.T) {
	t.Parallel()
	a := dsp.NewAGC()
	if err := a.Init(audio.EngineFormat, audio.EngineFormat); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var last []int16
	for range 50 {
		last = block(800) // RMS ≈ 0.024
		if err := a.Process(last); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if a.Gain() <= 1 {
		t.Errorf("gain = %v, want > 1", a.Gain())
	}
	if got := audio.RMS(last); got < 0.08 || got > 0.12 {
		t.Errorf("output RMS = %v, want close to 0.1", got)
	}
}

func TestAGC_RespectsMaxGain(t *testing.T) {
	t.Parallel()
	a := &dsp.AGC{Target: 0.5, MaxGain: 2, Attack: 1}
	if err := a.Init(audio.EngineFormat, audio.EngineFormat); err != nil {
		t.Fatalf("Init: %v", err)
	}
	_ = a.Process(block(100))
	if a.Gain() > 2 {
		t.Errorf("gain = %v, want <= 2", a.Gain())
	}
}

func TestAGC_ClampsWithoutWrapping(t *testing.T) {
	t.Parallel()
	a := &dsp.AGC{Target: 1, MaxGain: 8, Attack: 1}
	if err := a.Init(audio.EngineFormat, audio.EngineFormat); err != nil {
		t.Fatalf("Init: %v", err)
	}
	buf := block(20000)
	_ = a.Process(buf)
	if buf[0] < 0 || buf[1] > 0 {
		t.Errorf("samples wrapped: %d %d", buf[0], buf[1])
	}
}

func TestAGC_RequiresInit(t *testing.T) {
	t.Parallel()
	if err := dsp.NewAGC().Process(block(1)); !errors.Is(err, dsp.ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
	if err := dsp.NewAGC().Init(audio.Format{}, audio.EngineFormat); err == nil {
		t.Error("expected error for an invalid recorder format")
	}
}

func TestGate(t *testing.T) {
	t.Parallel()
	g := &dsp.Gate{Threshold: 0.01, Hold: 2}
	if err := g.Init(audio.EngineFormat, audio.EngineFormat); err != nil {
		t.Fatalf("Init: %v", err)
	}

	quiet := func() []int16 { return block(50) }

	// Closed at start.
	b := quiet()
	_ = g.Process(b)
	if b[0] != 0 {
		t.Error("quiet block passed a closed gate")
	}

	// Speech opens it.
	b = block(5000)
	_ = g.Process(b)
	if b[0] != 5000 {
		t.Error("loud block was gated")
	}

	// Two quiet blocks are held open, the third is gated.
	for i, wantPass := range []bool{true, true, false} {
		b = quiet()
		_ = g.Process(b)
		if passed := b[0] != 0; passed != wantPass {
			t.Errorf("quiet block %d passed=%v, want %v", i, passed, wantPass)
		}
	}
	if g.Open() {
		t.Error("gate still open after hold expired")
	}
}
