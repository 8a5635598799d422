package codec_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/vicinity/pkg/audio"
	"github.com/MrWong99/vicinity/pkg/audio/codec"
)

func sine(amp float64) []int16 {
	pcm := make([]int16, audio.FrameSamples)
	for i := range pcm {
		pcm[i] = int16(amp * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return pcm
}

func TestPCM_RoundTrip(t *testing.T) {
	t.Parallel()
	var c codec.PCM
	enc, _ := c.NewEncoder()
	dec, _ := c.NewDecoder()

	in := sine(10000)
	frame, err := enc.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPCM_FrameSizeErrors(t *testing.T) {
	t.Parallel()
	var c codec.PCM
	enc, _ := c.NewEncoder()
	dec, _ := c.NewDecoder()

	if _, err := enc.Encode(make([]int16, 10)); !errors.Is(err, codec.ErrFrameSize) {
		t.Errorf("Encode short block: err = %v, want ErrFrameSize", err)
	}
	if _, err := dec.Decode([]byte{1, 2, 3}); !errors.Is(err, codec.ErrCorruptFrame) {
		t.Errorf("Decode short frame: err = %v, want ErrCorruptFrame", err)
	}
}

func TestPCM_ConcealmentFadesOut(t *testing.T) {
	t.Parallel()
	var c codec.PCM
	enc, _ := c.NewEncoder()
	dec, _ := c.NewDecoder()

	// Before any frame, concealment is silence of one frame.
	first, err := dec.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if len(first) != audio.FrameSamples || audio.RMS(first) != 0 {
		t.Errorf("initial concealment: len=%d rms=%v, want silent frame", len(first), audio.RMS(first))
	}

	frame, _ := enc.Encode(sine(16000))
	if _, err := dec.Decode(frame); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a, _ := dec.Decode(nil)
	b, _ := dec.Decode(nil)
	ra, rb := audio.RMS(a), audio.RMS(b)
	if ra == 0 || rb >= ra {
		t.Errorf("concealment did not fade: rms %v then %v", ra, rb)
	}
}

func TestOpus_RoundTrip(t *testing.T) {
	t.Parallel()
	c := codec.Opus{Bitrate: 32000}
	enc, err := c.NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := c.NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	for range 5 {
		frame, err := enc.Encode(sine(12000))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if len(frame) == 0 || len(frame) > audio.MaxEncodedSize {
			t.Fatalf("encoded size = %d", len(frame))
		}
		pcm, err := dec.Decode(frame)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(pcm) != audio.FrameSamples {
			t.Fatalf("decoded %d samples, want %d", len(pcm), audio.FrameSamples)
		}
	}

	concealed, err := dec.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if len(concealed) != audio.FrameSamples {
		t.Errorf("concealed %d samples, want %d", len(concealed), audio.FrameSamples)
	}
}

func TestOpus_RejectsWrongFrameSize(t *testing.T) {
	t.Parallel()
	enc, err := codec.Opus{}.NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode(make([]int16, 100)); !errors.Is(err, codec.ErrFrameSize) {
		t.Errorf("err = %v, want ErrFrameSize", err)
	}
}
