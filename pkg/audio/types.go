// Package audio defines the sample format, frame cadence and device-facing
// interfaces shared by the voice pipeline.
//
// The engine works on 48 kHz mono int16 PCM in 20 ms frames. Everything that
// touches a real sound card lives outside this module; callers implement
// [Capture] and [Device] on top of their platform and drive a [Source] from
// the output callback.
//
// This package lives under pkg/ because platform adapters outside the module
// are expected to implement its interfaces.
package audio

import "time"

const (
	// SampleRate is the engine-wide sample rate in Hz.
	SampleRate = 48000

	// Channels is the engine-wide channel count.
	Channels = 1

	// FrameDuration is the length of one audio frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one frame (960).
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000

	// MaxEncodedSize bounds a single encoded frame on the wire. It fits one
	// raw PCM frame, which is larger than any Opus frame (1275 bytes).
	MaxEncodedSize = FrameSamples * 2
)

// EngineFormat is the format every pipeline stage operates on.
var EngineFormat = Format{SampleRate: SampleRate, Channels: Channels}

// Frame is one block of PCM samples captured or produced at a point in the
// stream.
type Frame struct {
	// Samples holds interleaved int16 PCM in the frame's Format.
	Samples []int16

	Format Format

	// Timestamp counts frames since the stream started. It is carried on
	// the wire so receivers can reorder and detect gaps.
	Timestamp uint32
}
