package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders the format, e.g. "48000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// FormatConverter converts captured PCM to a target format. It logs a warning
// on the first format mismatch. Create one per stream; not designed for
// shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedLayout   sync.Once
}

// Convert converts pcm from src to the target format. If src already matches
// the target, pcm is returned unchanged (zero allocation). Conversion order:
// resample first, then channel convert. Input that is not a whole number of
// src frames is dropped and nil returned.
func (c *FormatConverter) Convert(pcm []int16, src Format) []int16 {
	if src.Channels > 1 && len(pcm)%src.Channels != 0 {
		c.warnedLayout.Do(func() {
			slog.Warn("audio: format converter: partial frame in PCM data, dropping block",
				"samples", len(pcm),
				"format", src,
			)
		})
		return nil
	}

	if src == c.Target {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio: format mismatch, converting", "from", src, "to", c.Target)
	})

	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 2 {
			pcm = ResampleStereo(pcm, src.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleMono(pcm, src.SampleRate, c.Target.SampleRate)
		}
	}

	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages L+R per stereo frame. A trailing odd sample is
// ignored.
func StereoToMono(pcm []int16) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}

// ResampleMono resamples mono PCM from srcRate to dstRate using linear
// interpolation. Non-positive or equal rates return the input unchanged.
func ResampleMono(pcm []int16, srcRate, dstRate int) []int16 {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo resamples interleaved stereo PCM from srcRate to dstRate.
func ResampleStereo(pcm []int16, srcRate, dstRate int) []int16 {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < channels {
		return pcm
	}
	srcFrames := len(pcm) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(pcm[idx*channels+ch])
			s1 := float64(pcm[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

// Int16sToBytes converts PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to PCM samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// RMS returns the root-mean-square level of pcm normalized to [0, 1].
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768
		sum += v * v
	}
	return min(math.Sqrt(sum/float64(len(pcm))), 1)
}
