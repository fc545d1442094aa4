// Package pcm holds helpers for 16-bit little-endian PCM audio shared by the
// call core and the native media layer.
package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	SampleRate = 48000
	Channels   = 1

	// FrameDuration is the capture and playback period.
	FrameDuration = 20 * time.Millisecond
)

// Format describes interleaved 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

func DefaultFormat() Format {
	return Format{SampleRate: SampleRate, Channels: Channels}
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// BytesFor returns the byte length of d worth of audio, rounded down to a
// whole sample.
func (f Format) BytesFor(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%(2*f.Channels)
}

func (f Format) SamplesPerFrame() int {
	return f.SampleRate * int(FrameDuration/time.Millisecond) / 1000
}

// RMS returns the root-mean-square level of pcm in [0, 1].
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}

// Peak returns the largest absolute sample of pcm in [0, 1].
func Peak(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))))
		if abs > peak {
			peak = abs
		}
	}
	return peak / 32768.0
}

// Scale multiplies every sample in place by gain, clipping at full scale.
func Scale(pcm []byte, gain float64) {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
}

func ToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func FromInt16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// Silence returns a zeroed buffer of n bytes.
func Silence(n int) []byte {
	return make([]byte, n)
}
