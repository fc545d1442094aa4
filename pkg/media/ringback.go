package media

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/vango-go/vai-call/pkg/core/pcm"
)

// North American ringback: 440 Hz + 480 Hz, two seconds on, four off.
const (
	ringbackLowHz     = 440.0
	ringbackHighHz    = 480.0
	ringbackOn        = 2 * time.Second
	ringbackPeriod    = 6 * time.Second
	ringbackAmplitude = 0.12
)

// RingbackTone is an endless 16-bit PCM ringback signal.
type RingbackTone struct {
	format pcm.Format
	sample int64
	period int64
	on     int64
}

func NewRingbackTone(format pcm.Format) *RingbackTone {
	rate := int64(format.SampleRate)
	return &RingbackTone{
		format: format,
		period: rate * int64(ringbackPeriod/time.Millisecond) / 1000,
		on:     rate * int64(ringbackOn/time.Millisecond) / 1000,
	}
}

// Read fills p with whole samples and never returns an error.
func (t *RingbackTone) Read(p []byte) (int, error) {
	frameBytes := 2 * t.format.Channels
	n := len(p) - len(p)%frameBytes
	rate := float64(t.format.SampleRate)
	for off := 0; off < n; off += frameBytes {
		pos := t.sample % t.period
		var v int16
		if pos < t.on {
			s := float64(t.sample) / rate
			mix := math.Sin(2*math.Pi*ringbackLowHz*s) + math.Sin(2*math.Pi*ringbackHighHz*s)
			v = int16(mix / 2 * ringbackAmplitude * math.MaxInt16)
		}
		for ch := 0; ch < t.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(p[off+2*ch:], uint16(v))
		}
		t.sample++
	}
	return n, nil
}
