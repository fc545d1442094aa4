package rtc

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/vango-go/vai-call/pkg/core/pcm"
)

// maxFrameSamples is 120 ms at 48 kHz, the longest Opus frame.
const maxFrameSamples = 5760

// Codec converts between 16-bit PCM frames and RTP payloads.
type Codec interface {
	Encode(frame []byte) ([]byte, error)
	Decode(payload []byte) ([]byte, error)
}

// opusCodec encodes and decodes mono 48 kHz voice. It is used by one
// sender goroutine and one receiver goroutine, never concurrently on the
// same half.
type opusCodec struct {
	enc *opus.Encoder
	dec *opus.Decoder

	encBuf []byte
	decBuf []int16
}

func NewOpusCodec() (Codec, error) {
	enc, err := opus.NewEncoder(pcm.SampleRate, pcm.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(pcm.SampleRate, pcm.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &opusCodec{
		enc:    enc,
		dec:    dec,
		encBuf: make([]byte, 1500),
		decBuf: make([]int16, maxFrameSamples),
	}, nil
}

func (c *opusCodec) Encode(frame []byte) ([]byte, error) {
	n, err := c.enc.Encode(pcm.ToInt16(frame), c.encBuf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, c.encBuf[:n])
	return out, nil
}

func (c *opusCodec) Decode(payload []byte) ([]byte, error) {
	n, err := c.dec.Decode(payload, c.decBuf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return pcm.FromInt16(c.decBuf[:n*pcm.Channels]), nil
}
