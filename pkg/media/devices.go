package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/pcm"
)

type Options struct {
	Logger    *slog.Logger
	Processor ProcessorConfig
	// OutputBuffer is oto's playback buffer. Default: 100ms.
	OutputBuffer time.Duration
}

// Devices opens the default microphone and speaker.
type Devices struct {
	logger    *slog.Logger
	processor ProcessorConfig
	buffer    time.Duration

	capture captureBackend
	output  func(format pcm.Format, buffer time.Duration) (outputBackend, error)

	nextID   atomic.Uint64
	echoOnce sync.Once
}

var _ call.MediaDevices = (*Devices)(nil)

func NewDevices(opts Options) *Devices {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = 100 * time.Millisecond
	}
	if opts.Processor == (ProcessorConfig{}) {
		opts.Processor = DefaultProcessorConfig()
	}
	return &Devices{
		logger:    logger,
		processor: opts.Processor,
		buffer:    opts.OutputBuffer,
		capture:   &malgoBackend{},
		output:    sharedOutput,
	}
}

func formatFor(c call.Constraints) pcm.Format {
	f := pcm.DefaultFormat()
	if c.SampleRate > 0 {
		f.SampleRate = c.SampleRate
	}
	if c.Channels > 0 {
		f.Channels = c.Channels
	}
	return f
}

// AcquireMicrophone opens the default input device with c applied.
func (d *Devices) AcquireMicrophone(ctx context.Context, c call.Constraints) (call.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation {
		d.echoOnce.Do(func() {
			d.logger.Warn("echo cancellation is not available for native capture; use headphones to avoid feedback")
		})
	}

	format := formatFor(c)
	var processor *Processor
	if c.NoiseSuppression || c.AutoGainControl {
		processor = NewProcessor(d.processor, c.NoiseSuppression, c.AutoGainControl)
	}
	id := fmt.Sprintf("mic-%d", d.nextID.Add(1))
	track := newMicTrack(id, format, processor, d.logger)

	device, err := d.capture.Open(captureConfig{Format: format}, track.push)
	if err != nil {
		return nil, classify(err)
	}
	track.mu.Lock()
	track.device = device
	track.mu.Unlock()

	d.logger.Debug("microphone acquired", "track_id", id, "sample_rate", format.SampleRate, "channels", format.Channels)
	return &micStream{track: track}, nil
}

// NewAudioContext returns a suspended output context over the shared
// speaker.
func (d *Devices) NewAudioContext() (call.AudioContext, error) {
	out, err := d.output(pcm.DefaultFormat(), d.buffer)
	if err != nil {
		return nil, err
	}
	return newAudioContext(out, pcm.DefaultFormat(), d.logger), nil
}

// Close releases the capture backend. Open streams must be stopped first.
func (d *Devices) Close() {
	if b, ok := d.capture.(*malgoBackend); ok {
		b.Close()
	}
}
