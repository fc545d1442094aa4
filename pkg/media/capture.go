package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/pcm"
)

var errTrackStopped = errors.New("microphone track stopped")

// frameQueue is how many captured frames may wait for the reader, about
// one second at 20 ms per frame.
const frameQueue = 50

type captureConfig struct {
	Format pcm.Format
}

// captureDevice is a started input device.
type captureDevice interface {
	Stop()
}

// captureBackend opens input devices. onData receives raw 16-bit PCM in
// whatever period the backend delivers.
type captureBackend interface {
	Open(cfg captureConfig, onData func([]byte)) (captureDevice, error)
}

type malgoBackend struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

func (b *malgoBackend) context() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return b.ctx, nil
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, err
	}
	b.ctx = ctx
	return ctx, nil
}

func (b *malgoBackend) Open(cfg captureConfig, onData func([]byte)) (captureDevice, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Format.Channels)
	deviceConfig.SampleRate = uint32(cfg.Format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(pcm.FrameDuration.Milliseconds())

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, err
	}
	return malgoDevice{device: device}, nil
}

func (b *malgoBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		_ = b.ctx.Uninit()
		b.ctx.Free()
		b.ctx = nil
	}
}

type malgoDevice struct{ device *malgo.Device }

func (d malgoDevice) Stop() {
	_ = d.device.Stop()
	d.device.Uninit()
}

// micStream owns one open capture device and its single track.
type micStream struct {
	track *micTrack
}

func (s *micStream) AudioTrack() call.LocalTrack { return s.track }

func (s *micStream) Stop() { s.track.Stop() }

// micTrack slices captured audio into fixed frames for the peer connection.
type micTrack struct {
	id         string
	frameBytes int
	logger     *slog.Logger

	frames chan []byte
	done   chan struct{}

	mu        sync.Mutex
	pending   []byte
	enabled   bool
	stopped   bool
	dropped   int
	device    captureDevice
	processor *Processor
}

func newMicTrack(id string, format pcm.Format, processor *Processor, logger *slog.Logger) *micTrack {
	return &micTrack{
		id:         id,
		frameBytes: format.BytesFor(pcm.FrameDuration),
		logger:     logger,
		frames:     make(chan []byte, frameQueue),
		done:       make(chan struct{}),
		enabled:    true,
		processor:  processor,
	}
}

func (t *micTrack) ID() string { return t.id }

// push is the capture callback. It must not block the audio thread, so
// frames the reader has not kept up with are dropped.
func (t *micTrack) push(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.pending = append(t.pending, data...)
	for len(t.pending) >= t.frameBytes {
		frame := make([]byte, t.frameBytes)
		copy(frame, t.pending)
		t.pending = t.pending[t.frameBytes:]
		select {
		case t.frames <- frame:
		default:
			t.dropped++
		}
	}
	if len(t.pending) == 0 {
		t.pending = nil
	}
}

// ReadFrame returns the next processed frame, or silence while the track
// is disabled.
func (t *micTrack) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errTrackStopped
	case frame := <-t.frames:
		t.mu.Lock()
		enabled := t.enabled
		processor := t.processor
		t.mu.Unlock()
		if !enabled {
			clear(frame)
			return frame, nil
		}
		if processor != nil {
			processor.Process(frame)
		}
		return frame, nil
	}
}

func (t *micTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *micTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *micTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	device := t.device
	t.device = nil
	dropped := t.dropped
	close(t.done)
	t.mu.Unlock()

	if device != nil {
		device.Stop()
	}
	if dropped > 0 {
		t.logger.Debug("microphone frames dropped", "track_id", t.id, "dropped", dropped)
	}
}
