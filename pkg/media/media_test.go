package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/pcm"
)

type fakeDevice struct{ stopped int }

func (d *fakeDevice) Stop() { d.stopped++ }

type fakeCapture struct {
	err    error
	device *fakeDevice
	onData func([]byte)
	cfg    captureConfig
}

func (c *fakeCapture) Open(cfg captureConfig, onData func([]byte)) (captureDevice, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.cfg = cfg
	c.onData = onData
	c.device = &fakeDevice{}
	return c.device, nil
}

type fakePlayer struct {
	mu      sync.Mutex
	src     io.Reader
	playing bool
	closed  bool
}

func (p *fakePlayer) Play() {
	p.mu.Lock()
	p.playing = true
	p.mu.Unlock()
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type fakeOutput struct {
	mu        sync.Mutex
	players   []*fakePlayer
	resumeErr error
	suspended int
}

func (o *fakeOutput) NewPlayer(r io.Reader) outputPlayer {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := &fakePlayer{src: r}
	o.players = append(o.players, p)
	return p
}

func (o *fakeOutput) Resume() error { return o.resumeErr }

func (o *fakeOutput) Suspend() error {
	o.mu.Lock()
	o.suspended++
	o.mu.Unlock()
	return nil
}

func newTestDevices(capture *fakeCapture, out *fakeOutput) *Devices {
	d := NewDevices(Options{})
	d.capture = capture
	d.output = func(pcm.Format, time.Duration) (outputBackend, error) { return out, nil }
	return d
}

func tone(samples int, v int16) []byte {
	s := make([]int16, samples)
	for i := range s {
		s[i] = v
	}
	return pcm.FromInt16(s)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want call.ErrorKind
	}{
		{errors.New("Access denied."), call.ErrPermissionDenied},
		{errors.New("operation not permitted"), call.ErrPermissionDenied},
		{errors.New("No device."), call.ErrDeviceNotFound},
		{errors.New("Device does not exist"), call.ErrDeviceNotFound},
		{errors.New("Device or resource busy"), call.ErrDeviceBusy},
		{errors.New("Device already in use"), call.ErrDeviceBusy},
		{errors.New("Invalid argument."), ""},
		{call.NewDeviceBusyError(nil), call.ErrDeviceBusy},
	}
	for _, tc := range cases {
		if got := call.KindOf(classify(tc.err)); got != tc.want {
			t.Errorf("classify(%q)=%q, want %q", tc.err, got, tc.want)
		}
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) should be nil")
	}
}

func TestAcquireMicrophone_ClassifiesOpenErrors(t *testing.T) {
	d := newTestDevices(&fakeCapture{err: errors.New("Access denied.")}, &fakeOutput{})
	_, err := d.AcquireMicrophone(context.Background(), call.DefaultConstraints())
	if call.KindOf(err) != call.ErrPermissionDenied {
		t.Fatalf("err=%v", err)
	}
}

func TestMicTrack_FramesCapturedAudio(t *testing.T) {
	capture := &fakeCapture{}
	d := newTestDevices(capture, &fakeOutput{})
	stream, err := d.AcquireMicrophone(context.Background(), call.Constraints{SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatalf("AcquireMicrophone: %v", err)
	}
	track := stream.AudioTrack()
	frameBytes := pcm.DefaultFormat().BytesFor(pcm.FrameDuration)
	if frameBytes != 1920 {
		t.Fatalf("frameBytes=%d", frameBytes)
	}

	capture.onData(tone(1440, 1000)) // 1.5 frames
	capture.onData(tone(480, 1000))  // completes the second

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		frame, err := track.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(frame) != frameBytes {
			t.Fatalf("frame %d len=%d", i, len(frame))
		}
	}

	track.SetEnabled(false)
	capture.onData(tone(960, 1000))
	frame, err := track.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("disabled frame: %v", err)
	}
	if !bytes.Equal(frame, make([]byte, frameBytes)) || track.Enabled() {
		t.Fatalf("disabled track should yield silence")
	}

	stream.Stop()
	stream.Stop()
	if capture.device.stopped != 1 {
		t.Fatalf("device stopped %d times", capture.device.stopped)
	}
	if _, err := track.ReadFrame(ctx); !errors.Is(err, errTrackStopped) {
		t.Fatalf("err=%v", err)
	}
}

func TestMicTrack_DropsWhenReaderFallsBehind(t *testing.T) {
	track := newMicTrack("mic", pcm.DefaultFormat(), nil, slog.Default())
	frame := tone(960, 1)
	for i := 0; i < frameQueue+5; i++ {
		track.push(frame)
	}
	if len(track.frames) != frameQueue || track.dropped != 5 {
		t.Fatalf("queued=%d dropped=%d", len(track.frames), track.dropped)
	}
	track.Stop()
}

func TestProcessor_NoiseGate(t *testing.T) {
	p := NewProcessor(DefaultProcessorConfig(), true, false)
	quiet := tone(960, 50)
	p.Process(quiet)
	if pcm.Peak(quiet) != 0 {
		t.Fatalf("quiet frame should be gated")
	}
	speech := tone(960, 3000)
	p.Process(speech)
	if pcm.Peak(speech) == 0 {
		t.Fatalf("speech should pass the gate")
	}
}

func TestProcessor_AutoGainRaisesQuietSpeech(t *testing.T) {
	p := NewProcessor(DefaultProcessorConfig(), false, true)
	var last float64
	for i := 0; i < 30; i++ {
		frame := tone(960, 800)
		p.Process(frame)
		last = pcm.RMS(frame)
	}
	if p.Gain() <= 1 || last <= 800.0/32768 {
		t.Fatalf("gain=%v rms=%v", p.Gain(), last)
	}
	if p.Gain() > DefaultProcessorConfig().MaxGain {
		t.Fatalf("gain %v exceeds max", p.Gain())
	}

	loud := tone(960, 30000)
	p.Process(loud)
	if pcm.Peak(loud) > 1 {
		t.Fatalf("loud frame clipped past full scale")
	}
}

func TestAudioContext_RingbackAndRenderer(t *testing.T) {
	out := &fakeOutput{}
	d := newTestDevices(&fakeCapture{}, out)
	ac, err := d.NewAudioContext()
	if err != nil {
		t.Fatalf("NewAudioContext: %v", err)
	}
	if ac.Running() {
		t.Fatal("context should start suspended")
	}
	if err := ac.Resume(); err != nil || !ac.Running() {
		t.Fatalf("Resume: %v running=%v", err, ac.Running())
	}

	ring, err := ac.StartRingback()
	if err != nil {
		t.Fatalf("StartRingback: %v", err)
	}
	if len(out.players) != 1 || !out.players[0].playing {
		t.Fatalf("ringback should be playing")
	}
	if err := ring.Stop(); err != nil || !out.players[0].closed {
		t.Fatalf("ringback stop: %v", err)
	}

	r, err := ac.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	if err := r.Write(tone(4, 7)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(out.players) != 1 {
		t.Fatalf("renderer should not play before Play")
	}
	r.Play()
	r.Play()
	if len(out.players) != 2 {
		t.Fatalf("players=%d", len(out.players))
	}
	buf := make([]byte, 16)
	n, err := out.players[1].src.Read(buf)
	if err != nil || n != 16 {
		t.Fatalf("read n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf[:8], tone(4, 7)) || !bytes.Equal(buf[8:], make([]byte, 8)) {
		t.Fatalf("buffered audio then silence expected, got %v", buf)
	}

	if err := ac.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !out.players[1].closed || out.suspended != 1 || ac.Running() {
		t.Fatalf("close should stop renderer and suspend output")
	}
	if err := r.Write(tone(1, 1)); !errors.Is(err, errRendererStopped) {
		t.Fatalf("write after close err=%v", err)
	}
	if _, err := ac.StartRingback(); !errors.Is(err, errAudioClosed) {
		t.Fatalf("ringback after close err=%v", err)
	}
}

func TestAudioContext_ResumeError(t *testing.T) {
	out := &fakeOutput{resumeErr: errors.New("not allowed")}
	ac, _ := newTestDevices(&fakeCapture{}, out).NewAudioContext()
	if err := ac.Resume(); err == nil || ac.Running() {
		t.Fatalf("err=%v running=%v", err, ac.Running())
	}
}

func TestRingbackTone_Cadence(t *testing.T) {
	format := pcm.Format{SampleRate: 8000, Channels: 1}
	tone := NewRingbackTone(format)
	read := func(d time.Duration) []byte {
		buf := make([]byte, format.BytesFor(d))
		if _, err := tone.Read(buf); err != nil {
			t.Fatalf("Read: %v", err)
		}
		return buf
	}
	on := read(2 * time.Second)
	if pcm.RMS(on) < 0.01 {
		t.Fatalf("tone should sound for the first two seconds, rms=%v", pcm.RMS(on))
	}
	off := read(4 * time.Second)
	if pcm.Peak(off) != 0 {
		t.Fatalf("tone should be silent for four seconds")
	}
	if pcm.RMS(read(time.Second)) < 0.01 {
		t.Fatalf("cadence should repeat")
	}
	if pcm.Peak(on) > ringbackAmplitude+0.01 {
		t.Fatalf("peak=%v", pcm.Peak(on))
	}
}
