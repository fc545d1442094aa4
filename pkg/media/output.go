package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/pcm"
)

var (
	errAudioClosed     = errors.New("audio context closed")
	errRendererStopped = errors.New("renderer stopped")
)

// outputPlayer is the part of *oto.Player the call uses.
type outputPlayer interface {
	Play()
	Pause()
	Close() error
}

type outputBackend interface {
	NewPlayer(r io.Reader) outputPlayer
	Resume() error
	Suspend() error
}

// oto allows one context per process, created on first use and shared by
// every call after that.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

type otoOutput struct{ ctx *oto.Context }

func (o otoOutput) NewPlayer(r io.Reader) outputPlayer { return o.ctx.NewPlayer(r) }
func (o otoOutput) Resume() error                      { return o.ctx.Resume() }
func (o otoOutput) Suspend() error                     { return o.ctx.Suspend() }

func sharedOutput(format pcm.Format, buffer time.Duration) (outputBackend, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			otoErr = fmt.Errorf("init speaker: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	if otoErr != nil {
		return nil, otoErr
	}
	return otoOutput{ctx: otoCtx}, nil
}

// audioContext is one call's view of the shared output. It starts
// suspended until Resume.
type audioContext struct {
	out    outputBackend
	format pcm.Format
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	players map[io.Closer]struct{}
}

func newAudioContext(out outputBackend, format pcm.Format, logger *slog.Logger) *audioContext {
	return &audioContext{
		out:     out,
		format:  format,
		logger:  logger,
		players: make(map[io.Closer]struct{}),
	}
}

func (a *audioContext) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errAudioClosed
	}
	if err := a.out.Resume(); err != nil {
		return err
	}
	a.running = true
	return nil
}

func (a *audioContext) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *audioContext) StartRingback() (call.Player, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errAudioClosed
	}
	p := &ringbackPlayer{ctx: a}
	p.player = a.out.NewPlayer(NewRingbackTone(a.format))
	p.player.Play()
	a.players[p] = struct{}{}
	return p, nil
}

func (a *audioContext) NewRenderer() (call.Renderer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errAudioClosed
	}
	r := newRenderer(a, a.format.BytesFor(2*time.Second))
	a.players[r] = struct{}{}
	return r, nil
}

func (a *audioContext) forget(c io.Closer) {
	a.mu.Lock()
	delete(a.players, c)
	a.mu.Unlock()
}

// Close stops every player it created and suspends output.
func (a *audioContext) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.running = false
	players := make([]io.Closer, 0, len(a.players))
	for p := range a.players {
		players = append(players, p)
	}
	a.mu.Unlock()

	var errs []error
	for _, p := range players {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.out.Suspend(); err != nil {
		a.logger.Debug("suspend audio output failed", "error", err)
	}
	return errors.Join(errs...)
}

type ringbackPlayer struct {
	ctx    *audioContext
	once   sync.Once
	player outputPlayer
}

func (p *ringbackPlayer) Stop() error { return p.Close() }

func (p *ringbackPlayer) Close() error {
	var err error
	p.once.Do(func() {
		p.player.Pause()
		err = p.player.Close()
		p.ctx.forget(p)
	})
	return err
}

// renderer buffers the agent's audio and feeds it to oto once playing.
// Buffering is bounded; on overflow the oldest audio is dropped.
type renderer struct {
	ctx *audioContext
	buf *pcm.RingBuffer

	mu      sync.Mutex
	player  outputPlayer
	stopped bool
}

func newRenderer(ctx *audioContext, size int) *renderer {
	return &renderer{ctx: ctx, buf: pcm.NewRingBuffer(size)}
}

func (r *renderer) Write(p []byte) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return errRendererStopped
	}
	_, err := r.buf.Write(p)
	return err
}

func (r *renderer) Play() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.player != nil {
		return
	}
	r.player = r.ctx.out.NewPlayer(rendererSource{buf: r.buf})
	r.player.Play()
}

func (r *renderer) Stop() error { return r.Close() }

func (r *renderer) Close() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	player := r.player
	r.player = nil
	r.mu.Unlock()

	r.buf.Clear()
	r.ctx.forget(r)
	if player == nil {
		return nil
	}
	player.Pause()
	return player.Close()
}

// rendererSource never blocks oto: underruns are filled with silence.
type rendererSource struct{ buf *pcm.RingBuffer }

func (s rendererSource) Read(p []byte) (int, error) {
	n, _ := s.buf.Read(p)
	clear(p[n:])
	return len(p), nil
}
