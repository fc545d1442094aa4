// Package rtc connects a call to the realtime endpoint over WebRTC with
// pion: one Opus audio track each way plus the signaling data channel.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/vango-go/vai-call/pkg/core/call"
	"github.com/vango-go/vai-call/pkg/core/pcm"
)

const (
	trackID  = "audio"
	streamID = "vai-call"
	mtu      = 1500
)

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

type Options struct {
	Logger *slog.Logger
	// GatherTimeout bounds ICE gathering in CreateOffer. Default: 5s.
	GatherTimeout time.Duration
	// NewCodec overrides the Opus codec.
	NewCodec func() (Codec, error)
}

// Factory creates pion peer connections.
type Factory struct {
	logger        *slog.Logger
	gatherTimeout time.Duration
	newCodec      func() (Codec, error)
}

var _ call.PeerFactory = (*Factory)(nil)

func NewFactory(opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 5 * time.Second
	}
	if opts.NewCodec == nil {
		opts.NewCodec = NewOpusCodec
	}
	return &Factory{logger: opts.Logger, gatherTimeout: opts.GatherTimeout, newCodec: opts.NewCodec}
}

func iceServers(in []call.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}

func (f *Factory) NewPeer(cfg call.PeerConfig) (call.Peer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg.ICEServers)})
	if err != nil {
		return nil, err
	}
	codec, err := f.newCodec()
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		pc:            pc,
		codec:         codec,
		logger:        f.logger,
		gatherTimeout: f.gatherTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(p.handleState)
	return p, nil
}

// Peer is a call.Peer backed by a pion PeerConnection.
type Peer struct {
	pc            *webrtc.PeerConnection
	codec         Codec
	logger        *slog.Logger
	gatherTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	onAudio  func([]byte)
	onLost   func(string)
	lostOnce sync.Once
	hasAudio bool
	closed   bool
}

var _ call.Peer = (*Peer)(nil)

// AddTrack publishes track as the outgoing Opus stream and starts pumping
// its frames.
func (p *Peer) AddTrack(track call.LocalTrack) error {
	local, err := webrtc.NewTrackLocalStaticSample(opusCapability, trackID, streamID)
	if err != nil {
		return err
	}
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("peer connection closed")
	}
	p.hasAudio = true
	p.wg.Add(2)
	p.mu.Unlock()

	go p.drainRTCP(sender)
	go p.pump(track, local)
	return nil
}

// drainRTCP reads and discards RTCP so pion's interceptors keep running.
func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()
	buf := make([]byte, mtu)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) pump(track call.LocalTrack, local *webrtc.TrackLocalStaticSample) {
	defer p.wg.Done()
	for {
		frame, err := track.ReadFrame(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Debug("microphone track ended", "error", err)
			}
			return
		}
		payload, err := p.codec.Encode(frame)
		if err != nil {
			p.logger.Debug("drop microphone frame", "error", err)
			continue
		}
		if err := local.WriteSample(media.Sample{Data: payload, Duration: pcm.FrameDuration}); err != nil {
			p.logger.Debug("write sample failed", "error", err)
		}
	}
}

func (p *Peer) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	p.logger.Debug("remote track", "track_id", remote.ID(), "codec", remote.Codec().MimeType)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		buf := make([]byte, mtu)
		for {
			n, _, err := remote.Read(buf)
			if err != nil {
				return
			}
			var pkt rtp.Packet
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				p.logger.Debug("bad rtp packet", "error", err)
				continue
			}
			if len(pkt.Payload) == 0 {
				continue
			}
			frame, err := p.codec.Decode(pkt.Payload)
			if err != nil {
				p.logger.Debug("drop remote packet", "seq", pkt.SequenceNumber, "error", err)
				continue
			}
			p.mu.Lock()
			fn := p.onAudio
			p.mu.Unlock()
			if fn != nil && len(frame) > 0 {
				fn(frame)
			}
		}
	}()
}

// lostReason reports whether state means the connection is gone for good.
// Disconnected may recover, so only failed and closed count.
func lostReason(state webrtc.PeerConnectionState) (string, bool) {
	switch state {
	case webrtc.PeerConnectionStateFailed:
		return "peer connection failed", true
	case webrtc.PeerConnectionStateClosed:
		return "peer connection closed", true
	}
	return "", false
}

func (p *Peer) handleState(state webrtc.PeerConnectionState) {
	p.logger.Debug("peer connection state", "state", state.String())
	reason, lost := lostReason(state)
	if !lost {
		return
	}
	p.mu.Lock()
	closed := p.closed
	fn := p.onLost
	p.mu.Unlock()
	if closed || fn == nil {
		return
	}
	p.lostOnce.Do(func() { fn(reason) })
}

func (p *Peer) CreateDataChannel(label string) (call.DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

func (p *Peer) OnRemoteAudio(fn func(pcm []byte)) {
	p.mu.Lock()
	p.onAudio = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionLost(fn func(reason string)) {
	p.mu.Lock()
	p.onLost = fn
	p.mu.Unlock()
}

// CreateOffer sets the local description and waits for ICE gathering so
// the offer carries its candidates.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	p.mu.Lock()
	hasAudio := p.hasAudio
	p.mu.Unlock()
	if !hasAudio {
		// Still ask for the agent's audio without a microphone.
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return "", err
		}
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}

	timer := time.NewTimer(p.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		p.logger.Warn("ice gathering timed out; sending partial candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}

func (p *Peer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// Close tears the connection down and waits for its goroutines.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	err := p.pc.Close()
	p.wg.Wait()
	return err
}
