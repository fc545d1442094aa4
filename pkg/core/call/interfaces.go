package call

import (
	"context"
	"time"
)

// MediaDevices opens the local microphone and audio output.
type MediaDevices interface {
	// AcquireMicrophone fails with a *Error of kind ErrPermissionDenied,
	// ErrDeviceNotFound or ErrDeviceBusy when it can classify the cause.
	AcquireMicrophone(ctx context.Context, c Constraints) (MediaStream, error)

	// NewAudioContext creates the output context. It may start suspended.
	NewAudioContext() (AudioContext, error)
}

type MediaStream interface {
	AudioTrack() LocalTrack
	Stop()
}

// LocalTrack is captured microphone audio. A disabled track yields silence.
type LocalTrack interface {
	ID() string
	// ReadFrame blocks for the next 16-bit PCM frame.
	ReadFrame(ctx context.Context) ([]byte, error)
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

type AudioContext interface {
	Resume() error
	Running() bool
	// StartRingback loops the ringback tone until the player is stopped.
	StartRingback() (Player, error)
	NewRenderer() (Renderer, error)
	Close() error
}

type Player interface {
	Stop() error
}

// Renderer plays remote audio. Frames written before Play are held until
// playback starts.
type Renderer interface {
	Write(pcm []byte) error
	Play()
	Stop() error
}

// Credentials are minted by the backend for one call.
type Credentials struct {
	SessionID           string      `json:"sessionId"`
	EphemeralCredential string      `json:"ephemeralCredential"`
	ICEServers          []ICEServer `json:"iceServers"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type SessionMinter interface {
	MintSession(ctx context.Context, agentID, campaignID string) (Credentials, error)
}

// SDPRelay forwards a local offer to the realtime endpoint and returns its
// answer.
type SDPRelay interface {
	ExchangeSDP(ctx context.Context, offer, credential string) (answer string, err error)
}

type PeerConfig struct {
	ICEServers []ICEServer
}

type PeerFactory interface {
	NewPeer(cfg PeerConfig) (Peer, error)
}

// Peer is the media connection to the realtime endpoint.
type Peer interface {
	AddTrack(track LocalTrack) error
	CreateDataChannel(label string) (DataChannel, error)
	// OnRemoteAudio receives decoded 16-bit PCM frames.
	OnRemoteAudio(fn func(pcm []byte))
	OnConnectionLost(fn func(reason string))
	// CreateOffer returns the local description once ICE gathering completes.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	Close() error
}

type DataChannel interface {
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Send(data []byte) error
	Close() error
}

// LogRecord is one event forwarded to the logging sink.
type LogRecord struct {
	CallID    string    `json:"callId"`
	EventType string    `json:"eventType"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives events for external logging. Failures are logged and
// otherwise ignored.
type EventSink interface {
	LogEvent(ctx context.Context, rec LogRecord) error
}

type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// SystemClock is the wall clock.
func SystemClock() Clock { return realClock{} }
