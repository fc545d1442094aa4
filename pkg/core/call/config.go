package call

import (
	"fmt"
	"time"

	"github.com/vango-go/vai-call/pkg/core/realtime"
)

// State is the call's position in its lifecycle.
type State int

const (
	// StateIdle is before Start and after a failed setup.
	StateIdle State = iota
	// StateRinging begins once the microphone is acquired.
	StateRinging
	// StateConnecting begins once session credentials are minted.
	StateConnecting
	// StateConnected begins on first remote audio, no earlier than the minimum ring.
	StateConnected
	// StateEnded is terminal.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateEnded; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", b)
}

// Active reports whether the call holds native resources.
func (s State) Active() bool {
	return s == StateRinging || s == StateConnecting || s == StateConnected
}

// Constraints is the microphone request.
type Constraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`

	// SampleRate in Hz. Default: 48000.
	SampleRate int `json:"sample_rate"`

	// Channels. Default: 1.
	Channels int `json:"channels"`
}

// DefaultConstraints requests every voice processing stage.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		Channels:         1,
	}
}

// Config holds everything a call needs besides its collaborators.
type Config struct {
	// AgentID and CampaignID select what the backend mints a session for.
	AgentID    string `json:"agent_id"`
	CampaignID string `json:"campaign_id,omitempty"`

	// MinRingDuration is the shortest ring the caller hears, measured from
	// ring start. Default: 5s.
	MinRingDuration time.Duration `json:"min_ring_duration"`

	// BargeInMuteWindow is how long the outbound track stays disabled after
	// a barge-in. Default: 50ms.
	BargeInMuteWindow time.Duration `json:"barge_in_mute_window"`

	// DataChannelLabel names the signaling channel. Default: "oai-events".
	DataChannelLabel string `json:"data_channel_label"`

	Microphone Constraints `json:"microphone"`

	// Session is sent as session.update when the data channel opens.
	Session realtime.SessionSettings `json:"session"`

	// ToolTimeout bounds each tool invocation. Default: 10s.
	ToolTimeout time.Duration `json:"tool_timeout"`

	// ToolQueueSize bounds invocations waiting behind the one executing.
	// Default: 32.
	ToolQueueSize int `json:"tool_queue_size"`

	// SinkTimeout bounds each event-logging request. Default: 5s.
	SinkTimeout time.Duration `json:"sink_timeout"`
}

// DefaultConfig returns a Config with the standard timings and session
// settings. AgentID must still be set.
func DefaultConfig() Config {
	return Config{
		MinRingDuration:   5000 * time.Millisecond,
		BargeInMuteWindow: 50 * time.Millisecond,
		DataChannelLabel:  "oai-events",
		Microphone:        DefaultConstraints(),
		Session:           realtime.DefaultSessionSettings(),
		ToolTimeout:       10 * time.Second,
		ToolQueueSize:     32,
		SinkTimeout:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	// Negative disables the minimum ring; zero means unset.
	switch {
	case c.MinRingDuration == 0:
		c.MinRingDuration = d.MinRingDuration
	case c.MinRingDuration < 0:
		c.MinRingDuration = 0
	}
	if c.BargeInMuteWindow <= 0 {
		c.BargeInMuteWindow = d.BargeInMuteWindow
	}
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = d.DataChannelLabel
	}
	if c.Microphone.SampleRate <= 0 {
		c.Microphone.SampleRate = d.Microphone.SampleRate
	}
	if c.Microphone.Channels <= 0 {
		c.Microphone.Channels = d.Microphone.Channels
	}
	// The processing stages are always requested.
	c.Microphone.EchoCancellation = true
	c.Microphone.NoiseSuppression = true
	c.Microphone.AutoGainControl = true
	if len(c.Session.Modalities) == 0 {
		c.Session = d.Session
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.ToolQueueSize <= 0 {
		c.ToolQueueSize = d.ToolQueueSize
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = d.SinkTimeout
	}
	return c
}
