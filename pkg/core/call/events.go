package call

import "time"

// Event is a call milestone. The set of events is closed: only this package
// defines them.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
	// Time is when the event was emitted.
	Time() time.Time

	stamp(at time.Time)
}

type eventBase struct {
	At time.Time `json:"at"`
}

func (b *eventBase) Time() time.Time     { return b.At }
func (b *eventBase) stamp(at time.Time) { b.At = at }

// StateChangedEvent is emitted on every state transition.
type StateChangedEvent struct {
	eventBase
	From State `json:"from"`
	To   State `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

type MicrophoneAcquiredEvent struct {
	eventBase
	TrackID string `json:"track_id"`
}

func (e *MicrophoneAcquiredEvent) EventType() string { return "microphone.acquired" }

// AdvisoryEvent reports a non-fatal problem the caller may dismiss or act on.
type AdvisoryEvent struct {
	eventBase
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AdvisoryEvent) EventType() string { return "advisory" }

const (
	AdvisoryAudioSuspended = "audio_suspended"
	AdvisoryRingbackFailed = "ringback_failed"
	AdvisoryRealtimeError  = "realtime_error"
)

type AudioResumedEvent struct {
	eventBase
}

func (e *AudioResumedEvent) EventType() string { return "audio.resumed" }

type RingbackStartedEvent struct {
	eventBase
}

func (e *RingbackStartedEvent) EventType() string { return "ringback.started" }

type SessionNegotiatedEvent struct {
	eventBase
	CallID string `json:"call_id"`
}

func (e *SessionNegotiatedEvent) EventType() string { return "session.negotiated" }

type DataChannelOpenEvent struct {
	eventBase
	Label string `json:"label"`
}

func (e *DataChannelOpenEvent) EventType() string { return "datachannel.open" }

// SessionConfiguredEvent is emitted when the endpoint acknowledges session.update.
type SessionConfiguredEvent struct {
	eventBase
}

func (e *SessionConfiguredEvent) EventType() string { return "session.configured" }

// RemoteAudioEvent is emitted once, on the first remote audio frame.
type RemoteAudioEvent struct {
	eventBase
	RingElapsed time.Duration `json:"ring_elapsed"`
}

func (e *RemoteAudioEvent) EventType() string { return "remote_audio.first" }

type ConnectedEvent struct {
	eventBase
	CallID       string        `json:"call_id"`
	RingDuration time.Duration `json:"ring_duration"`
}

func (e *ConnectedEvent) EventType() string { return "call.connected" }

type ToolInvokedEvent struct {
	eventBase
	InvocationID string `json:"invocation_id"`
	Name         string `json:"name"`
}

func (e *ToolInvokedEvent) EventType() string { return "tool.invoked" }

// WebLookupEvent is emitted before a web lookup is dispatched or short-circuited.
type WebLookupEvent struct {
	eventBase
	InvocationID string `json:"invocation_id"`
	Query        string `json:"query"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

func (e *WebLookupEvent) EventType() string { return "tool.web_lookup" }

type ToolResultEvent struct {
	eventBase
	InvocationID string        `json:"invocation_id"`
	Name         string        `json:"name"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

func (e *ToolResultEvent) EventType() string { return "tool.result" }

type TranscriptEvent struct {
	eventBase
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

func (e *TranscriptEvent) EventType() string { return "transcript" }

type BargeInEvent struct {
	eventBase
}

func (e *BargeInEvent) EventType() string { return "barge_in" }

// ErrorEvent is emitted exactly once for each failed setup.
type ErrorEvent struct {
	eventBase
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "call.error" }

type CallEndedEvent struct {
	eventBase
	CallID   string        `json:"call_id"`
	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason"`
}

func (e *CallEndedEvent) EventType() string { return "call.ended" }

const (
	EndReasonUser           = "user"
	EndReasonConnectionLost = "connection_lost"
)
