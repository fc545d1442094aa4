package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-call/pkg/core/tools"
)

type Dependencies struct {
	Devices MediaDevices
	Minter  SessionMinter
	Relay   SDPRelay
	Peers   PeerFactory

	// Sink is optional.
	Sink EventSink

	// Tool collaborators are optional; a missing one makes its tool return
	// an error result.
	Leads   tools.LeadStore
	Search  tools.WebSearcher
	Handoff tools.HandoffTicketer

	Logger *slog.Logger
	Clock  Clock
}

// record is the session state. It is only mutated with Call.mu held.
type record struct {
	state      State
	generation uint64
	starting   bool

	callID        string
	ringStartedAt time.Time
	startedAt     time.Time
	endedAt       time.Time
	duration      time.Duration

	hasReceivedRemoteAudio bool
	transcript             []tools.Utterance
	lastError              string

	// failure is the setup error of generation failedGen, kept so Start
	// can return it when another goroutine failed the setup first.
	failure   *Error
	failedGen uint64
}

// resources are owned by exactly one session generation and released
// together by teardown.
type resources struct {
	stream   MediaStream
	track    LocalTrack
	audio    AudioContext
	peer     Peer
	dc       DataChannel
	renderer Renderer
	analyser *Analyser
	unmute   Timer
	dispatch *dispatcher
}

// Call is one caller-to-agent voice call.
type Call struct {
	cfg        Config
	devices    MediaDevices
	negotiator *Negotiator
	leads      tools.LeadStore
	search     tools.WebSearcher
	handoff    tools.HandoffTicketer
	logger     *slog.Logger
	clock      Clock
	emitter    *Emitter
	ring       *RingController
	queries    *tools.QuerySet

	// teardownMu serializes teardown with the next Start.
	teardownMu sync.Mutex

	mu  sync.Mutex
	rec record
	res resources
}

func New(cfg Config, deps Dependencies) (*Call, error) {
	if deps.Devices == nil {
		return nil, fmt.Errorf("media devices are required")
	}
	if deps.Minter == nil {
		return nil, fmt.Errorf("session minter is required")
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("sdp relay is required")
	}
	if deps.Peers == nil {
		return nil, fmt.Errorf("peer factory is required")
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	cfg = cfg.withDefaults()

	return &Call{
		cfg:        cfg,
		devices:    deps.Devices,
		negotiator: NewNegotiator(deps.Minter, deps.Relay, deps.Peers, deps.Logger),
		leads:      deps.Leads,
		search:     deps.Search,
		handoff:    deps.Handoff,
		logger:     deps.Logger,
		clock:      deps.Clock,
		emitter:    NewEmitter(deps.Clock, deps.Sink, deps.Logger, cfg.SinkTimeout),
		ring:       NewRingController(cfg.MinRingDuration, deps.Clock, deps.Logger),
		queries:    tools.NewQuerySet(),
	}, nil
}

func (c *Call) Config() Config { return c.cfg }

// Subscribe returns a stream of call events. See Emitter.Subscribe.
func (c *Call) Subscribe(buffer int) (<-chan Event, func()) {
	return c.emitter.Subscribe(buffer)
}

// Emitter exposes the event emitter, mainly to wait for sink delivery on
// shutdown.
func (c *Call) Emitter() *Emitter { return c.emitter }

func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.state
}

// Snapshot is a copy of the session record.
type Snapshot struct {
	State                  State             `json:"state"`
	CallID                 string            `json:"call_id,omitempty"`
	RingStartedAt          time.Time         `json:"ring_started_at,omitempty"`
	StartedAt              time.Time         `json:"started_at,omitempty"`
	Duration               time.Duration     `json:"duration"`
	HasReceivedRemoteAudio bool              `json:"has_received_remote_audio"`
	SearchedQueries        int               `json:"searched_queries"`
	Transcript             []tools.Utterance `json:"transcript,omitempty"`
	LastError              string            `json:"last_error,omitempty"`
}

func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:                  c.rec.state,
		CallID:                 c.rec.callID,
		RingStartedAt:          c.rec.ringStartedAt,
		StartedAt:              c.rec.startedAt,
		HasReceivedRemoteAudio: c.rec.hasReceivedRemoteAudio,
		Transcript:             append([]tools.Utterance(nil), c.rec.transcript...),
		LastError:              c.rec.lastError,
	}
	switch {
	case c.rec.state == StateEnded:
		s.Duration = c.rec.duration
	case c.rec.state == StateConnected:
		s.Duration = c.clock.Now().Sub(c.rec.startedAt)
	}
	c.mu.Unlock()
	s.SearchedQueries = c.queries.Len()
	return s
}

// Transcript returns the finalized utterances so far.
func (c *Call) Transcript() []tools.Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tools.Utterance(nil), c.rec.transcript...)
}

// RemoteLevel is the smoothed level and peak of the agent's audio.
func (c *Call) RemoteLevel() (level, peak float64) {
	c.mu.Lock()
	a := c.res.analyser
	c.mu.Unlock()
	return a.Level()
}

// Start runs call setup: microphone, ringback, session minting and the SDP
// exchange. It returns once the exchange completes; the connected
// transition happens later, on first remote audio. Any setup failure
// releases everything acquired and leaves the call idle.
func (c *Call) Start(ctx context.Context) error {
	c.teardownMu.Lock()
	c.teardownMu.Unlock()

	c.mu.Lock()
	switch {
	case c.rec.state == StateEnded:
		c.mu.Unlock()
		return &Error{Kind: ErrInvalidState, Message: "This call has ended. Start a new call to try again."}
	case c.rec.state != StateIdle || c.rec.starting:
		c.mu.Unlock()
		return &Error{Kind: ErrInvalidState, Message: "A call is already in progress."}
	}
	c.rec = record{generation: c.rec.generation + 1, starting: true}
	gen := c.rec.generation
	c.mu.Unlock()
	c.queries.Reset()

	stream, err := c.devices.AcquireMicrophone(ctx, c.cfg.Microphone)
	if err != nil {
		return c.failSetup(gen, deviceError(err))
	}
	track := stream.AudioTrack()
	if track == nil {
		stream.Stop()
		return c.failSetup(gen, deviceError(errors.New("microphone stream has no audio track")))
	}
	if !c.adopt(gen, func(r *resources) { r.stream, r.track = stream, track }) {
		track.Stop()
		stream.Stop()
		return c.setupOutcome(gen)
	}
	c.emit(&MicrophoneAcquiredEvent{TrackID: track.ID()})

	audio, ok := c.openAudio(gen)
	if !ok {
		return c.setupOutcome(gen)
	}

	now := c.clock.Now()
	c.mu.Lock()
	if gen != c.rec.generation {
		c.mu.Unlock()
		return c.setupOutcome(gen)
	}
	c.rec.state = StateRinging
	c.rec.starting = false
	c.rec.ringStartedAt = now
	c.mu.Unlock()
	c.emit(&StateChangedEvent{From: StateIdle, To: StateRinging})

	if err := c.ring.Start(now, audio); err != nil {
		c.advise(AdvisoryRingbackFailed, "Ringback could not be played.")
	} else {
		c.emit(&RingbackStartedEvent{})
	}
	if !c.current(gen) {
		c.ring.StopRingback()
		c.ring.CancelTimers()
		return c.setupOutcome(gen)
	}

	creds, err := c.negotiator.Negotiate(ctx, c.cfg.AgentID, c.cfg.CampaignID)
	if err != nil {
		return c.failSetup(gen, err)
	}

	c.mu.Lock()
	if gen != c.rec.generation {
		c.mu.Unlock()
		return c.setupOutcome(gen)
	}
	from := c.rec.state
	c.rec.callID = creds.SessionID
	c.rec.state = StateConnecting
	disp := c.newDispatcher(gen, creds.SessionID)
	c.res.dispatch = disp
	c.mu.Unlock()
	go disp.run()

	c.logger.Info("session negotiated", "call_id", creds.SessionID, "ice_servers", len(creds.ICEServers))
	c.emit(&SessionNegotiatedEvent{CallID: creds.SessionID})
	c.emit(&StateChangedEvent{From: from, To: StateConnecting})

	err = c.negotiator.Establish(ctx, creds, track, c.cfg.DataChannelLabel, c.hooks(gen))
	if errors.Is(err, errAbandoned) {
		return c.setupOutcome(gen)
	}
	if err != nil {
		return c.failSetup(gen, err)
	}
	if !c.current(gen) {
		return c.setupOutcome(gen)
	}
	return nil
}

func errAborted() *Error {
	return &Error{Kind: ErrAborted, Message: "The call was ended before it connected."}
}

// setupOutcome is what Start returns once gen is no longer live: the
// failure that ended it, or an abort if the user hung up.
func (c *Call) setupOutcome(gen uint64) *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupOutcomeLocked(gen)
}

func (c *Call) setupOutcomeLocked(gen uint64) *Error {
	if c.rec.failure != nil && c.rec.failedGen == gen {
		return c.rec.failure
	}
	return errAborted()
}

// openAudio creates and resumes the output context. Failures degrade the
// call but do not stop it. ok is false only when the session was torn down
// meanwhile.
func (c *Call) openAudio(gen uint64) (AudioContext, bool) {
	audio, err := c.devices.NewAudioContext()
	if err != nil {
		c.logger.Warn("audio context unavailable", "error", err)
		c.advise(AdvisoryAudioSuspended, "Audio output is unavailable. You may not hear the agent.")
		return nil, c.current(gen)
	}
	if !c.adopt(gen, func(r *resources) { r.audio = audio }) {
		audio.Close()
		return nil, false
	}
	if err := audio.Resume(); err != nil {
		c.logger.Warn("audio context resume failed", "error", err)
		c.advise(AdvisoryAudioSuspended, "Audio playback is blocked. Use resume audio to enable sound.")
	}
	return audio, true
}

func (c *Call) hooks(gen uint64) PeerHooks {
	return PeerHooks{
		Adopt: func(peer Peer, dc DataChannel) bool {
			return c.adopt(gen, func(r *resources) { r.peer, r.dc = peer, dc })
		},
		OnRemoteAudio:    func(pcm []byte) { c.handleRemoteAudio(gen, pcm) },
		OnConnectionLost: func(reason string) { c.handleConnectionLost(gen, reason) },
		OnOpen:           func() { c.handleChannelOpen(gen) },
		OnMessage:        func(data []byte) { c.handleMessage(gen, data) },
		OnClose:          func() { c.handleConnectionLost(gen, "data channel closed") },
	}
}

// adopt runs fn on the resources if gen is still the live session.
func (c *Call) adopt(gen uint64, fn func(r *resources)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.rec.generation {
		return false
	}
	fn(&c.res)
	return true
}

func (c *Call) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.rec.generation
}

// failSetup returns the call to idle, surfaces err once, and releases every
// resource.
func (c *Call) failSetup(gen uint64, err error) error {
	cerr := asCallError(err, ErrPeerFailed)

	c.teardownMu.Lock()
	defer c.teardownMu.Unlock()

	c.mu.Lock()
	if gen != c.rec.generation {
		out := c.setupOutcomeLocked(gen)
		c.mu.Unlock()
		return out
	}
	from := c.rec.state
	callID := c.rec.callID
	c.rec.state = StateIdle
	c.rec.starting = false
	c.rec.lastError = cerr.Message
	c.rec.failure, c.rec.failedGen = cerr, gen
	res := c.detachLocked()
	c.mu.Unlock()

	c.logger.Warn("call setup failed", "call_id", callID, "kind", cerr.Kind, "error", cerr.Message)
	if from != StateIdle {
		c.emitter.Emit(callID, &StateChangedEvent{From: from, To: StateIdle})
	}
	c.emitter.Emit(callID, &ErrorEvent{Kind: cerr.Kind, Message: cerr.Message})
	c.teardown(res)
	return cerr
}

// End hangs up. It is a no-op unless the call is ringing, connecting or
// connected, so calling it repeatedly is safe.
func (c *Call) End() {
	c.endSession(EndReasonUser, 0)
}

// Close ends the call and closes every subscription.
func (c *Call) Close() {
	c.End()
	c.emitter.Close()
}

// endSession ends the live session. A non-zero gen restricts it to that
// session generation.
func (c *Call) endSession(reason string, gen uint64) {
	c.teardownMu.Lock()
	defer c.teardownMu.Unlock()

	c.mu.Lock()
	if gen != 0 && gen != c.rec.generation {
		c.mu.Unlock()
		return
	}
	if !c.rec.state.Active() {
		if c.rec.state == StateIdle && c.rec.starting {
			// Setup is still acquiring the microphone; abandon it.
			c.rec.starting = false
			res := c.detachLocked()
			c.mu.Unlock()
			c.teardown(res)
			return
		}
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	from := c.rec.state
	var duration time.Duration
	if !c.rec.startedAt.IsZero() {
		duration = now.Sub(c.rec.startedAt)
	}
	c.rec.state = StateEnded
	c.rec.endedAt = now
	c.rec.duration = duration
	callID := c.rec.callID
	res := c.detachLocked()
	c.mu.Unlock()

	c.logger.Info("call ended", "call_id", callID, "reason", reason, "duration_ms", duration.Milliseconds())
	c.emitter.Emit(callID, &StateChangedEvent{From: from, To: StateEnded})
	c.emitter.Emit(callID, &CallEndedEvent{CallID: callID, Duration: duration, Reason: reason})
	c.teardown(res)
}

// detachLocked hands the current resources to the caller and invalidates
// every callback holding the old generation.
func (c *Call) detachLocked() resources {
	res := c.res
	c.res = resources{}
	c.rec.generation++
	return res
}

func (c *Call) handleConnectionLost(gen uint64, reason string) {
	// Runs off the transport goroutine: teardown closes the transport.
	go func() {
		c.mu.Lock()
		state := c.rec.state
		live := gen == c.rec.generation
		c.mu.Unlock()
		if !live {
			return
		}
		switch state {
		case StateConnected:
			c.logger.Warn("connection lost", "reason", reason)
			c.endSession(EndReasonConnectionLost, gen)
		case StateRinging, StateConnecting:
			c.failSetup(gen, &Error{Kind: ErrPeerFailed, Message: "The connection was lost before the call connected: " + reason})
		}
	}()
}

func (c *Call) emit(ev Event) {
	c.mu.Lock()
	callID := c.rec.callID
	c.mu.Unlock()
	c.emitter.Emit(callID, ev)
}

func (c *Call) advise(code, message string) {
	c.emit(&AdvisoryEvent{Code: code, Message: message})
}
