package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.log = nil
	r.mu.Unlock()
}

func (r *recorder) count(s string) int {
	n := 0
	for _, e := range r.entries() {
		if e == s {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	rec    *recorder
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock(rec *recorder) *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), rec: rec}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	t.clock.mu.Unlock()
	if pending {
		t.clock.rec.add("timer.stop")
	}
	return pending
}

// Advance moves time forward, firing due timers in order on the caller's
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
	}
}

type fakeTrack struct {
	rec     *recorder
	mu      sync.Mutex
	enabled bool
	history []bool
	stopped bool
}

func (t *fakeTrack) ID() string { return "mic-1" }

func (t *fakeTrack) ReadFrame(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.history = append(t.history, enabled)
	t.mu.Unlock()
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.rec.add("track.stop")
}

type fakeStream struct {
	rec   *recorder
	track *fakeTrack
}

func (s *fakeStream) AudioTrack() LocalTrack { return s.track }
func (s *fakeStream) Stop()                  { s.rec.add("stream.stop") }

type fakePlayer struct{ rec *recorder }

func (p *fakePlayer) Stop() error {
	p.rec.add("ringback.stop")
	return nil
}

type fakeRenderer struct {
	rec     *recorder
	mu      sync.Mutex
	frames  int
	playing bool
}

func (r *fakeRenderer) Write(pcm []byte) error {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
	return nil
}

func (r *fakeRenderer) Play() {
	r.mu.Lock()
	r.playing = true
	r.mu.Unlock()
	r.rec.add("renderer.play")
}

func (r *fakeRenderer) Stop() error {
	r.rec.add("renderer.stop")
	return nil
}

type fakeAudio struct {
	rec         *recorder
	mu          sync.Mutex
	resumeErr   error
	ringbackErr error
	running     bool
	renderer    *fakeRenderer
}

func (a *fakeAudio) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resumeErr != nil {
		return a.resumeErr
	}
	a.running = true
	return nil
}

func (a *fakeAudio) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *fakeAudio) StartRingback() (Player, error) {
	if a.ringbackErr != nil {
		return nil, a.ringbackErr
	}
	a.rec.add("ringback.start")
	return &fakePlayer{rec: a.rec}, nil
}

func (a *fakeAudio) NewRenderer() (Renderer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.renderer = &fakeRenderer{rec: a.rec}
	return a.renderer, nil
}

func (a *fakeAudio) Close() error {
	a.rec.add("audio.close")
	return nil
}

type fakeDevices struct {
	rec      *recorder
	micErr   error
	audioErr error
	track    *fakeTrack
	audio    *fakeAudio
	acquired int
}

func (d *fakeDevices) AcquireMicrophone(_ context.Context, c Constraints) (MediaStream, error) {
	d.acquired++
	if d.micErr != nil {
		return nil, d.micErr
	}
	if !c.EchoCancellation || !c.NoiseSuppression || !c.AutoGainControl {
		return nil, errors.New("voice processing not requested")
	}
	d.track = &fakeTrack{rec: d.rec, enabled: true}
	return &fakeStream{rec: d.rec, track: d.track}, nil
}

func (d *fakeDevices) NewAudioContext() (AudioContext, error) {
	if d.audioErr != nil {
		return nil, d.audioErr
	}
	if d.audio == nil {
		d.audio = &fakeAudio{rec: d.rec}
	}
	return d.audio, nil
}

type fakeMinter struct {
	mu    sync.Mutex
	err   error
	calls int
	agent string
}

func (m *fakeMinter) MintSession(_ context.Context, agentID, _ string) (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.agent = agentID
	if m.err != nil {
		return Credentials{}, m.err
	}
	return Credentials{
		SessionID:           "sess_1",
		EphemeralCredential: "ek_test",
		ICEServers:          []ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}, nil
}

type fakeRelay struct {
	err        error
	offer      string
	credential string
	// during runs while the exchange is in flight.
	during     func()
}

func (r *fakeRelay) ExchangeSDP(_ context.Context, offer, credential string) (string, error) {
	r.offer, r.credential = offer, credential
	if r.during != nil {
		r.during()
	}
	if r.err != nil {
		return "", r.err
	}
	return "v=0 answer", nil
}

type fakeDC struct {
	rec       *recorder
	mu        sync.Mutex
	sent      [][]byte
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func (d *fakeDC) OnOpen(fn func())              { d.onOpen = fn }
func (d *fakeDC) OnMessage(fn func(data []byte)) { d.onMessage = fn }
func (d *fakeDC) OnClose(fn func())             { d.onClose = fn }

func (d *fakeDC) Send(data []byte) error {
	d.mu.Lock()
	d.sent = append(d.sent, append([]byte(nil), data...))
	d.mu.Unlock()
	return nil
}

func (d *fakeDC) Close() error {
	d.rec.add("dc.close")
	if d.onClose != nil {
		d.onClose()
	}
	return nil
}

func (d *fakeDC) sentTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, b := range d.sent {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(b, &env)
		out = append(out, env.Type)
	}
	return out
}

func (d *fakeDC) sentMessages() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *fakeDC) clearSent() {
	d.mu.Lock()
	d.sent = nil
	d.mu.Unlock()
}

type fakePeer struct {
	rec           *recorder
	cfg           PeerConfig
	tracks        []LocalTrack
	dc            *fakeDC
	answer        string
	onRemoteAudio func([]byte)
	onLost        func(string)
}

func (p *fakePeer) AddTrack(track LocalTrack) error {
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) CreateDataChannel(label string) (DataChannel, error) {
	p.dc = &fakeDC{rec: p.rec}
	return p.dc, nil
}

func (p *fakePeer) OnRemoteAudio(fn func(pcm []byte))       { p.onRemoteAudio = fn }
func (p *fakePeer) OnConnectionLost(fn func(reason string)) { p.onLost = fn }

func (p *fakePeer) CreateOffer(context.Context) (string, error) { return "v=0 offer", nil }

func (p *fakePeer) SetAnswer(sdp string) error {
	p.answer = sdp
	return nil
}

func (p *fakePeer) Close() error {
	p.rec.add("peer.close")
	return nil
}

type fakePeers struct {
	rec   *recorder
	err   error
	peers []*fakePeer
}

func (f *fakePeers) NewPeer(cfg PeerConfig) (Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{rec: f.rec, cfg: cfg}
	f.peers = append(f.peers, p)
	return p, nil
}

type harness struct {
	t       *testing.T
	rec     *recorder
	clock   *fakeClock
	devices *fakeDevices
	minter  *fakeMinter
	relay   *fakeRelay
	peers   *fakePeers
	deps    Dependencies
	cfg     Config
	call    *Call
	events  <-chan Event
}

func newHarness(t *testing.T, configure ...func(h *harness)) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		t:       t,
		rec:     rec,
		clock:   newFakeClock(rec),
		devices: &fakeDevices{rec: rec},
		minter:  &fakeMinter{},
		relay:   &fakeRelay{},
		peers:   &fakePeers{rec: rec},
	}
	h.cfg = DefaultConfig()
	h.cfg.AgentID = "agent_1"
	h.deps = Dependencies{
		Devices: h.devices,
		Minter:  h.minter,
		Relay:   h.relay,
		Peers:   h.peers,
		Clock:   h.clock,
	}
	for _, fn := range configure {
		fn(h)
	}
	c, err := New(h.cfg, h.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.call = c
	events, cancel := c.Subscribe(512)
	t.Cleanup(cancel)
	h.events = events
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.call.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

func (h *harness) peer() *fakePeer {
	h.t.Helper()
	if len(h.peers.peers) == 0 {
		h.t.Fatalf("no peer was created")
	}
	return h.peers.peers[len(h.peers.peers)-1]
}

func (h *harness) remoteAudio() {
	h.peer().onRemoteAudio(make([]byte, 1920))
}

// connect starts the call and brings it to connected after the minimum ring.
func (h *harness) connect() {
	h.t.Helper()
	h.start()
	h.clock.Advance(h.call.Config().MinRingDuration)
	h.remoteAudio()
	if got := h.call.State(); got != StateConnected {
		h.t.Fatalf("state=%v, want connected", got)
	}
}

// drain returns every event already emitted.
func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countEvents[T Event](events []Event) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
