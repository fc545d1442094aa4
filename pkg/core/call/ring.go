package call

import (
	"log/slog"
	"sync"
	"time"
)

// RingController plays ringback and enforces the minimum ring duration.
//
// The connected transition is scheduled for max(0, minimum - elapsed) after
// the first remote audio, so the ring is never cut short and connection is
// never delayed past the later of first audio and the minimum.
type RingController struct {
	minimum time.Duration
	clock   Clock
	logger  *slog.Logger

	mu        sync.Mutex
	active    bool
	startedAt time.Time
	player    Player
	timer     Timer
}

func NewRingController(minimum time.Duration, clock Clock, logger *slog.Logger) *RingController {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RingController{minimum: minimum, clock: clock, logger: logger}
}

// Start begins ringing at startedAt and starts ringback on audio. A
// ringback error is returned for reporting only; the ring is running
// regardless.
func (r *RingController) Start(startedAt time.Time, audio AudioContext) error {
	r.mu.Lock()
	r.stopLocked()
	r.active = true
	r.startedAt = startedAt
	r.mu.Unlock()

	if audio == nil {
		return errNoAudioContext
	}
	player, err := audio.StartRingback()
	if err != nil {
		r.logger.Warn("ringback failed", "error", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		// Stopped while the player was starting.
		go player.Stop()
		return nil
	}
	r.player = player
	return nil
}

// OnFirstRemoteAudio arranges for connect to run once the minimum ring has
// elapsed and returns the delay applied. With no delay connect runs before
// OnFirstRemoteAudio returns.
func (r *RingController) OnFirstRemoteAudio(connect func()) time.Duration {
	r.mu.Lock()
	var delay time.Duration
	if r.active {
		delay = r.minimum - r.clock.Now().Sub(r.startedAt)
	}
	if delay <= 0 {
		r.mu.Unlock()
		connect()
		return 0
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.clock.AfterFunc(delay, connect)
	r.mu.Unlock()
	return delay
}

// StopRingback silences the ringback. The ring timing is unaffected.
func (r *RingController) StopRingback() {
	r.mu.Lock()
	player := r.player
	r.player = nil
	r.mu.Unlock()
	if player != nil {
		if err := player.Stop(); err != nil {
			r.logger.Debug("ringback stop failed", "error", err)
		}
	}
}

// CancelTimers drops a pending connected transition.
func (r *RingController) CancelTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.active = false
}

func (r *RingController) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.player != nil {
		go r.player.Stop()
		r.player = nil
	}
}
