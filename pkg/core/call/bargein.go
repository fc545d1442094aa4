package call

import "github.com/vango-go/vai-call/pkg/core/realtime"

// BargeIn interrupts the agent: the outbound track is muted for the barge-in
// window, and the endpoint is told to drop buffered input and cancel the
// response in flight. It does nothing unless the call is connected and
// reports whether it acted. Repeated calls extend the mute window.
func (c *Call) BargeIn() bool {
	c.mu.Lock()
	if c.rec.state != StateConnected {
		c.mu.Unlock()
		return false
	}
	gen := c.rec.generation
	track := c.res.track
	dc := c.res.dc
	c.mu.Unlock()

	c.emit(&BargeInEvent{})

	if track != nil {
		track.SetEnabled(false)
		c.mu.Lock()
		if gen == c.rec.generation {
			if c.res.unmute != nil {
				c.res.unmute.Stop()
			}
			c.res.unmute = c.clock.AfterFunc(c.cfg.BargeInMuteWindow, func() { c.unmute(gen) })
		}
		c.mu.Unlock()
	}

	if dc != nil {
		c.sendControl(dc, realtime.EncodeInputAudioBufferClear)
		c.sendControl(dc, realtime.EncodeResponseCancel)
	}
	return true
}

func (c *Call) unmute(gen uint64) {
	c.mu.Lock()
	if gen != c.rec.generation {
		c.mu.Unlock()
		return
	}
	track := c.res.track
	c.res.unmute = nil
	c.mu.Unlock()
	if track != nil {
		track.SetEnabled(true)
	}
}

func (c *Call) sendControl(dc DataChannel, encode func() ([]byte, error)) {
	payload, err := encode()
	if err != nil {
		c.logger.Error("encode control message failed", "error", err)
		return
	}
	if err := dc.Send(payload); err != nil {
		c.logger.Warn("control message send failed", "error", err)
	}
}

// ForceResume retries resuming a suspended audio context.
func (c *Call) ForceResume() error {
	c.mu.Lock()
	audio := c.res.audio
	c.mu.Unlock()
	if audio == nil {
		return &Error{Kind: ErrInvalidState, Message: "No audio output is active."}
	}
	if err := audio.Resume(); err != nil {
		c.logger.Warn("audio resume failed", "error", err)
		c.advise(AdvisoryAudioSuspended, "Audio playback is still blocked.")
		return err
	}
	c.emit(&AudioResumedEvent{})
	return nil
}
