package call

// handleRemoteAudio receives every decoded remote frame. The first frame of
// a session creates the renderer and analyser and asks the ring controller
// when to connect.
func (c *Call) handleRemoteAudio(gen uint64, pcm []byte) {
	c.mu.Lock()
	if gen != c.rec.generation || !c.rec.state.Active() {
		c.mu.Unlock()
		return
	}
	first := !c.rec.hasReceivedRemoteAudio
	c.rec.hasReceivedRemoteAudio = true
	renderer := c.res.renderer
	analyser := c.res.analyser
	audio := c.res.audio
	ringStartedAt := c.rec.ringStartedAt
	c.mu.Unlock()

	if first {
		var err error
		renderer, analyser, err = c.attachRemoteAudio(gen, audio)
		if err != nil {
			return
		}
		c.emit(&RemoteAudioEvent{RingElapsed: c.clock.Now().Sub(ringStartedAt)})
		delay := c.ring.OnFirstRemoteAudio(func() { c.markConnected(gen) })
		if delay > 0 {
			c.logger.Debug("first remote audio during minimum ring", "connect_in_ms", delay.Milliseconds())
		}
	}

	if analyser != nil {
		analyser.Observe(pcm)
	}
	if renderer != nil {
		if err := renderer.Write(pcm); err != nil {
			c.logger.Debug("remote audio write failed", "error", err)
		}
	}
}

func (c *Call) attachRemoteAudio(gen uint64, audio AudioContext) (Renderer, *Analyser, error) {
	var renderer Renderer
	if audio != nil {
		r, err := audio.NewRenderer()
		if err != nil {
			c.logger.Warn("remote audio renderer unavailable", "error", err)
			c.advise(AdvisoryAudioSuspended, "Agent audio cannot be played on this device.")
		} else {
			renderer = r
		}
	}
	analyser := NewAnalyser()
	if !c.adopt(gen, func(r *resources) { r.renderer, r.analyser = renderer, analyser }) {
		if renderer != nil {
			renderer.Stop()
		}
		return nil, nil, errAborted()
	}
	return renderer, analyser, nil
}

// markConnected is the connected transition. It runs at most once per
// session and never after teardown.
func (c *Call) markConnected(gen uint64) {
	c.mu.Lock()
	if gen != c.rec.generation || (c.rec.state != StateRinging && c.rec.state != StateConnecting) {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	from := c.rec.state
	c.rec.state = StateConnected
	c.rec.startedAt = now
	ringDuration := now.Sub(c.rec.ringStartedAt)
	callID := c.rec.callID
	renderer := c.res.renderer
	c.mu.Unlock()

	c.ring.StopRingback()
	if renderer != nil {
		renderer.Play()
	}
	c.logger.Info("call connected", "call_id", callID, "ring_ms", ringDuration.Milliseconds())
	c.emitter.Emit(callID, &StateChangedEvent{From: from, To: StateConnected})
	c.emitter.Emit(callID, &ConnectedEvent{CallID: callID, RingDuration: ringDuration})
}
