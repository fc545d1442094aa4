package call

// teardown releases one session's resources. The order matters: nothing
// released later may call back into something released earlier.
func (c *Call) teardown(res resources) {
	// ringback
	c.ring.StopRingback()

	// timers and pending work
	c.ring.CancelTimers()
	if res.unmute != nil {
		res.unmute.Stop()
	}
	if res.dispatch != nil {
		res.dispatch.stop()
	}

	// local tracks
	if res.track != nil {
		res.track.Stop()
	}
	if res.stream != nil {
		res.stream.Stop()
	}

	if res.dc != nil {
		if err := res.dc.Close(); err != nil {
			c.logger.Debug("data channel close failed", "error", err)
		}
	}
	if res.peer != nil {
		if err := res.peer.Close(); err != nil {
			c.logger.Debug("peer close failed", "error", err)
		}
	}
	if res.renderer != nil {
		if err := res.renderer.Stop(); err != nil {
			c.logger.Debug("renderer stop failed", "error", err)
		}
	}
	if res.audio != nil {
		if err := res.audio.Close(); err != nil {
			c.logger.Debug("audio context close failed", "error", err)
		}
	}
	res.analyser.Reset()

	// one-shot and idempotency flags
	c.mu.Lock()
	c.rec.hasReceivedRemoteAudio = false
	c.mu.Unlock()
	c.queries.Reset()
}
