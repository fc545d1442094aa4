package call

import (
	"context"
	"strings"

	"github.com/vango-go/vai-call/pkg/core/realtime"
	"github.com/vango-go/vai-call/pkg/core/tools"
)

const (
	SpeakerCaller = "caller"
	SpeakerAgent  = "agent"
)

// dispatcher runs one session's tool invocations one at a time, in the
// order they arrived.
type dispatcher struct {
	call   *Call
	gen    uint64
	engine *tools.Engine
	queue  chan tools.Invocation
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *Call) newDispatcher(gen uint64, callID string) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	engine := tools.NewEngine(tools.Dependencies{
		Leads:      c.leads,
		Search:     c.search,
		Handoff:    c.handoff,
		Queries:    c.queries,
		Observer:   toolObserver{emitter: c.emitter, callID: callID},
		Logger:     c.logger.With("call_id", callID),
		CallID:     func() string { return callID },
		Transcript: c.Transcript,
		Timeout:    c.cfg.ToolTimeout,
		Now:        c.clock.Now,
	})
	return &dispatcher{
		call:   c,
		gen:    gen,
		engine: engine,
		queue:  make(chan tools.Invocation, c.cfg.ToolQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case inv := <-d.queue:
			res := d.engine.Dispatch(d.ctx, inv)
			d.call.sendToolResult(d.gen, res)
		}
	}
}

// enqueue blocks while the queue is full so no invocation is dropped.
func (d *dispatcher) enqueue(inv tools.Invocation) {
	select {
	case d.queue <- inv:
	case <-d.ctx.Done():
	}
}

func (d *dispatcher) stop() {
	d.cancel()
}

type toolObserver struct {
	emitter *Emitter
	callID  string
}

func (o toolObserver) ToolInvoked(inv tools.Invocation) {
	o.emitter.Emit(o.callID, &ToolInvokedEvent{InvocationID: inv.ID, Name: inv.Name})
}

func (o toolObserver) LookupRequested(inv tools.Invocation, query string, duplicate bool) {
	o.emitter.Emit(o.callID, &WebLookupEvent{InvocationID: inv.ID, Query: query, Duplicate: duplicate})
}

func (o toolObserver) ToolCompleted(inv tools.Invocation, res tools.Result) {
	ev := &ToolResultEvent{InvocationID: inv.ID, Name: inv.Name, Success: res.Success(), Duration: res.Duration}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	o.emitter.Emit(o.callID, ev)
}

// sendToolResult returns the output to the agent and asks it to continue.
func (c *Call) sendToolResult(gen uint64, res tools.Result) {
	c.mu.Lock()
	if gen != c.rec.generation {
		c.mu.Unlock()
		return
	}
	dc := c.res.dc
	c.mu.Unlock()
	if dc == nil {
		c.logger.Warn("tool result dropped: no data channel", "tool", res.Name)
		return
	}
	payload, err := realtime.EncodeFunctionCallOutput(res.InvocationID, res.JSON())
	if err != nil {
		c.logger.Error("encode tool result failed", "tool", res.Name, "error", err)
		return
	}
	if err := dc.Send(payload); err != nil {
		c.logger.Warn("tool result send failed", "tool", res.Name, "error", err)
		return
	}
	c.sendControl(dc, realtime.EncodeResponseCreate)
}

func (c *Call) handleChannelOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.rec.generation {
		c.mu.Unlock()
		return
	}
	dc := c.res.dc
	c.mu.Unlock()
	if dc == nil {
		return
	}
	c.emit(&DataChannelOpenEvent{Label: c.cfg.DataChannelLabel})

	payload, err := realtime.EncodeSessionUpdate(c.cfg.Session)
	if err != nil {
		c.logger.Error("encode session update failed", "error", err)
		return
	}
	if err := dc.Send(payload); err != nil {
		c.logger.Warn("session update send failed", "error", err)
	}
}

func (c *Call) handleMessage(gen uint64, data []byte) {
	c.mu.Lock()
	if gen != c.rec.generation {
		c.mu.Unlock()
		return
	}
	disp := c.res.dispatch
	c.mu.Unlock()

	msg, err := realtime.Decode(data)
	if err != nil {
		c.logger.Warn("invalid realtime message", "error", err)
		return
	}
	switch m := msg.(type) {
	case realtime.SessionCreated:
		c.logger.Debug("realtime session created", "session_id", m.SessionID)
	case realtime.SessionUpdated:
		c.emit(&SessionConfiguredEvent{})
	case realtime.FunctionCallArgumentsDone:
		if disp != nil {
			disp.enqueue(m.Invocation())
		}
	case realtime.InputTranscriptCompleted:
		c.appendTranscript(gen, SpeakerCaller, m.Transcript)
	case realtime.OutputTranscriptDone:
		c.appendTranscript(gen, SpeakerAgent, m.Transcript)
	case realtime.ServerError:
		if m.Code == "response_cancel_not_active" {
			// Expected after a barge-in while the agent is silent.
			c.logger.Debug("realtime error", "code", m.Code, "message", m.Message)
			return
		}
		c.logger.Warn("realtime error", "code", m.Code, "message", m.Message)
		c.advise(AdvisoryRealtimeError, m.Message)
	}
}

func (c *Call) appendTranscript(gen uint64, speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	if gen != c.rec.generation {
		c.mu.Unlock()
		return
	}
	c.rec.transcript = append(c.rec.transcript, tools.Utterance{Speaker: speaker, Text: text, At: now})
	c.mu.Unlock()
	c.emit(&TranscriptEvent{Speaker: speaker, Text: text})
}
