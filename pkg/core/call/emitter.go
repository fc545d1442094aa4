package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Emitter fans events out to subscribers and the logging sink. Slow
// subscribers lose events rather than stall the call.
type Emitter struct {
	clock   Clock
	sink    EventSink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	// sinkDone is set by Wait; no sink forward starts after it.
	sinkDone bool
	sinkWG   sync.WaitGroup
}

func NewEmitter(clock Clock, sink EventSink, logger *slog.Logger, sinkTimeout time.Duration) *Emitter {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sinkTimeout <= 0 {
		sinkTimeout = 5 * time.Second
	}
	return &Emitter{
		clock:   clock,
		sink:    sink,
		logger:  logger,
		timeout: sinkTimeout,
		subs:    make(map[int]chan Event),
	}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
			e.mu.Unlock()
		})
	}
}

// Emit stamps ev and delivers it. callID scopes the sink record; events
// before a session exists are not forwarded to the sink.
func (e *Emitter) Emit(callID string, ev Event) {
	ev.stamp(e.clock.Now())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	if e.sink != nil && callID != "" && !e.sinkDone {
		e.sinkWG.Add(1)
		go e.forward(callID, ev)
	}
	e.mu.Unlock()
}

func (e *Emitter) forward(callID string, ev Event) {
	defer e.sinkWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	rec := LogRecord{CallID: callID, EventType: ev.EventType(), Payload: ev, At: ev.Time()}
	if err := e.sink.LogEvent(ctx, rec); err != nil {
		e.logger.Warn("event log failed", "call_id", callID, "event", ev.EventType(), "error", err)
	}
}

// Wait stops forwarding to the sink and blocks until in-flight sink
// requests finish or ctx is done. Subscribers keep receiving events.
func (e *Emitter) Wait(ctx context.Context) error {
	e.mu.Lock()
	e.sinkDone = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.sinkWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes every subscriber channel. Later events are dropped.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
