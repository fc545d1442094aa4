// Package call orchestrates a single live voice call between a local caller
// and a realtime voice agent reached over a peer media connection.
//
// A Call acquires the microphone, plays ringback while it mints a session
// and exchanges SDP with the realtime endpoint, and declares itself connected
// once the agent's first audio arrives and the minimum ring has elapsed.
// While connected it runs the agent's tool calls, supports barge-in, and on
// every exit path releases everything it acquired.
//
// # Architecture
//
//   - Call: owns the session record and every native resource
//   - Negotiator: mints credentials and performs the offer/answer exchange
//   - RingController: ringback playback and the minimum ring rule
//   - tools.Engine: executes tool invocations from the data channel
//   - Emitter: typed event stream for UIs and the event-logging sink
//
// # State Machine
//
//	IDLE → RINGING → CONNECTING → CONNECTED → ENDED
//	  ↑        │           │
//	  └────────┴───────────┘  setup failure (retryable)
//
// ENDED is terminal. Setup failures return to IDLE with a single error.
//
// # Usage
//
//	c, err := call.New(call.DefaultConfig(), call.Dependencies{
//	    Devices: devices,
//	    Minter:  backendClient,
//	    Relay:   backendClient,
//	    Peers:   rtc.NewFactory(rtc.Options{}),
//	})
//	events, cancel := c.Subscribe(64)
//	defer cancel()
//
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range events {
//	    switch e := ev.(type) {
//	    case *call.ConnectedEvent:
//	        fmt.Println("connected after", e.RingDuration)
//	    case *call.CallEndedEvent:
//	        fmt.Println("call lasted", e.Duration)
//	    }
//	}
package call
