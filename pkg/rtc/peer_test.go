package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vango-go/vai-call/pkg/core/call"
)

type passthroughCodec struct{}

func (passthroughCodec) Encode(frame []byte) ([]byte, error)   { return append([]byte(nil), frame...), nil }
func (passthroughCodec) Decode(payload []byte) ([]byte, error) { return append([]byte(nil), payload...), nil }

func newTestFactory() *Factory {
	return NewFactory(Options{
		GatherTimeout: 3 * time.Second,
		NewCodec:      func() (Codec, error) { return passthroughCodec{}, nil },
	})
}

func TestLostReason(t *testing.T) {
	cases := []struct {
		state webrtc.PeerConnectionState
		lost  bool
	}{
		{webrtc.PeerConnectionStateNew, false},
		{webrtc.PeerConnectionStateConnecting, false},
		{webrtc.PeerConnectionStateConnected, false},
		{webrtc.PeerConnectionStateDisconnected, false},
		{webrtc.PeerConnectionStateFailed, true},
		{webrtc.PeerConnectionStateClosed, true},
	}
	for _, tc := range cases {
		reason, lost := lostReason(tc.state)
		if lost != tc.lost || (lost && reason == "") {
			t.Errorf("%s: lost=%v reason=%q", tc.state, lost, reason)
		}
	}
}

func TestICEServers(t *testing.T) {
	got := iceServers([]call.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "p"},
	})
	if len(got) != 2 || got[1].Username != "u" || got[1].Credential != "p" || got[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("servers=%+v", got)
	}
}

func TestPeer_CloseDoesNotReportConnectionLost(t *testing.T) {
	p, err := newTestFactory().NewPeer(call.PeerConfig{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	lost := make(chan string, 1)
	p.OnConnectionLost(func(reason string) { lost <- reason })
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case r := <-lost:
		t.Fatalf("unexpected connection lost: %s", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeer_LoopbackDataChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	local, err := newTestFactory().NewPeer(call.PeerConfig{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer local.Close()

	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote peer: %v", err)
	}
	defer remote.Close()
	remote.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			_ = dc.SendText("echo:" + string(msg.Data))
		})
	})

	dc, err := local.CreateDataChannel("oai-events")
	if err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	got := make(chan string, 1)
	dc.OnOpen(func() { _ = dc.Send([]byte(`{"type":"session.update"}`)) })
	dc.OnMessage(func(data []byte) { got <- string(data) })

	offer, err := local.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		t.Fatalf("remote SetRemoteDescription: %v", err)
	}
	answer, err := remote.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(remote)
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote SetLocalDescription: %v", err)
	}
	<-gathered
	if err := local.SetAnswer(remote.LocalDescription().SDP); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	select {
	case msg := <-got:
		if msg != `echo:{"type":"session.update"}` {
			t.Fatalf("msg=%q", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for data channel echo")
	}
}
