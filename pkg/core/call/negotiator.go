package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// PeerHooks are attached to the peer and data channel before the offer is
// created so no early callback is missed.
type PeerHooks struct {
	// Adopt hands the peer and data channel to their owner before the
	// exchange starts. Returning false abandons the attempt.
	Adopt func(peer Peer, dc DataChannel) bool

	OnRemoteAudio    func(pcm []byte)
	OnConnectionLost func(reason string)
	OnOpen           func()
	OnMessage        func(data []byte)
	OnClose          func()
}

var errAbandoned = errors.New("negotiation abandoned")

// Negotiator mints session credentials and performs the offer/answer
// exchange.
type Negotiator struct {
	minter SessionMinter
	relay  SDPRelay
	peers  PeerFactory
	logger *slog.Logger
}

func NewNegotiator(minter SessionMinter, relay SDPRelay, peers PeerFactory, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{minter: minter, relay: relay, peers: peers, logger: logger}
}

// Negotiate mints a session. Backend messages are passed through verbatim.
func (n *Negotiator) Negotiate(ctx context.Context, agentID, campaignID string) (Credentials, error) {
	creds, err := n.minter.MintSession(ctx, agentID, campaignID)
	if err != nil {
		return Credentials{}, &Error{Kind: ErrNegotiationFailed, Message: err.Error(), Err: err}
	}
	if strings.TrimSpace(creds.SessionID) == "" || strings.TrimSpace(creds.EphemeralCredential) == "" {
		err := errors.New("session response is missing the session id or credential")
		return Credentials{}, &Error{Kind: ErrNegotiationFailed, Message: err.Error(), Err: err}
	}
	return creds, nil
}

// Establish builds the peer connection, attaches track, opens the signaling
// channel and exchanges SDP through the relay. Resources created before
// Adopt succeeds are closed here; after that they belong to the adopter.
func (n *Negotiator) Establish(ctx context.Context, creds Credentials, track LocalTrack, label string, hooks PeerHooks) error {
	peer, err := n.peers.NewPeer(PeerConfig{ICEServers: creds.ICEServers})
	if err != nil {
		return peerError("create peer connection", err)
	}
	if track != nil {
		if err := peer.AddTrack(track); err != nil {
			n.closePeer(peer, nil)
			return peerError("add microphone track", err)
		}
	}
	dc, err := peer.CreateDataChannel(label)
	if err != nil {
		n.closePeer(peer, nil)
		return peerError("open data channel", err)
	}
	if hooks.Adopt != nil && !hooks.Adopt(peer, dc) {
		n.closePeer(peer, dc)
		return errAbandoned
	}

	if hooks.OnRemoteAudio != nil {
		peer.OnRemoteAudio(hooks.OnRemoteAudio)
	}
	if hooks.OnConnectionLost != nil {
		peer.OnConnectionLost(hooks.OnConnectionLost)
	}
	if hooks.OnOpen != nil {
		dc.OnOpen(hooks.OnOpen)
	}
	if hooks.OnMessage != nil {
		dc.OnMessage(hooks.OnMessage)
	}
	if hooks.OnClose != nil {
		dc.OnClose(hooks.OnClose)
	}

	return n.Exchange(ctx, peer, creds.EphemeralCredential)
}

// Exchange sends the peer's offer through the relay and applies the answer.
func (n *Negotiator) Exchange(ctx context.Context, peer Peer, credential string) error {
	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return peerError("create offer", err)
	}
	answer, err := n.relay.ExchangeSDP(ctx, offer, credential)
	if err != nil {
		return &Error{Kind: ErrExchangeFailed, Message: err.Error(), Err: err}
	}
	if strings.TrimSpace(answer) == "" {
		err := errors.New("empty SDP answer")
		return &Error{Kind: ErrExchangeFailed, Message: err.Error(), Err: err}
	}
	if err := peer.SetAnswer(answer); err != nil {
		return peerError("apply answer", err)
	}
	n.logger.Debug("sdp exchange complete", "offer_bytes", len(offer), "answer_bytes", len(answer))
	return nil
}

func (n *Negotiator) closePeer(peer Peer, dc DataChannel) {
	if dc != nil {
		if err := dc.Close(); err != nil {
			n.logger.Debug("data channel close failed", "error", err)
		}
	}
	if err := peer.Close(); err != nil {
		n.logger.Debug("peer close failed", "error", err)
	}
}

func peerError(step string, err error) *Error {
	return &Error{Kind: ErrPeerFailed, Message: fmt.Sprintf("Could not connect the call (%s): %v", step, err), Err: err}
}
