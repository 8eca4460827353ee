// Package engine binds the signalling overlay to the external "peer
// engine" — the interactive connection-establishment library that turns
// offers and answers into a direct data connection. The core only ever
// touches the eight capabilities this package exposes: create-initiator,
// create-receiver, feed-signal, emit-local-signal, emit-ready, emit-error,
// close, and create-aux-channel. The concrete binding wraps
// github.com/pion/webrtc/v4; everything above this package is written
// against the Factory/Peer/Channel interfaces so a different engine could
// be substituted without touching dial, listen, or relay.
package engine

import (
	"context"

	"github.com/kestrel-net/p2pstar/internal/signalcodec"
)

// Options is the opaque options bag passed through to the engine —
// InitiatorOptions / ReceiverOptions in the external configuration.
type Options struct {
	// ICEServers overrides the default STUN server set. Empty uses the
	// engine's built-in default.
	ICEServers []string
}

// Factory creates Peers in either role.
type Factory interface {
	// CreateInitiator starts a peer that will produce the first local
	// signal (an SDP offer) and expects an answer fed back via FeedSignal.
	CreateInitiator(ctx context.Context, opts Options) (Peer, error)

	// CreateReceiver starts a peer that expects an offer fed via
	// FeedSignal and will then produce the first local signal (an SDP
	// answer).
	CreateReceiver(ctx context.Context, opts Options) (Peer, error)
}

// Peer is the capability surface consumed from a single in-flight
// connection attempt.
type Peer interface {
	// FeedSignal delivers a signal received from the far side (an offer,
	// answer, or ICE candidate) into the engine.
	FeedSignal(sig signalcodec.Signal) error

	// OnLocalSignal registers a callback invoked every time the engine
	// produces a signal that must be sent to the far side. For an
	// initiator the first call carries an offer; for a receiver the
	// first call carries an answer. Later calls, if any, carry trickled
	// candidates.
	OnLocalSignal(fn func(signalcodec.Signal))

	// OnReady registers a callback invoked once the peer's application
	// data channel has opened.
	OnReady(fn func())

	// OnError registers a callback invoked if the engine fails the
	// connection attempt (ICE failure, SCTP failure, etc).
	OnError(fn func(error))

	// CreateAuxChannel opens an additional data channel on the same
	// underlying connection, used for the signalling channel (PeerSC or
	// RelaySC) riding alongside the application data channel.
	CreateAuxChannel(label string) (Channel, error)

	// AppChannel returns the application data channel created
	// implicitly when the Peer was constructed.
	AppChannel() Channel

	// Close tears down the peer and every channel it owns.
	Close() error
}

// Channel is a single data channel — either the implicit application
// channel or one created via CreateAuxChannel.
type Channel interface {
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnOpen(fn func())
	OnClose(fn func())

	// IsClosed reports whether the engine's own readyState already shows
	// closed, independent of whether OnClose has fired — this is exactly
	// the signal the channel health monitor polls for.
	IsClosed() bool

	Close() error
}
