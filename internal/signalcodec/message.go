// Package signalcodec encodes and decodes the signalling messages carried
// on a signalling channel (JoinRequest, ConnectRequest, ConnectResponse) and
// the offer/answer envelopes they carry, plus the base58 wrapping used when
// an offer crosses the HTTP bootstrap path.
package signalcodec

import (
	"github.com/kestrel-net/p2pstar/internal/addr"
)

// MessageType discriminates the tagged union wire format.
type MessageType string

const (
	TypeJoinRequest     MessageType = "JoinRequest"
	TypeConnectRequest  MessageType = "ConnectRequest"
	TypeConnectResponse MessageType = "ConnectResponse"
)

// Message is the sum type of signalling messages exchanged on a
// signalling channel. Concrete types: JoinRequest, ConnectRequest,
// ConnectResponse.
type Message interface {
	Type() MessageType
}

// JoinRequest is sent once by a Peer to its primary Relay as soon as the
// signalling channel opens.
type JoinRequest struct {
	PeerID addr.PID
}

func (JoinRequest) Type() MessageType { return TypeJoinRequest }

// ConnectRequest carries an offer being relayed toward Dst.
type ConnectRequest struct {
	Src, Dst addr.PID
	Signal   Signal
}

func (ConnectRequest) Type() MessageType { return TypeConnectRequest }

// ConnectResponse carries the answer coming back to Src.
type ConnectResponse struct {
	Src, Dst addr.PID
	Signal   Signal
}

func (ConnectResponse) Type() MessageType { return TypeConnectResponse }
