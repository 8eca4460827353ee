// Package addr wraps multiaddr-style locators with the handful of
// components this transport cares about: a transport host/port, the
// "direct" and "star" markers, and up to two embedded peer IDs.
package addr

import (
	ma "github.com/multiformats/go-multiaddr"
)

// Private-use protocol codes for the two markers this transport adds on top
// of the standard multiaddr table. Chosen from the reserved private-use
// range so they never collide with a protocol multiaddr registers itself.
const (
	codeWebRTCDirect = 0x300001
	codeWebRTCStar   = 0x300002
)

var (
	protoWebRTCDirect = ma.Protocol{
		Name:       "p2p-webrtc-direct",
		Code:       codeWebRTCDirect,
		VCode:      ma.CodeToVarint(codeWebRTCDirect),
		Size:       0,
		Path:       false,
		Transcoder: nil,
	}
	protoWebRTCStar = ma.Protocol{
		Name:       "p2p-webrtc-star",
		Code:       codeWebRTCStar,
		VCode:      ma.CodeToVarint(codeWebRTCStar),
		Size:       0,
		Path:       false,
		Transcoder: nil,
	}
)

func init() {
	// Registration failures here mean a protocol with the same name or code
	// was already added (e.g. by a second import of this package under a
	// different module path during testing) — not fatal, just redundant.
	_ = ma.AddProtocol(protoWebRTCDirect)
	_ = ma.AddProtocol(protoWebRTCStar)
}
