package addr

import (
	"fmt"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// Address is a parsed multi-component locator: a transport host/port, the
// optional "direct" and "star" markers, and zero, one, or two embedded PIDs
// (owner-of-listener, then optional destination). Equality is by underlying
// multiaddr bytes; callers should compare via String() or Multiaddr().Equal.
type Address struct {
	raw ma.Multiaddr
}

// Parse decodes a multiaddr string into an Address.
func Parse(s string) (Address, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("addr: parse %q: %w", s, err)
	}
	return Address{raw: m}, nil
}

// FromMultiaddr wraps an already-parsed multiaddr.
func FromMultiaddr(m ma.Multiaddr) Address { return Address{raw: m} }

func (a Address) String() string {
	if a.raw == nil {
		return ""
	}
	return a.raw.String()
}

// Multiaddr returns the underlying multiaddr for callers that need to
// encapsulate or decapsulate components this package doesn't expose.
func (a Address) Multiaddr() ma.Multiaddr { return a.raw }

// Valid reports whether this Address wraps a parsed multiaddr.
func (a Address) Valid() bool { return a.raw != nil }

// HostPort extracts the transport host and TCP port.
func (a Address) HostPort() (host string, port int, err error) {
	if a.raw == nil {
		return "", 0, fmt.Errorf("addr: empty address")
	}
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, e := a.raw.ValueForProtocol(code); e == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", 0, fmt.Errorf("addr: no host component in %q", a.raw)
	}

	portStr, err := a.raw.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", 0, fmt.Errorf("addr: no tcp component in %q: %w", a.raw, err)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("addr: invalid tcp port in %q: %w", a.raw, err)
	}
	return host, port, nil
}

// IsDirect reports whether the address carries the p2p-webrtc-direct marker
// — the "direct" family the HTTP offer/answer bootstrap understands.
func (a Address) IsDirect() bool {
	if a.raw == nil {
		return false
	}
	_, err := a.raw.ValueForProtocol(codeWebRTCDirect)
	return err == nil
}

// IsStar reports whether the address carries the p2p-webrtc-star marker —
// the request to use the relayed signalling overlay.
func (a Address) IsStar() bool {
	if a.raw == nil {
		return false
	}
	_, err := a.raw.ValueForProtocol(codeWebRTCStar)
	return err == nil
}

// pids returns every embedded /p2p/<id> component in address order.
func (a Address) pids() []PID {
	if a.raw == nil {
		return nil
	}
	var out []PID
	for _, c := range ma.Split(a.raw) {
		if v, err := c.ValueForProtocol(ma.P_P2P); err == nil {
			out = append(out, PID(v))
		}
	}
	return out
}

// OwnerPID returns the first embedded PID — the identity of whoever
// listens at this address (a relay's own PID on a relay's listen address,
// or a peer's PID on a peer's listen address).
func (a Address) OwnerPID() (PID, bool) {
	pids := a.pids()
	if len(pids) == 0 {
		return "", false
	}
	return pids[0], true
}

// DestPID returns the second embedded PID — present only on a star address
// that names a specific destination behind the relay named by OwnerPID.
func (a Address) DestPID() (PID, bool) {
	pids := a.pids()
	if len(pids) < 2 {
		return "", false
	}
	return pids[1], true
}

// BuildDirect constructs a plain direct-family address:
// /ip4/<host>/tcp/<port>/http/p2p-webrtc-direct[/p2p/<owner>]
func BuildDirect(host string, port int, owner PID) (Address, error) {
	s := fmt.Sprintf("/ip4/%s/tcp/%d/http/p2p-webrtc-direct", host, port)
	if !owner.Empty() {
		s += "/p2p/" + owner.String()
	}
	return Parse(s)
}

// BuildStar constructs a star address naming a destination behind a relay:
// /ip4/<host>/tcp/<port>/http/p2p-webrtc-direct/p2p/<relay>/p2p-webrtc-star/p2p/<dest>
func BuildStar(host string, port int, relay, dest PID) (Address, error) {
	s := fmt.Sprintf("/ip4/%s/tcp/%d/http/p2p-webrtc-direct/p2p/%s/p2p-webrtc-star/p2p/%s",
		host, port, relay.String(), dest.String())
	return Parse(s)
}
