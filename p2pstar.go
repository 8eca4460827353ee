// Package p2pstar is the public re-export of the signalling overlay
// implemented in internal/star: a WebRTC peer-to-peer transport that can
// bootstrap direct connections over plain HTTP offer/answer exchange, or
// route them through a relayed signalling overlay when a peer has no
// reachable public address.
package p2pstar

import (
	"context"

	"github.com/kestrel-net/p2pstar/internal/addr"
	"github.com/kestrel-net/p2pstar/internal/engine"
	"github.com/kestrel-net/p2pstar/internal/listen"
	"github.com/kestrel-net/p2pstar/internal/star"
	"github.com/kestrel-net/p2pstar/internal/upgrade"
)

// Re-exported types so callers never need to import internal packages.
type (
	Transport   = star.Transport
	Config      = star.Config
	Connection  = upgrade.Connection
	Address     = addr.Address
	PID         = addr.PID
	NodeRole    = addr.NodeRole
	Events      = listen.Events
	EngineOpts  = engine.Options
	Factory     = engine.Factory
)

// Node roles, re-exported.
const (
	RolePeer  = addr.RolePeer
	RoleRelay = addr.RoleRelay
)

// New constructs a Transport bound to cfg. See star.Config for field docs.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	return star.New(ctx, cfg)
}

// ParseAddress decodes a multiaddr-style locator string.
func ParseAddress(s string) (Address, error) {
	return addr.Parse(s)
}

// Echo wires conn's inbound messages straight back out, unmodified — a
// convenience for smoke tests and examples.
func Echo(conn *Connection) {
	upgrade.Echo(conn)
}
