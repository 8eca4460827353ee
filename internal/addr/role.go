package addr

// NodeRole is fixed at construction: a node is either an
// ordinary Peer (registers with a primary Relay) or a Relay (accepts
// registrations and routes between them).
type NodeRole int

const (
	RolePeer NodeRole = iota
	RoleRelay
)

func (r NodeRole) String() string {
	if r == RoleRelay {
		return "relay"
	}
	return "peer"
}
