package addr

// IsDirectFamily reports whether the address's protocol stack matches the
// "direct" family the facade's compatibility filter accepts: it must
// carry the p2p-webrtc-direct marker. Factored out from Transport.filter
// (internal/star) so it is unit-testable without constructing a facade.
func IsDirectFamily(a Address) bool {
	return a.IsDirect()
}

// RequiresStar reports whether accepting this address requires the
// signalling overlay to be enabled — true whenever it carries the "star"
// marker.
func RequiresStar(a Address) bool {
	return a.IsStar()
}

// FromHostPort builds a bare address record used as a Connection's remote
// address when no multiaddr was exchanged for it — the HTTPListener case,
// where the remote address is synthesized from the HTTP request's
// connecting host/port rather than parsed from wire bytes.
func FromHostPort(host string, port int) Address {
	a, err := BuildDirect(host, port, "")
	if err != nil {
		return Address{}
	}
	return a
}
