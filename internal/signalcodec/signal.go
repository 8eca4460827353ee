package signalcodec

// SignalKind tags the kind of offer/answer/candidate envelope carried
// between the peer engine and the signalling overlay. Only SignalOffer
// triggers a state transition in the listen/relay machinery; the other
// kinds are forwarded opaquely by whatever is carrying them.
type SignalKind int

const (
	SignalOffer SignalKind = iota
	SignalAnswer
	SignalCandidate
)

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// Signal is the envelope produced and consumed by the peer engine: an
// SDP offer/answer or an ICE candidate, opaque to everything above the
// engine binding except for its Kind tag.
type Signal struct {
	Kind    SignalKind
	Payload []byte
}
