// Package corerr defines the sentinel error kinds the signalling overlay
// surfaces to callers. Call sites wrap these with fmt.Errorf("...: %w", ...)
// for context; callers match with errors.Is.
package corerr

import "errors"

var (
	// ErrAborted is returned when a caller's cancellation signal fires
	// before an operation completes. Partial state is torn down before
	// this is returned.
	ErrAborted = errors.New("p2pstar: aborted")

	// ErrRejectedAddress is returned when a dial or listen targets a star
	// address while signalling is disabled.
	ErrRejectedAddress = errors.New("p2pstar: rejected address")

	// ErrRelayUnavailable is returned when the signalling-channel path is
	// required but no open PeerSC to the primary relay exists.
	ErrRelayUnavailable = errors.New("p2pstar: relay unavailable")

	// ErrMalformedRequest is returned for HTTP input missing required
	// fields.
	ErrMalformedRequest = errors.New("p2pstar: malformed request")

	// ErrMalformedSignal is returned when a signal payload parses but is
	// not a recognised envelope.
	ErrMalformedSignal = errors.New("p2pstar: malformed signal")

	// ErrCodec is returned when a signalling message fails to decode.
	ErrCodec = errors.New("p2pstar: codec error")

	// ErrEngine wraps an error bubbled up from the peer engine.
	ErrEngine = errors.New("p2pstar: engine error")

	// ErrChannelClosed is returned when a send races a channel close.
	ErrChannelClosed = errors.New("p2pstar: channel closed")
)
