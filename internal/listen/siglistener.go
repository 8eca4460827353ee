package listen

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-net/p2pstar/internal/addr"
	"github.com/kestrel-net/p2pstar/internal/chanmon"
	"github.com/kestrel-net/p2pstar/internal/corerr"
	"github.com/kestrel-net/p2pstar/internal/engine"
	"github.com/kestrel-net/p2pstar/internal/rendezvous"
	"github.com/kestrel-net/p2pstar/internal/signalcodec"
	"github.com/kestrel-net/p2pstar/internal/telemetry"
	"github.com/kestrel-net/p2pstar/internal/upgrade"
)

// SigListener receives inbound offers purely over an already-open PeerSC.
// Selected instead of HTTPListener when signalling is enabled and the
// listen address carries the "star" marker.
type SigListener struct {
	factory  engine.Factory
	recvOpts engine.Options
	events   Events
	selfPID  addr.PID
	monitor  *chanmon.Monitor

	mu     sync.Mutex
	sc     engine.Channel
	active bool
}

// NewSigListener creates a SigListener. selfPID identifies the local peer
// as the Src/Dst value compared in every ConnectRequest/ConnectResponse.
func NewSigListener(factory engine.Factory, recvOpts engine.Options, events Events, selfPID addr.PID, monitor *chanmon.Monitor) *SigListener {
	return &SigListener{
		factory:  factory,
		recvOpts: recvOpts,
		events:   events,
		selfPID:  selfPID,
		monitor:  monitor,
	}
}

// RegisterSignallingChannel wires sc as the PeerSC this listener receives
// inbound ConnectRequests on. Replacing a still-open sc is the Dial
// engine's responsibility (it only calls this once per opened PeerSC).
func (s *SigListener) RegisterSignallingChannel(ctx context.Context, sc engine.Channel) {
	s.mu.Lock()
	s.sc = sc
	s.active = true
	s.mu.Unlock()

	sc.OnMessage(func(data []byte) { s.handleMessage(ctx, sc, data) })
	sc.OnClose(func() { s.onSCClosed() })
	if s.monitor != nil {
		s.monitor.Watch(fmt.Sprintf("siglistener-%p", sc), sc, s.onSCClosed)
	}
}

// Close marks the listener inactive and fires OnClose if it was still
// active. The PeerSC itself belongs to the Dial engine and is left open.
func (s *SigListener) Close() error {
	s.onSCClosed()
	return nil
}

// onSCClosed marks the listener inactive when its PeerSC closes and fires
// OnClose. The facade keeps no list of advertised addresses; OnClose is
// the only signal that the star address is no longer served.
func (s *SigListener) onSCClosed() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.sc = nil
	s.mu.Unlock()

	telemetry.Debugf("listen: SigListener's PeerSC closed, becoming inactive")
	if s.events.OnClose != nil {
		s.events.OnClose()
	}
}

// Active reports whether this SigListener currently has a usable PeerSC.
func (s *SigListener) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *SigListener) handleMessage(ctx context.Context, sc engine.Channel, raw []byte) {
	if !s.Active() {
		return
	}
	msg, err := signalcodec.Decode(raw)
	if err != nil {
		telemetry.Warnf("listen: SigListener dropping malformed message: %v", err)
		return
	}

	req, ok := msg.(signalcodec.ConnectRequest)
	if !ok {
		// Non-ConnectRequest messages (e.g. a ConnectResponse meant for
		// the Dial engine's awaiter) are not this listener's concern.
		return
	}
	if req.Dst != s.selfPID {
		return
	}

	s.acceptConnectRequest(ctx, sc, req)
}

// acceptConnectRequest mirrors the HTTPListener's steps 4-5 (create a
// receiver, feed the offer, wait for ready), then sends the local answer
// back as a ConnectResponse on the same SC rather than as an HTTP body.
func (s *SigListener) acceptConnectRequest(ctx context.Context, sc engine.Channel, req signalcodec.ConnectRequest) {
	if req.Signal.Kind != signalcodec.SignalOffer {
		telemetry.Debugf("listen: SigListener ignoring non-offer ConnectRequest from %s", req.Src)
		return
	}

	peer, err := s.factory.CreateReceiver(ctx, s.recvOpts)
	if err != nil {
		telemetry.Errorf("listen: SigListener CreateReceiver failed: %v", err)
		return
	}

	peer.OnLocalSignal(func(local signalcodec.Signal) {
		resp := signalcodec.ConnectResponse{Src: req.Dst, Dst: req.Src, Signal: local}
		raw, err := signalcodec.Encode(resp)
		if err != nil {
			telemetry.Errorf("listen: failed to encode ConnectResponse: %v", err)
			return
		}
		if err := sc.Send(raw); err != nil {
			telemetry.Warnf("listen: failed to send ConnectResponse: %v", err)
		}
	})

	if err := peer.FeedSignal(req.Signal); err != nil {
		telemetry.Errorf("listen: FeedSignal failed: %v", err)
		peer.Close()
		return
	}

	readyGate := rendezvous.NewGate()
	peer.OnReady(func() { readyGate.Fire() })
	peer.OnError(func(err error) {
		readyGate.FireErr(fmt.Errorf("%w: %v", corerr.ErrEngine, err))
	})

	go func() {
		select {
		case <-readyGate.Done():
			if err := readyGate.Err(); err != nil {
				telemetry.Debugf("listen: SigListener connection attempt failed: %v", err)
				peer.Close()
				return
			}
			// The remote address names the far peer by PID only — there
			// is no literal host:port for a connection accepted purely
			// over a relayed SC. req.Src is who sent the ConnectRequest,
			// i.e. the Connection's remote party from our side.
			remote, err := addr.BuildDirect("0.0.0.0", 0, req.Src)
			if err != nil {
				telemetry.Errorf("listen: failed to synthesize remote address: %v", err)
				remote = addr.Address{}
			}
			conn := upgrade.Upgrade(peer.AppChannel(), remote, func() { peer.Close() })
			if s.events.OnConnection != nil {
				s.events.OnConnection(conn)
			}
		case <-ctx.Done():
			peer.Close()
		}
	}()
}
