package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kestrel-net/p2pstar/internal/corerr"
	"github.com/kestrel-net/p2pstar/internal/signalcodec"
)

// defaultSTUNServers is a zero-infrastructure choice: two Google STUN
// servers, no TURN. NAT-traversal heuristics beyond
// this are explicitly out of scope.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PionFactory is the default Factory, backed by github.com/pion/webrtc/v4.
type PionFactory struct{}

func NewPionFactory() *PionFactory { return &PionFactory{} }

func (f *PionFactory) CreateInitiator(ctx context.Context, opts Options) (Peer, error) {
	return newPionPeer(ctx, opts, true)
}

func (f *PionFactory) CreateReceiver(ctx context.Context, opts Options) (Peer, error) {
	return newPionPeer(ctx, opts, false)
}

func iceServers(opts Options) []webrtc.ICEServer {
	urls := opts.ICEServers
	if len(urls) == 0 {
		urls = defaultSTUNServers
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(opts),
	})
}

// pionPeer implements Peer over a single webrtc.PeerConnection. The
// application data channel is pre-negotiated on channel ID 0, and the
// auxiliary signalling channel on ID 1 (see auxChannelID), so both
// initiator and receiver can create either independently without relying
// on OnDataChannel.
type pionPeer struct {
	pc        *webrtc.PeerConnection
	appDC     *pionChannel
	initiator bool

	mu             sync.Mutex
	localSignalFns []func(signalcodec.Signal)
	readyFns       []func()
	errorFns       []func(error)
	localEmitted   bool
}

func newPionPeer(ctx context.Context, opts Options, initiator bool) (*pionPeer, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", corerr.ErrEngine, err)
	}

	var ordered, negotiated = true, true
	var id uint16 = 0
	rawDC, err := pc.CreateDataChannel("app", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: create app data channel: %v", corerr.ErrEngine, err)
	}

	p := &pionPeer{
		pc:        pc,
		appDC:     wrapChannel(rawDC),
		initiator: initiator,
	}

	p.appDC.OnOpen(func() { p.fireReady() })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			p.fireError(fmt.Errorf("%w: peer connection failed", corerr.ErrEngine))
		}
	})

	if initiator {
		go p.createAndEmitOffer(ctx)
	}

	return p, nil
}

// createAndEmitOffer waits for full ICE gathering before emitting the
// offer. Gathering everything up front means no further local signals are
// produced afterward — the overlay's single ConnectRequest/ConnectResponse
// round trip carries a complete description, so there is no ongoing
// trickle to relay through the signalling channel.
func (p *pionPeer) createAndEmitOffer(ctx context.Context) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.fireError(fmt.Errorf("%w: create offer: %v", corerr.ErrEngine, err))
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.fireError(fmt.Errorf("%w: set local description: %v", corerr.ErrEngine, err))
		return
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return
	}

	ld := p.pc.LocalDescription()
	p.fireLocalSignal(signalcodec.Signal{Kind: signalcodec.SignalOffer, Payload: []byte(ld.SDP)})
}

func (p *pionPeer) FeedSignal(sig signalcodec.Signal) error {
	switch sig.Kind {
	case signalcodec.SignalOffer:
		if p.initiator {
			// An initiator never expects an inbound offer; drop silently —
			// unexpected kinds for a given role are not state-transition
			// triggers.
			return nil
		}
		return p.handleRemoteOffer(sig.Payload)

	case signalcodec.SignalAnswer:
		if !p.initiator {
			return nil
		}
		return p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  string(sig.Payload),
		})

	case signalcodec.SignalCandidate:
		var init webrtc.ICECandidateInit
		init.Candidate = string(sig.Payload)
		return p.pc.AddICECandidate(init)

	default:
		return fmt.Errorf("%w: unknown signal kind", corerr.ErrMalformedSignal)
	}
}

func (p *pionPeer) handleRemoteOffer(payload []byte) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(payload),
	}); err != nil {
		return fmt.Errorf("%w: set remote description: %v", corerr.ErrEngine, err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", corerr.ErrEngine, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local description: %v", corerr.ErrEngine, err)
	}
	<-gatherComplete

	ld := p.pc.LocalDescription()
	p.fireLocalSignal(signalcodec.Signal{Kind: signalcodec.SignalAnswer, Payload: []byte(ld.SDP)})
	return nil
}

func (p *pionPeer) OnLocalSignal(fn func(signalcodec.Signal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localSignalFns = append(p.localSignalFns, fn)
}

func (p *pionPeer) OnReady(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyFns = append(p.readyFns, fn)
}

func (p *pionPeer) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorFns = append(p.errorFns, fn)
}

// auxChannelID is the fixed data-channel ID the signalling channel rides
// on. Pre-negotiated the same way the app channel pre-negotiates ID 0:
// nothing in this binding registers pc.OnDataChannel, so a
// non-negotiated channel created on one side would never be observed by
// the other — both sides must converge on the same ID independently.
const auxChannelID uint16 = 1

func (p *pionPeer) CreateAuxChannel(label string) (Channel, error) {
	var ordered, negotiated = true, true
	id := auxChannelID
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create aux channel %q: %v", corerr.ErrEngine, label, err)
	}
	return wrapChannel(dc), nil
}

func (p *pionPeer) AppChannel() Channel { return p.appDC }

func (p *pionPeer) Close() error { return p.pc.Close() }

func (p *pionPeer) fireLocalSignal(sig signalcodec.Signal) {
	p.mu.Lock()
	fns := append([]func(signalcodec.Signal){}, p.localSignalFns...)
	p.localEmitted = true
	p.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

func (p *pionPeer) fireReady() {
	p.mu.Lock()
	fns := append([]func(){}, p.readyFns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *pionPeer) fireError(err error) {
	p.mu.Lock()
	fns := append([]func(error){}, p.errorFns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// pionChannel adapts a *webrtc.DataChannel to the Channel interface. Both
// the dial engine and the listen engine's SigListener need to observe the
// same PeerSC — one sending ConnectRequest and awaiting ConnectResponse,
// the other receiving ConnectRequest and answering — so OnMessage fans out
// to every registered callback instead of the single-handler semantics
// webrtc.DataChannel.OnMessage provides natively.
type pionChannel struct {
	raw *webrtc.DataChannel

	mu     sync.Mutex
	msgFns []func([]byte)
}

func wrapChannel(raw *webrtc.DataChannel) *pionChannel {
	c := &pionChannel{raw: raw}
	raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fns := append([]func([]byte){}, c.msgFns...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(msg.Data)
		}
	})
	return c
}

func (c *pionChannel) Send(data []byte) error { return c.raw.Send(data) }

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgFns = append(c.msgFns, fn)
}

func (c *pionChannel) OnOpen(fn func())  { c.raw.OnOpen(fn) }
func (c *pionChannel) OnClose(fn func()) { c.raw.OnClose(fn) }

func (c *pionChannel) IsClosed() bool {
	return c.raw.ReadyState() == webrtc.DataChannelStateClosed
}

func (c *pionChannel) Close() error { return c.raw.Close() }
