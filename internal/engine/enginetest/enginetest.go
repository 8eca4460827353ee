// Package enginetest provides a hand-rolled fake Factory/Peer/Channel,
// wired together in pairs so dial/listen/relay tests can exercise a full
// signalling round trip without pion/webrtc or a real network. It follows
// a convention of exported fakes with compile-time interface assertions,
// no mocking framework.
package enginetest

import (
	"context"
	"sync"

	"github.com/kestrel-net/p2pstar/internal/engine"
	"github.com/kestrel-net/p2pstar/internal/signalcodec"
)

var (
	_ engine.Factory = (*Factory)(nil)
	_ engine.Peer    = (*Peer)(nil)
	_ engine.Channel = (*Channel)(nil)
)

// Factory hands out Peers that simply record their role; pairing two Peers
// together (via Link) is the caller's job, mirroring how the real engine
// only knows about one side of a connection at a time.
type Factory struct {
	mu      sync.Mutex
	created []*Peer
}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) CreateInitiator(ctx context.Context, opts engine.Options) (engine.Peer, error) {
	return f.create(true), nil
}

func (f *Factory) CreateReceiver(ctx context.Context, opts engine.Options) (engine.Peer, error) {
	return f.create(false), nil
}

func (f *Factory) create(initiator bool) *Peer {
	p := &Peer{
		initiator: initiator,
		app:       NewChannel(),
	}
	f.mu.Lock()
	f.created = append(f.created, p)
	f.mu.Unlock()
	return p
}

// Created returns every Peer this factory has handed out, in creation
// order. Exposed for tests that need to reach into both sides of a pair.
func (f *Factory) Created() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer{}, f.created...)
}

// Peer is a fake engine.Peer. FeedSignal just records every signal fed
// in; tests drive the handshake explicitly by calling Link, which wires
// two Peers' OnLocalSignal callbacks directly into each other's FeedSignal,
// and then opens both application channels — standing in for a successful
// ICE negotiation without actually doing one.
type Peer struct {
	initiator bool
	app       *Channel

	mu          sync.Mutex
	auxByLabel  map[string]*Channel
	localSigFns []func(signalcodec.Signal)
	readyFns    []func()
	errorFns    []func(error)
	fedSignals  []signalcodec.Signal
	closed      bool
}

func (p *Peer) FeedSignal(sig signalcodec.Signal) error {
	p.mu.Lock()
	p.fedSignals = append(p.fedSignals, sig)
	p.mu.Unlock()
	return nil
}

// FedSignals returns every signal passed to FeedSignal, in order.
func (p *Peer) FedSignals() []signalcodec.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signalcodec.Signal{}, p.fedSignals...)
}

func (p *Peer) OnLocalSignal(fn func(signalcodec.Signal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localSigFns = append(p.localSigFns, fn)
}

func (p *Peer) OnReady(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyFns = append(p.readyFns, fn)
}

func (p *Peer) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorFns = append(p.errorFns, fn)
}

func (p *Peer) CreateAuxChannel(label string) (engine.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auxByLabel == nil {
		p.auxByLabel = make(map[string]*Channel)
	}
	ch := NewChannel()
	p.auxByLabel[label] = ch
	return ch, nil
}

// Aux returns the aux channel previously created under label, or nil.
func (p *Peer) Aux(label string) *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auxByLabel == nil {
		return nil
	}
	return p.auxByLabel[label]
}

func (p *Peer) AppChannel() engine.Channel { return p.app }

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.app.Close()
	return nil
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// EmitLocalSignal drives every registered OnLocalSignal callback — used by
// tests (or by Link) to simulate the engine producing an offer/answer.
func (p *Peer) EmitLocalSignal(sig signalcodec.Signal) {
	p.mu.Lock()
	fns := append([]func(signalcodec.Signal){}, p.localSigFns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

// EmitReady drives every registered OnReady callback.
func (p *Peer) EmitReady() {
	p.mu.Lock()
	fns := append([]func(){}, p.readyFns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// EmitError drives every registered OnError callback.
func (p *Peer) EmitError(err error) {
	p.mu.Lock()
	fns := append([]func(error){}, p.errorFns...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Link wires a (initiator, receiver) Peer pair end to end: the initiator's
// local offer is fed straight to the receiver, the receiver's resulting
// answer fed straight back, and both application channels are opened.
// This stands in for a successful non-trickle ICE negotiation.
func Link(initiator, receiver *Peer) {
	initiator.OnLocalSignal(func(sig signalcodec.Signal) {
		receiver.FeedSignal(sig)
		if sig.Kind == signalcodec.SignalOffer {
			answer := signalcodec.Signal{Kind: signalcodec.SignalAnswer, Payload: []byte("fake-answer")}
			receiver.EmitLocalSignal(answer)
		}
	})
	receiver.OnLocalSignal(func(sig signalcodec.Signal) {
		initiator.FeedSignal(sig)
		if sig.Kind == signalcodec.SignalAnswer {
			initiator.app.openFor(receiver.app)
			receiver.app.openFor(initiator.app)
			initiator.EmitReady()
			receiver.EmitReady()
		}
	})
}

// Channel is a fake engine.Channel. Two Channels become a connected pair
// once openFor links them to each other; after that, Send on one delivers
// to the other's OnMessage callbacks synchronously.
type Channel struct {
	mu       sync.Mutex
	peer     *Channel
	open     bool
	closed   bool
	sent     [][]byte
	msgFns   []func([]byte)
	openFns  []func()
	closeFns []func()
}

func NewChannel() *Channel { return &Channel{} }

func (c *Channel) openFor(peer *Channel) {
	c.mu.Lock()
	c.peer = peer
	c.open = true
	fns := append([]func(){}, c.openFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Open marks a standalone channel (one never paired via Link, such as an
// aux signalling channel a test wants to open without a full handshake)
// as open and fires its OnOpen callbacks.
func (c *Channel) Open() {
	c.openFor(nil)
}

// Pair wires two previously-standalone channels (e.g. the dial side and
// listen side of the same aux signalling channel, created by two
// different fake Peers) into a connected pair: after Pair, Send on
// either delivers to the other's OnMessage callbacks, and both fire
// their OnOpen callbacks. Used to simulate the far end of a channel Link
// doesn't reach because the two Peers came from different Factories.
func Pair(a, b *Channel) {
	a.openFor(b)
	b.openFor(a)
}

// Deliver feeds data into this channel's OnMessage callbacks directly, as
// if the remote side had sent it — used by tests driving a channel Link
// never wired into a pair.
func (c *Channel) Deliver(data []byte) {
	c.deliver(data)
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, data)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.deliver(data)
	}
	return nil
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	fns := append([]func([]byte){}, c.msgFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// Sent returns every payload passed to Send, in order.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte{}, c.sent...)
}

func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgFns = append(c.msgFns, fn)
}

func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	alreadyOpen := c.open
	c.openFns = append(c.openFns, fn)
	c.mu.Unlock()
	if alreadyOpen {
		fn()
	}
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeFns = append(c.closeFns, fn)
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fns := append([]func(){}, c.closeFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// SetClosed forces the channel into the closed state without firing
// OnClose callbacks — used by tests simulating an engine that silently
// drops a channel, the case chanmon exists to reconcile.
func (c *Channel) SetClosed(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = v
}
