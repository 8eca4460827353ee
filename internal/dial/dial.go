// Package dial implements the outbound half of the signalling overlay:
// HTTP offer/answer bootstrap, the relayed signalling-channel path, and
// the PeerSC/RelaySC supervision (JoinRequest on open, listen-engine
// registration, auto-reopen).
package dial

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kestrel-net/p2pstar/internal/addr"
	"github.com/kestrel-net/p2pstar/internal/chanmon"
	"github.com/kestrel-net/p2pstar/internal/corerr"
	"github.com/kestrel-net/p2pstar/internal/engine"
	"github.com/kestrel-net/p2pstar/internal/rendezvous"
	"github.com/kestrel-net/p2pstar/internal/signalcodec"
	"github.com/kestrel-net/p2pstar/internal/telemetry"
	"github.com/kestrel-net/p2pstar/internal/upgrade"
)

// scLabel is the data-channel label the signalling channel rides on.
const scLabel = "sc"

// Config is everything the Dial engine needs from its owning facade.
type Config struct {
	Factory           engine.Factory
	InitiatorOptions  engine.Options
	SignallingEnabled bool
	Role              addr.NodeRole
	SelfPID           addr.PID
	PrimaryRelayPID   addr.PID
	Monitor           *chanmon.Monitor

	// RegisterPeerSC hands a freshly-opened PeerSC to the local Listen
	// engine (SigListener) for incoming use. May be nil; the facade's
	// version does nothing when no SigListener exists locally.
	RegisterPeerSC func(sc engine.Channel)
	// UnregisterPeerSC is called when that PeerSC closes.
	UnregisterPeerSC func()

	// AttachRelaySC hands a freshly-opened RelaySC to the local relay
	// router's relayList. Called only when Role == RoleRelay; may be nil.
	AttachRelaySC func(ctx context.Context, sc engine.Channel)

	// HTTPClient overrides the default *http.Client used for the HTTP
	// bootstrap path. Nil builds one from HTTPTimeout.
	HTTPClient *http.Client

	// HTTPTimeout bounds the HTTP bootstrap request when HTTPClient is
	// nil. Zero means no timeout beyond the caller's context.
	HTTPTimeout time.Duration
}

// Dial is the outbound half of the overlay, scoped to a single owning
// node (Peer or Relay).
type Dial struct {
	cfg Config

	mu          sync.Mutex
	primarySC   engine.Channel // open PeerSC/RelaySC to the primary relay
	primaryPeer engine.Peer    // parent connection the primary SC rides on
	pending     map[addr.PID]chan signalcodec.ConnectResponse
}

// New creates a Dial engine bound to cfg.
func New(cfg Config) *Dial {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &Dial{
		cfg:     cfg,
		pending: make(map[addr.PID]chan signalcodec.ConnectResponse),
	}
}

type scRequest int

const (
	scNone scRequest = iota
	scPeer
	scRelay
)

func (s scRequest) tag() string {
	switch s {
	case scPeer:
		return "peer"
	case scRelay:
		return "relay"
	default:
		return "none"
	}
}

// Dial attempts to establish a connection to target, returning an upgraded
// Connection or one of the overlay's sentinel errors.
func (d *Dial) Dial(ctx context.Context, target addr.Address) (*upgrade.Connection, error) {
	path, sc, err := d.selectPath(target)
	if err != nil {
		return nil, err
	}

	switch path {
	case pathSC:
		return d.dialViaSC(ctx, target)
	default:
		return d.dialViaHTTP(ctx, target, sc)
	}
}

type path int

const (
	pathHTTP path = iota
	pathSC
)

// selectPath implements the overlay's path-selection decision table,
// evaluated left-to-right.
func (d *Dial) selectPath(target addr.Address) (path, scRequest, error) {
	star := target.IsStar()

	if !d.cfg.SignallingEnabled {
		if star {
			return 0, 0, corerr.ErrRejectedAddress
		}
		return pathHTTP, scNone, nil
	}

	if star {
		return pathSC, scNone, nil
	}

	if d.cfg.Role == addr.RoleRelay {
		return pathHTTP, scRelay, nil
	}

	// Role == Peer, no star marker: decide by comparing the target's
	// owner PID to our configured primary relay.
	owner, _ := target.OwnerPID()
	if owner == d.cfg.PrimaryRelayPID {
		return pathHTTP, scPeer, nil
	}
	return pathHTTP, scNone, nil
}

// dialViaHTTP implements the HTTP bootstrap path: create an initiator,
// POST-equivalent the base58 offer, await the answer, and rendezvous on
// ready + (optionally) SC open.
func (d *Dial) dialViaHTTP(ctx context.Context, target addr.Address, sc scRequest) (*upgrade.Connection, error) {
	peer, err := d.cfg.Factory.CreateInitiator(ctx, d.cfg.InitiatorOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrEngine, err)
	}

	readyGate := rendezvous.NewGate()
	scGate := rendezvous.NewGate()
	if sc == scNone {
		scGate.Fire()
	}

	peer.OnReady(func() { readyGate.Fire() })
	peer.OnError(func(err error) {
		readyGate.FireErr(fmt.Errorf("%w: %v", corerr.ErrEngine, err))
		scGate.FireErr(fmt.Errorf("%w: %v", corerr.ErrEngine, err))
	})

	var scChannel engine.Channel
	if sc != scNone {
		scChannel, err = peer.CreateAuxChannel(scLabel)
		if err != nil {
			peer.Close()
			return nil, fmt.Errorf("%w: creating aux channel: %v", corerr.ErrEngine, err)
		}
		scChannel.OnOpen(func() { scGate.Fire() })
	}

	sendErrCh := make(chan error, 1)
	peer.OnLocalSignal(func(sig signalcodec.Signal) {
		if sig.Kind != signalcodec.SignalOffer {
			return
		}
		go func() {
			if err := d.postOffer(ctx, peer, target, sig, sc); err != nil {
				sendErrCh <- err
			}
		}()
	})

	done := make(chan error, 1)
	go func() { done <- rendezvous.AllOf(ctx, readyGate, scGate) }()

	select {
	case err := <-done:
		if err != nil {
			peer.Close()
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil, corerr.ErrAborted
			}
			return nil, err
		}
	case err := <-sendErrCh:
		peer.Close()
		return nil, err
	case <-ctx.Done():
		peer.Close()
		return nil, corerr.ErrAborted
	}

	remote := target
	conn := upgrade.Upgrade(peer.AppChannel(), remote, func() { peer.Close() })

	if sc == scPeer {
		d.superviseSC(ctx, peer, scChannel, addr.RolePeer)
	} else if sc == scRelay {
		d.superviseSC(ctx, peer, scChannel, addr.RoleRelay)
	}

	return conn, nil
}

// postOffer sends the base58-encoded offer to the target's HTTP endpoint
// and, if the body is non-empty, feeds the decoded answer back into peer.
func (d *Dial) postOffer(ctx context.Context, peer engine.Peer, target addr.Address, sig signalcodec.Signal, sc scRequest) error {
	host, port, err := target.HostPort()
	if err != nil {
		return fmt.Errorf("%w: %v", corerr.ErrEngine, err)
	}

	encoded, err := signalcodec.EncodeSignalBase58(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", corerr.ErrCodec, err)
	}

	url := fmt.Sprintf("http://%s:%d/?signal=%s&signalling_channel=%s", host, port, encoded, sc.tag())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", corerr.ErrEngine, err)
	}

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", corerr.ErrEngine, err)
	}
	defer resp.Body.Close()

	body := make([]byte, 0, 512)
	buf := make([]byte, 512)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	if len(body) == 0 {
		// No response yet — keep the attempt alive for a locally
		// emitted candidate exchange later, if any.
		return nil
	}

	answer, err := signalcodec.DecodeSignalBase58(string(body))
	if err != nil {
		return fmt.Errorf("%w: %v", corerr.ErrCodec, err)
	}

	if err := peer.FeedSignal(answer); err != nil {
		return fmt.Errorf("%w: %v", corerr.ErrEngine, err)
	}
	return nil
}

// dialViaSC implements the relayed path: construct a ConnectRequest
// toward target's destination PID, send it on the primary relay's SC, and
// await the matching ConnectResponse.
func (d *Dial) dialViaSC(ctx context.Context, target addr.Address) (*upgrade.Connection, error) {
	d.mu.Lock()
	sc := d.primarySC
	d.mu.Unlock()
	if sc == nil {
		return nil, corerr.ErrRelayUnavailable
	}

	dstPID, ok := target.DestPID()
	if !ok {
		return nil, fmt.Errorf("%w: star address missing destination PID", corerr.ErrRejectedAddress)
	}

	peer, err := d.cfg.Factory.CreateInitiator(ctx, d.cfg.InitiatorOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrEngine, err)
	}

	respCh := make(chan signalcodec.ConnectResponse, 1)
	d.awaitResponse(dstPID, respCh)
	defer d.cancelAwait(dstPID)

	readyGate := rendezvous.NewGate()
	peer.OnReady(func() { readyGate.Fire() })
	peer.OnError(func(err error) {
		readyGate.FireErr(fmt.Errorf("%w: %v", corerr.ErrEngine, err))
	})

	peer.OnLocalSignal(func(sig signalcodec.Signal) {
		if sig.Kind != signalcodec.SignalOffer {
			return
		}
		req := signalcodec.ConnectRequest{Src: d.cfg.SelfPID, Dst: dstPID, Signal: sig}
		raw, err := signalcodec.Encode(req)
		if err != nil {
			telemetry.Errorf("dial: failed to encode ConnectRequest: %v", err)
			return
		}
		if err := sc.Send(raw); err != nil {
			telemetry.Warnf("dial: failed to send ConnectRequest on primary SC: %v", err)
		}
	})

	select {
	case resp := <-respCh:
		if err := peer.FeedSignal(resp.Signal); err != nil {
			peer.Close()
			return nil, fmt.Errorf("%w: %v", corerr.ErrEngine, err)
		}
	case <-ctx.Done():
		peer.Close()
		return nil, corerr.ErrAborted
	}

	select {
	case <-readyGate.Done():
		if err := readyGate.Err(); err != nil {
			peer.Close()
			return nil, err
		}
	case <-ctx.Done():
		peer.Close()
		return nil, corerr.ErrAborted
	}

	conn := upgrade.Upgrade(peer.AppChannel(), target, func() { peer.Close() })
	return conn, nil
}

func (d *Dial) awaitResponse(dst addr.PID, ch chan signalcodec.ConnectResponse) {
	d.mu.Lock()
	d.pending[dst] = ch
	d.mu.Unlock()
}

func (d *Dial) cancelAwait(dst addr.PID) {
	d.mu.Lock()
	delete(d.pending, dst)
	d.mu.Unlock()
}

// HandleSCMessage is the dispatcher the primary SC's message handler calls
// for every inbound message. It resolves a pending dialViaSC await when a
// matching ConnectResponse arrives; every other message kind is not this
// engine's concern (the Listen engine's SigListener handles ConnectRequest
// on the same SC).
func (d *Dial) HandleSCMessage(raw []byte) {
	msg, err := signalcodec.Decode(raw)
	if err != nil {
		telemetry.Warnf("dial: dropping malformed message on primary SC: %v", err)
		return
	}
	resp, ok := msg.(signalcodec.ConnectResponse)
	if !ok || resp.Dst != d.cfg.SelfPID {
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[resp.Src]
	d.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- resp:
	default:
	}
}

// superviseSC supervises the primary SC: on open, send JoinRequest (Peer
// only) and register with the listen engine or relay router; on
// close, attempt to reopen a fresh SC on the same parent connection
// before giving up.
func (d *Dial) superviseSC(ctx context.Context, peer engine.Peer, sc engine.Channel, role addr.NodeRole) {
	d.mu.Lock()
	d.primarySC = sc
	d.primaryPeer = peer
	d.mu.Unlock()

	d.attachSC(ctx, peer, sc, role)
}

// attachSC wires an already-open SC into message handling, protocol
// registration, and close supervision. Split out from superviseSC so
// onSCClosed can run the same wiring again on a reopened channel.
func (d *Dial) attachSC(ctx context.Context, peer engine.Peer, sc engine.Channel, role addr.NodeRole) {
	sc.OnMessage(d.HandleSCMessage)

	if role == addr.RolePeer {
		join := signalcodec.JoinRequest{PeerID: d.cfg.SelfPID}
		raw, err := signalcodec.Encode(join)
		if err != nil {
			telemetry.Errorf("dial: failed to encode JoinRequest: %v", err)
		} else if err := sc.Send(raw); err != nil {
			telemetry.Warnf("dial: failed to send JoinRequest: %v", err)
		}
		if d.cfg.RegisterPeerSC != nil {
			d.cfg.RegisterPeerSC(sc)
		}
	} else if d.cfg.AttachRelaySC != nil {
		d.cfg.AttachRelaySC(ctx, sc)
	}

	if d.cfg.Monitor != nil {
		d.cfg.Monitor.Watch(fmt.Sprintf("dial-sc-%p", sc), sc, func() {
			d.onSCClosed(ctx, peer, sc, role)
		})
	}
	sc.OnClose(func() { d.onSCClosed(ctx, peer, sc, role) })
}

// onSCClosed tears down bookkeeping for the closed SC and, if the parent
// connection is still alive, reopens a new SC and re-runs the open-side
// supervision on it.
func (d *Dial) onSCClosed(ctx context.Context, peer engine.Peer, sc engine.Channel, role addr.NodeRole) {
	d.mu.Lock()
	wasPrimary := d.primarySC == sc
	if wasPrimary {
		d.primarySC = nil
	}
	d.mu.Unlock()

	if role == addr.RolePeer && d.cfg.UnregisterPeerSC != nil {
		d.cfg.UnregisterPeerSC()
	}
	telemetry.Debugf("dial: primary %s SC closed", role)

	if !wasPrimary {
		return
	}
	if peer.AppChannel().IsClosed() {
		telemetry.Debugf("dial: parent connection closed, not reopening %s SC", role)
		return
	}

	newSC, err := peer.CreateAuxChannel(scLabel)
	if err != nil {
		telemetry.Warnf("dial: failed to reopen %s SC: %v", role, err)
		return
	}
	newSC.OnOpen(func() {
		d.mu.Lock()
		d.primarySC = newSC
		d.mu.Unlock()
		telemetry.Infof("dial: reopened primary %s SC", role)
		d.attachSC(ctx, peer, newSC, role)
	})
}
