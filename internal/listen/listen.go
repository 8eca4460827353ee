// Package listen implements the inbound half of the signalling overlay:
// the HTTPListener (HTTP offer/answer handoff, plus SC registration for
// the Relay role) and SigListener (inbound offers arriving purely over an
// already-open PeerSC) variants.
package listen

import (
	"context"
	"fmt"
	"io"
	"net"
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

const scLabel = "sc"

// scTag mirrors dial's signalling_channel query parameter vocabulary.
type scTag string

const (
	scTagNone  scTag = "none"
	scTagPeer  scTag = "peer"
	scTagRelay scTag = "relay"
)

// Events is the set of callbacks a Listener reports through: an inbound
// connection arriving, and the listener itself closing.
type Events struct {
	OnConnection func(*upgrade.Connection)
	OnClose      func()
}

// RelayHooks lets an HTTPListener running in Relay role hand freshly
// attached SCs to the relay router, without this package importing
// internal/relay directly (the router's SC interface is structural).
type RelayHooks struct {
	AttachPeerSC  func(ctx context.Context, sc engine.Channel)
	AttachRelaySC func(ctx context.Context, sc engine.Channel)

	// Close tears down the relay router's peerTable and relayList. Nil
	// unless this listener is running in Relay role.
	Close func() error
}

// closeTimeout bounds how long Close waits for the HTTP server to finish
// in-flight requests before forcing the listener down.
const closeTimeout = 2 * time.Second

// HTTPListener runs an HTTP server accepting inbound offers. It also
// accepts SC registrations driven by the dial engine
// (signalling_channel=peer|relay) for forwarding purposes.
type HTTPListener struct {
	factory  engine.Factory
	recvOpts engine.Options
	events   Events
	relay    RelayHooks
	monitor  *chanmon.Monitor

	srv      *http.Server
	listener net.Listener

	mu    sync.Mutex
	conns map[*upgrade.Connection]struct{}
}

// NewHTTPListener creates an HTTPListener. relay may be the zero value if
// this listener is not running in Relay role.
func NewHTTPListener(factory engine.Factory, recvOpts engine.Options, events Events, relay RelayHooks, monitor *chanmon.Monitor) *HTTPListener {
	return &HTTPListener{
		factory:  factory,
		recvOpts: recvOpts,
		events:   events,
		relay:    relay,
		monitor:  monitor,
		conns:    make(map[*upgrade.Connection]struct{}),
	}
}

// Listen starts the HTTP server on host:port. An empty port lets the OS
// choose one; Addr() reports the one actually bound.
func (l *HTTPListener) Listen(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("%w: %v", corerr.ErrEngine, err)
	}
	l.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)
	l.srv = &http.Server{Handler: mux}

	go func() {
		_ = l.srv.Serve(ln)
	}()

	telemetry.Infof("listen: HTTPListener bound on %s", ln.Addr())
	return nil
}

// Addr returns the bound network address.
func (l *HTTPListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Close shuts down the HTTP server and every connection it tracks, and
// clears the relay router's tables if this listener runs in Relay role.
// The server is given closeTimeout to finish in-flight requests before
// being forced down.
func (l *HTTPListener) Close() error {
	l.mu.Lock()
	conns := make([]*upgrade.Connection, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.conns = make(map[*upgrade.Connection]struct{})
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	if l.relay.Close != nil {
		if err := l.relay.Close(); err != nil {
			telemetry.Warnf("listen: error closing relay router: %v", err)
		}
	}

	var err error
	if l.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if shutdownErr := l.srv.Shutdown(ctx); shutdownErr != nil {
			telemetry.Warnf("listen: graceful shutdown did not complete, forcing close: %v", shutdownErr)
			err = l.srv.Close()
		}
	}
	if l.events.OnClose != nil {
		l.events.OnClose()
	}
	return err
}

// handle decodes an inbound base58 offer, creates a receiver peer, and
// writes the base58 answer back once it's ready.
func (l *HTTPListener) handle(w http.ResponseWriter, r *http.Request) {
	remoteHost, remotePortStr, err := net.SplitHostPort(r.RemoteAddr)
	signal := r.URL.Query().Get("signal")
	if err != nil || remoteHost == "" || signal == "" || r.URL.Path == "" {
		telemetry.Warnf("listen: malformed request from %s: %v", r.RemoteAddr, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sig, err := signalcodec.DecodeSignalBase58(signal)
	if err != nil || sig.Kind != signalcodec.SignalOffer {
		// Not an offer, or undecodable — end the response empty per
		// step 3, rather than surfacing a codec error to the wire.
		w.WriteHeader(http.StatusOK)
		return
	}

	scTagValue := scTag(r.URL.Query().Get("signalling_channel"))
	if scTagValue == "" {
		scTagValue = scTagNone
	}

	peer, err := l.factory.CreateReceiver(r.Context(), l.recvOpts)
	if err != nil {
		telemetry.Errorf("listen: CreateReceiver failed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	answered := make(chan struct{})
	peer.OnLocalSignal(func(local signalcodec.Signal) {
		select {
		case <-answered:
			return
		default:
		}
		close(answered)
		encoded, err := signalcodec.EncodeSignalBase58(local)
		if err != nil {
			telemetry.Errorf("listen: failed to encode answer: %v", err)
			return
		}
		io.WriteString(w, encoded)
	})

	scGate := rendezvous.NewGate()
	if scTagValue == scTagNone {
		scGate.Fire()
	} else {
		var scChannel engine.Channel
		scChannel, err = peer.CreateAuxChannel(scLabel)
		if err != nil {
			telemetry.Errorf("listen: failed to create aux channel: %v", err)
			scGate.Fire()
		} else {
			scChannel.OnOpen(func() {
				scGate.Fire()
				l.onSCOpen(r.Context(), scChannel, scTagValue)
			})
		}
	}

	if err := peer.FeedSignal(sig); err != nil {
		telemetry.Errorf("listen: FeedSignal failed: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		peer.Close()
		return
	}

	readyGate := rendezvous.NewGate()
	peer.OnReady(func() { readyGate.Fire() })
	peer.OnError(func(err error) {
		readyGate.FireErr(fmt.Errorf("%w: %v", corerr.ErrEngine, err))
		scGate.FireErr(fmt.Errorf("%w: %v", corerr.ErrEngine, err))
	})

	if err := rendezvous.AllOf(r.Context(), readyGate, scGate); err != nil {
		telemetry.Debugf("listen: connection attempt did not complete: %v", err)
		peer.Close()
		return
	}

	remotePort := 0
	fmt.Sscanf(remotePortStr, "%d", &remotePort)
	remote := addr.FromHostPort(remoteHost, remotePort)

	conn := upgrade.Upgrade(peer.AppChannel(), remote, func() { peer.Close() })
	l.track(conn)
	if l.events.OnConnection != nil {
		l.events.OnConnection(conn)
	}
}

func (l *HTTPListener) onSCOpen(ctx context.Context, sc engine.Channel, tag scTag) {
	switch tag {
	case scTagRelay:
		if l.relay.AttachRelaySC != nil {
			l.relay.AttachRelaySC(ctx, sc)
		}
	case scTagPeer:
		if l.relay.AttachPeerSC != nil {
			l.relay.AttachPeerSC(ctx, sc)
		}
	}
	if l.monitor != nil {
		l.monitor.Watch(fmt.Sprintf("listen-sc-%p", sc), sc, func() {})
	}
}

func (l *HTTPListener) track(c *upgrade.Connection) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()

	c.OnClosed(func() { l.untrack(c) })
	if l.monitor != nil {
		l.monitor.Watch(fmt.Sprintf("conn-%p", c), c, func() { l.untrack(c) })
	}
}

func (l *HTTPListener) untrack(c *upgrade.Connection) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// ConnectionCount reports the number of tracked connections. Exposed so
// tests can confirm a closed connection is fully untracked.
func (l *HTTPListener) ConnectionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
