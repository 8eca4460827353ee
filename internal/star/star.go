// Package star implements the transport facade orchestrating role
// configuration, address filtering, and the lifetimes of one Dial engine,
// N Listen engines, and (Relay role) one Relay router. Re-exported as the
// root package p2pstar.
package star

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-net/p2pstar/internal/addr"
	"github.com/kestrel-net/p2pstar/internal/chanmon"
	"github.com/kestrel-net/p2pstar/internal/corerr"
	"github.com/kestrel-net/p2pstar/internal/dial"
	"github.com/kestrel-net/p2pstar/internal/engine"
	"github.com/kestrel-net/p2pstar/internal/listen"
	"github.com/kestrel-net/p2pstar/internal/relay"
	"github.com/kestrel-net/p2pstar/internal/seen"
	"github.com/kestrel-net/p2pstar/internal/telemetry"
	"github.com/kestrel-net/p2pstar/internal/upgrade"
)

// Config recognised by the transport facade.
type Config struct {
	SignallingEnabled bool
	NodeType          addr.NodeRole
	RelayPeerID       addr.PID // required when SignallingEnabled && NodeType==Peer
	EngineFactory     engine.Factory
	InitiatorOptions  engine.Options
	ReceiverOptions   engine.Options
	SelfPID           addr.PID
}

// Transport is the facade a user constructs directly. It owns every other
// component's lifetime.
type Transport struct {
	cfg Config

	seenCache *seen.Cache
	monitor   *chanmon.Monitor
	router    *relay.Router // nil unless NodeType == RoleRelay
	dialer    *dial.Dial

	mu        sync.Mutex
	listeners map[io]bool // open listener handles (HTTPListener or SigListener) tracked for Close()
	sigByAddr map[addr.PID]*listen.SigListener
}

// io is the tiny shared shape both listener variants satisfy, used only so
// Close() can fan out without a type switch per call site.
type io interface {
	Close() error
}

// New constructs a Transport and starts its background goroutines (the
// seen-cache sweeper and the channel health monitor).
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.SignallingEnabled && cfg.NodeType == addr.RolePeer && cfg.RelayPeerID == "" {
		return nil, fmt.Errorf("%w: signalling enabled for a Peer requires RelayPeerID", corerr.ErrMalformedRequest)
	}

	t := &Transport{
		cfg:       cfg,
		seenCache: seen.New(seen.DefaultTTL),
		monitor:   chanmon.New(chanmon.Interval),
		listeners: make(map[io]bool),
		sigByAddr: make(map[addr.PID]*listen.SigListener),
	}
	t.seenCache.StartSweeper(ctx, seen.DefaultTTL)
	t.monitor.Start(ctx)

	if cfg.NodeType == addr.RoleRelay {
		t.router = relay.NewRouter(t.seenCache, t.monitor)
	}

	t.dialer = dial.New(dial.Config{
		Factory:           cfg.EngineFactory,
		InitiatorOptions:  cfg.InitiatorOptions,
		SignallingEnabled: cfg.SignallingEnabled,
		Role:              cfg.NodeType,
		SelfPID:           cfg.SelfPID,
		PrimaryRelayPID:   cfg.RelayPeerID,
		Monitor:           t.monitor,
		RegisterPeerSC:    t.registerPeerSCWithLocalSigListener,
		UnregisterPeerSC:  t.unregisterPeerSC,
		AttachRelaySC: func(ctx context.Context, sc engine.Channel) {
			if t.router != nil {
				t.router.AttachRelaySC(ctx, sc)
			}
		},
	})

	return t, nil
}

// Dial attempts to establish a connection to target; cancellation is
// carried by ctx.
func (t *Transport) Dial(ctx context.Context, target string) (*upgrade.Connection, error) {
	a, err := addr.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrRejectedAddress, err)
	}
	if !t.Filter(a) {
		return nil, corerr.ErrRejectedAddress
	}
	return t.dialer.Dial(ctx, a)
}

// registerPeerSCWithLocalSigListener hands a freshly opened outbound
// PeerSC to a local SigListener, if one is registered for us — this
// covers a Peer that both dials out and listens over the overlay on the
// same primary relay.
func (t *Transport) registerPeerSCWithLocalSigListener(sc engine.Channel) {
	t.mu.Lock()
	sl, ok := t.sigByAddr[t.cfg.SelfPID]
	t.mu.Unlock()
	if ok {
		sl.RegisterSignallingChannel(context.Background(), sc)
	}
}

func (t *Transport) unregisterPeerSC() {
	telemetry.Debugf("star: primary PeerSC unregistered from local listener")
}

// CreateListener selects HTTPListener or SigListener by whether signalling
// is enabled and the address carries the "star" marker, wires it to the
// relay router when running in Relay role, and tracks it for Close().
func (t *Transport) CreateListener(a addr.Address, events listen.Events) (io, error) {
	if !t.Filter(a) {
		return nil, corerr.ErrRejectedAddress
	}

	if t.cfg.SignallingEnabled && a.IsStar() {
		sl := listen.NewSigListener(t.cfg.EngineFactory, t.cfg.ReceiverOptions, events, t.cfg.SelfPID, t.monitor)
		t.mu.Lock()
		t.listeners[sl] = true
		t.sigByAddr[t.cfg.SelfPID] = sl
		t.mu.Unlock()
		return sl, nil
	}

	hooks := listen.RelayHooks{}
	if t.router != nil {
		hooks.AttachPeerSC = func(ctx context.Context, sc engine.Channel) { t.router.AttachPeerSC(ctx, sc) }
		hooks.AttachRelaySC = func(ctx context.Context, sc engine.Channel) { t.router.AttachRelaySC(ctx, sc) }
		hooks.Close = t.router.Close
	}

	hl := listen.NewHTTPListener(t.cfg.EngineFactory, t.cfg.ReceiverOptions, events, hooks, t.monitor)
	host, port, err := a.HostPort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrRejectedAddress, err)
	}
	if err := hl.Listen(host, port); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.listeners[hl] = true
	t.mu.Unlock()
	return hl, nil
}

// Filter accepts only addresses in the "direct" family; a "star" marker
// additionally requires signalling enabled and an embedded relay PID. On a
// Peer that PID must equal the primary relay PID, for dial targets and
// listen addresses alike; a Relay accepts any relay PID.
func (t *Transport) Filter(a addr.Address) bool {
	if !addr.IsDirectFamily(a) {
		return false
	}
	if !addr.RequiresStar(a) {
		return true
	}
	if !t.cfg.SignallingEnabled {
		return false
	}
	owner, ok := a.OwnerPID()
	if !ok {
		return false
	}
	return owner == t.cfg.RelayPeerID || t.cfg.NodeType == addr.RoleRelay
}

// Close tears down every tracked listener.
func (t *Transport) Close() error {
	t.mu.Lock()
	listeners := make([]io, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.listeners = make(map[io]bool)
	t.mu.Unlock()

	var firstErr error
	for _, l := range listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
