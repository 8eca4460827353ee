// Package relay implements the routing core a Relay node runs on top of its
// HTTPListener: the per-peer and peer-to-peer signalling-channel tables,
// JoinRequest handling, the forwarding/flood algorithm with seen-cache
// deduplication, and the per-SC state machine. Concurrency is guarded by a
// single sync.RWMutex guarding both route tables.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-net/p2pstar/internal/addr"
	"github.com/kestrel-net/p2pstar/internal/chanmon"
	"github.com/kestrel-net/p2pstar/internal/seen"
	"github.com/kestrel-net/p2pstar/internal/signalcodec"
	"github.com/kestrel-net/p2pstar/internal/telemetry"
)

// Router owns peerTable and relayList for a single Relay node.
type Router struct {
	seenCache *seen.Cache
	monitor   *chanmon.Monitor

	mu        sync.RWMutex
	peerTable map[addr.PID]SC
	relayList []SC
	states    map[SC]State
	scOwner   map[SC]addr.PID // peerTable membership, for untrack
}

// NewRouter creates an empty Router. seenCache and monitor may be shared
// with the rest of the process; a nil monitor disables the periodic
// reconciliation pass (tests that drive closure purely via events can omit
// it).
func NewRouter(seenCache *seen.Cache, monitor *chanmon.Monitor) *Router {
	return &Router{
		seenCache: seenCache,
		monitor:   monitor,
		peerTable: make(map[addr.PID]SC),
		states:    make(map[SC]State),
		scOwner:   make(map[SC]addr.PID),
	}
}

// AttachPeerSC registers a newly-opened PeerSC with the router in the
// `attached` state and wires its message handler, close handler, and
// health-monitor entry.
func (r *Router) AttachPeerSC(ctx context.Context, sc SC) {
	r.setState(sc, StateAttached)
	r.wire(ctx, sc, KindPeer)
}

// AttachRelaySC registers a newly-opened RelaySC, immediately transitioning
// it to `relayed` and adding it to relayList — a RelaySC never goes through
// `joined`.
func (r *Router) AttachRelaySC(ctx context.Context, sc SC) {
	r.mu.Lock()
	r.relayList = append(r.relayList, sc)
	r.states[sc] = StateRelayed
	r.mu.Unlock()
	telemetry.Debugf("relay: SC attached as relay, state=relayed")
	r.wire(ctx, sc, KindRelay)
}

func (r *Router) wire(ctx context.Context, sc SC, kind Kind) {
	sc.OnMessage(func(data []byte) {
		r.handleMessage(sc, kind, data)
	})
	sc.OnClose(func() {
		r.untrack(sc)
	})
	if r.monitor != nil {
		r.monitor.Watch(scKey(sc), sc, func() {
			r.untrack(sc)
		})
	}
}

// scKey derives a chanmon watch key from an SC's identity. Interface
// values wrapping a pointer format uniquely via %p, which is all chanmon
// needs to distinguish watched entries.
func scKey(sc SC) string {
	return fmt.Sprintf("%p", sc)
}

func (r *Router) setState(sc SC, s State) {
	r.mu.Lock()
	r.states[sc] = s
	r.mu.Unlock()
}

// handleMessage implements the per-message routing decision: JoinRequest
// updates peerTable directly (never goes through the forwarding algorithm);
// everything else is forwarded.
func (r *Router) handleMessage(sc SC, kind Kind, raw []byte) {
	msg, err := signalcodec.Decode(raw)
	if err != nil {
		telemetry.Warnf("relay: dropping malformed signalling message: %v", err)
		return
	}

	if jr, ok := msg.(signalcodec.JoinRequest); ok {
		if kind == KindRelay {
			telemetry.Warnf("relay: JoinRequest received on a RelaySC — protocol violation, dropping")
			return
		}
		r.handleJoinRequest(sc, jr)
		return
	}

	dst := destOf(msg)
	r.forward(sc, dst, raw)
}

func destOf(msg signalcodec.Message) addr.PID {
	switch m := msg.(type) {
	case signalcodec.ConnectRequest:
		return m.Dst
	case signalcodec.ConnectResponse:
		return m.Dst
	default:
		return ""
	}
}

func (r *Router) handleJoinRequest(sc SC, jr signalcodec.JoinRequest) {
	r.mu.Lock()
	r.peerTable[jr.PeerID] = sc
	r.scOwner[sc] = jr.PeerID
	r.states[sc] = StateJoined
	r.mu.Unlock()
	telemetry.Debugf("relay: JoinRequest from %s, state=joined", jr.PeerID)
}

// forward dedupes via the seen-cache, then direct-hits on peerTable or
// floods relayList excluding the sender.
func (r *Router) forward(from SC, dst addr.PID, raw []byte) {
	if r.seenCache.Observe(raw) {
		telemetry.Stats.AddDropped()
		telemetry.Debugf("relay: dropping already-seen message for dst=%s", dst)
		return
	}

	r.mu.RLock()
	target, ok := r.peerTable[dst]
	var flood []SC
	if !ok {
		flood = append(flood, r.relayList...)
	}
	r.mu.RUnlock()

	if ok {
		if err := target.Send(raw); err != nil {
			telemetry.Warnf("relay: send to peer %s failed: %v", dst, err)
		} else {
			telemetry.Stats.AddForwarded()
			telemetry.Stats.AddBytes(len(raw))
		}
		telemetry.Debugf("relay: direct hit for dst=%s", dst)
		return
	}

	telemetry.Debugf("relay: flooding for dst=%s across %d relay(s)", dst, len(flood))
	sent := 0
	for _, rsc := range flood {
		if rsc == from {
			continue
		}
		if err := rsc.Send(raw); err != nil {
			telemetry.Warnf("relay: flood send failed, continuing fan-out: %v", err)
			continue
		}
		sent++
		telemetry.Stats.AddBytes(len(raw))
	}
	if sent > 0 {
		telemetry.Stats.AddFlooded(sent)
	}
}

// untrack removes sc from every table it might appear in. Safe to call
// more than once (idempotent) — the event handler and the health monitor
// may both invoke it for the same closure.
func (r *Router) untrack(sc SC) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pid, ok := r.scOwner[sc]; ok {
		if r.peerTable[pid] == sc {
			delete(r.peerTable, pid)
		}
		delete(r.scOwner, sc)
	}

	for i, rsc := range r.relayList {
		if rsc == sc {
			r.relayList = append(r.relayList[:i], r.relayList[i+1:]...)
			break
		}
	}

	if _, ok := r.states[sc]; ok {
		r.states[sc] = StateClosed
		delete(r.states, sc)
	}

	telemetry.Debugf("relay: SC untracked, state=closed")
}

// Close clears peerTable and relayList and closes every SC still tracked
// in either table. Safe to call once the owning listener is tearing down;
// further Attach calls after Close are not expected.
func (r *Router) Close() error {
	r.mu.Lock()
	scs := make([]SC, 0, len(r.peerTable)+len(r.relayList))
	for _, sc := range r.peerTable {
		scs = append(scs, sc)
	}
	scs = append(scs, r.relayList...)
	r.peerTable = make(map[addr.PID]SC)
	r.relayList = nil
	r.states = make(map[SC]State)
	r.scOwner = make(map[SC]addr.PID)
	r.mu.Unlock()

	for _, sc := range scs {
		if err := sc.Close(); err != nil {
			telemetry.Warnf("relay: error closing SC during router shutdown: %v", err)
		}
	}
	telemetry.Debugf("relay: router closed, peerTable and relayList cleared")
	return nil
}

// PeerSC returns the SC registered for pid, if any.
func (r *Router) PeerSC(pid addr.PID) (SC, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.peerTable[pid]
	return sc, ok
}

// PeerCount reports the number of distinct PIDs currently tracked.
// Exposed for tests.
func (r *Router) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peerTable)
}

// RelayCount reports the number of RelaySCs currently in relayList.
// Exposed for tests.
func (r *Router) RelayCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.relayList)
}
