// Package rendezvous implements the small coordination primitive both the
// dial and listen engines need: wait for N independent readiness signals
// (the application data channel, and optionally the auxiliary signalling
// channel) to all fire, or bail out on the first failure.
//
// It generalizes the pattern of a single openSignal channel closed
// exactly once behind a sync.Once gate to N inputs.
package rendezvous

import (
	"context"
	"sync"
)

// Gate is a single-fire readiness signal, safe to close from multiple
// goroutines and to wait on from multiple goroutines.
type Gate struct {
	once sync.Once
	ch   chan struct{}
	mu   sync.Mutex
	err  error
}

// NewGate creates an unfired Gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Fire marks the gate ready. Only the first call has any effect.
func (g *Gate) Fire() {
	g.once.Do(func() { close(g.ch) })
}

// FireErr marks the gate ready with an associated error, observable via
// Err() after Done() unblocks. Only the first Fire/FireErr call has effect.
func (g *Gate) FireErr(err error) {
	g.once.Do(func() {
		g.mu.Lock()
		g.err = err
		g.mu.Unlock()
		close(g.ch)
	})
}

// Done returns a channel closed once the gate has fired.
func (g *Gate) Done() <-chan struct{} { return g.ch }

// Err returns the error the gate was fired with, if any. Only meaningful
// after Done() has unblocked.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// AllOf blocks until every gate has fired, or returns early with the first
// error seen among them, or with ctx's error if ctx is cancelled first.
// An already-fired gate with no error counts as satisfied immediately.
func AllOf(ctx context.Context, gates ...*Gate) error {
	if len(gates) == 0 {
		return nil
	}

	type result struct {
		idx int
		err error
	}
	results := make(chan result, len(gates))

	for i, g := range gates {
		go func(i int, g *Gate) {
			select {
			case <-g.Done():
				results <- result{i, g.Err()}
			case <-ctx.Done():
				results <- result{i, ctx.Err()}
			}
		}(i, g)
	}

	remaining := len(gates)
	for remaining > 0 {
		select {
		case r := <-results:
			if r.err != nil {
				return r.err
			}
			remaining--
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
