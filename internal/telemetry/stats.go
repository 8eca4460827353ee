package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide counter set, shared by every transport
// instance in the process. The relay router and upgrade.Connection update
// it; StartReporter periodically logs a human-readable summary.
var Stats = &Counters{}

// Counters holds the atomic traffic and routing counters.
type Counters struct {
	ConnectionsOpened atomic.Int64
	ConnectionsClosed atomic.Int64
	BytesForwarded    atomic.Int64
	MessagesForwarded atomic.Int64
	MessagesFlooded   atomic.Int64
	MessagesDropped   atomic.Int64 // seen-cache hits
}

func (c *Counters) ConnOpened()         { c.ConnectionsOpened.Add(1) }
func (c *Counters) ConnClosed()         { c.ConnectionsClosed.Add(1) }
func (c *Counters) AddBytes(n int)      { c.BytesForwarded.Add(int64(n)) }
func (c *Counters) AddForwarded()       { c.MessagesForwarded.Add(1) }
func (c *Counters) AddFlooded(n int)    { c.MessagesFlooded.Add(int64(n)) }
func (c *Counters) AddDropped()         { c.MessagesDropped.Add(1) }

// StartReporter launches a goroutine that logs traffic statistics every
// interval. It stops when ctx is cancelled.
func StartReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevBytes, prevOpened, prevClosed, prevFwd, prevFlood, prevDrop int64
		for {
			select {
			case <-ticker.C:
				bytes := Stats.BytesForwarded.Load()
				opened := Stats.ConnectionsOpened.Load()
				closed := Stats.ConnectionsClosed.Load()
				fwd := Stats.MessagesForwarded.Load()
				flood := Stats.MessagesFlooded.Load()
				drop := Stats.MessagesDropped.Load()

				if bytes != prevBytes || opened != prevOpened || closed != prevClosed ||
					fwd != prevFwd || flood != prevFlood || drop != prevDrop {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"conns: %d↑ %d↓ | fwd: %d msgs (%s) | flooded: %d | dropped(seen): %d",
						opened-prevOpened, closed-prevClosed,
						fwd-prevFwd, formatBytes(float64(bytes-prevBytes)),
						flood-prevFlood, drop-prevDrop,
					))
				}

				prevBytes, prevOpened, prevClosed, prevFwd, prevFlood, prevDrop =
					bytes, opened, closed, fwd, flood, drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

func formatBytes(b float64) string {
	unitIdx := 0
	for b > 999 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%.1f %s", b, byteUnits[unitIdx])
}
