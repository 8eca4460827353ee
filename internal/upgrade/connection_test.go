package upgrade

import (
	"testing"

	"github.com/kestrel-net/p2pstar/internal/addr"
	"github.com/kestrel-net/p2pstar/internal/engine/enginetest"
	"github.com/kestrel-net/p2pstar/internal/telemetry"
)

// TestUpgradeAndCloseUpdateConnectionCounters checks that Upgrade, Send,
// and the eventual close each move the matching process-wide counter.
func TestUpgradeAndCloseUpdateConnectionCounters(t *testing.T) {
	ch := enginetest.NewChannel()
	ch.Open()

	openedBefore := telemetry.Stats.ConnectionsOpened.Load()
	closedBefore := telemetry.Stats.ConnectionsClosed.Load()
	bytesBefore := telemetry.Stats.BytesForwarded.Load()

	remote := addr.Address{}
	conn := Upgrade(ch, remote, nil)
	if got := telemetry.Stats.ConnectionsOpened.Load() - openedBefore; got != 1 {
		t.Fatalf("expected ConnectionsOpened to increase by 1, got %d", got)
	}

	if err := conn.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := telemetry.Stats.BytesForwarded.Load() - bytesBefore; got != 5 {
		t.Fatalf("expected BytesForwarded to increase by 5, got %d", got)
	}

	conn.Close()
	if got := telemetry.Stats.ConnectionsClosed.Load() - closedBefore; got != 1 {
		t.Fatalf("expected ConnectionsClosed to increase by 1, got %d", got)
	}
}
