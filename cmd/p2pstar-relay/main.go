// p2pstar-relay — CLI entry point for the Relay role.
//
// Runs the signalling overlay's routing node: accepts PeerSC/RelaySC
// attachments over HTTP offer/answer, registers peers from their
// JoinRequest, and forwards ConnectRequest/ConnectResponse envelopes per
// the relay routing table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/kestrel-net/p2pstar"
	"github.com/kestrel-net/p2pstar/internal/addr"
	"github.com/kestrel-net/p2pstar/internal/engine"
	"github.com/kestrel-net/p2pstar/internal/listen"
	"github.com/kestrel-net/p2pstar/internal/telemetry"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	host := flag.String("host", "0.0.0.0", "Listen host")
	port := flag.Int("port", 0, "Listen port (0 picks an ephemeral port)")
	pid := flag.String("pid", "", "This relay's PID")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *pid == "" {
		telemetry.Errorf("missing -pid: a relay must have a stable PID")
		os.Exit(1)
	}
	if *debugMode {
		telemetry.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2pstar-relay — v%s", version))
	pterm.Println()

	tr, err := p2pstar.New(ctx, p2pstar.Config{
		SignallingEnabled: true,
		NodeType:          addr.RoleRelay,
		EngineFactory:     engine.NewPionFactory(),
		SelfPID:           addr.PID(*pid),
	})
	if err != nil {
		telemetry.Errorf("failed to start transport: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	listenAddr, err := addr.BuildDirect(*host, *port, addr.PID(*pid))
	if err != nil {
		telemetry.Errorf("invalid listen address: %v", err)
		os.Exit(1)
	}

	l, err := tr.CreateListener(listenAddr, listen.Events{})
	if err != nil {
		telemetry.Errorf("failed to listen: %v", err)
		os.Exit(1)
	}
	defer l.Close()

	telemetry.StartReporter(ctx, 5*time.Second)
	telemetry.Infof("p2pstar-relay listening, PID=%s", *pid)
	<-ctx.Done()
	telemetry.Infof("shutting down")
}
