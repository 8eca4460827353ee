// p2pstar-peer — CLI entry point for the Peer role.
//
// Listens for inbound WebRTC connections over plain HTTP offer/answer and
// echoes whatever it receives. -relay turns on the signalling overlay in
// the transport config, but this binary neither dials the relay nor opens
// a star listener, so it accepts no connections over a relayed signalling
// channel. Useful as a smoke-test counterpart to p2pstar-relay, or as a
// starting point for a real application.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

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
	pid := flag.String("pid", "", "This peer's PID (required when -relay is set)")
	relayPID := flag.String("relay", "", "Primary relay PID; enables the signalling overlay when set")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		telemetry.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2pstar-peer — v%s", version))
	pterm.Println()

	cfg := p2pstar.Config{
		NodeType:      addr.RolePeer,
		EngineFactory: engine.NewPionFactory(),
		SelfPID:       addr.PID(*pid),
	}
	if *relayPID != "" {
		cfg.SignallingEnabled = true
		cfg.RelayPeerID = addr.PID(*relayPID)
	}

	tr, err := p2pstar.New(ctx, cfg)
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

	l, err := tr.CreateListener(listenAddr, listen.Events{
		OnConnection: func(conn *p2pstar.Connection) {
			telemetry.Infof("accepted connection from %s", conn.RemoteAddress())
			p2pstar.Echo(conn)
		},
	})
	if err != nil {
		telemetry.Errorf("failed to listen: %v", err)
		os.Exit(1)
	}
	defer l.Close()

	telemetry.Infof("p2pstar-peer listening, PID=%s", *pid)
	<-ctx.Done()
	telemetry.Infof("shutting down")
}
