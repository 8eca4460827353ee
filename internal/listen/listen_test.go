package listen

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/kestrel-net/p2pstar/internal/engine"
	"github.com/kestrel-net/p2pstar/internal/engine/enginetest"
	"github.com/kestrel-net/p2pstar/internal/signalcodec"
	"github.com/kestrel-net/p2pstar/internal/upgrade"
)

// TestHTTPListenerAcceptsOfferAndEchoes drives HTTPListener end to end
// against a real net.Listener: a GET carrying a base58 offer gets a base58
// answer back, the resulting Connection is handed to OnConnection, and an
// inbound message on the application channel is echoed straight back out.
func TestHTTPListenerAcceptsOfferAndEchoes(t *testing.T) {
	factory := enginetest.NewFactory()

	connCh := make(chan *upgrade.Connection, 1)
	l := NewHTTPListener(factory, engine.Options{}, Events{
		OnConnection: func(c *upgrade.Connection) {
			upgrade.Echo(c)
			connCh <- c
		},
	}, RelayHooks{}, nil)

	if err := l.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	offer := signalcodec.Signal{Kind: signalcodec.SignalOffer, Payload: []byte("offer-sdp")}
	encoded, err := signalcodec.EncodeSignalBase58(offer)
	if err != nil {
		t.Fatalf("encode offer: %v", err)
	}

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("http://%s/?signal=%s", l.Addr().String(), encoded))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(factory.Created()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	created := factory.Created()
	if len(created) != 1 {
		t.Fatalf("expected one receiver peer, got %d", len(created))
	}
	peer := created[0]

	answer := signalcodec.Signal{Kind: signalcodec.SignalAnswer, Payload: []byte("answer-sdp")}
	peer.EmitLocalSignal(answer)
	peer.EmitReady()

	select {
	case err := <-errCh:
		t.Fatalf("http get failed: %v", err)
	case resp := <-respCh:
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		decoded, err := signalcodec.DecodeSignalBase58(string(body))
		if err != nil {
			t.Fatalf("decode answer body: %v", err)
		}
		if decoded.Kind != signalcodec.SignalAnswer {
			t.Fatalf("expected an answer signal, got kind %v", decoded.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HTTP response")
	}

	var conn *upgrade.Connection
	select {
	case conn = <-connCh:
	case <-time.After(time.Second):
		t.Fatal("OnConnection never fired")
	}

	appCh, ok := peer.AppChannel().(*enginetest.Channel)
	if !ok {
		t.Fatalf("expected *enginetest.Channel, got %T", peer.AppChannel())
	}
	appCh.Deliver([]byte("ping"))

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(appCh.Sent()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sent := appCh.Sent()
	if len(sent) != 1 || string(sent[0]) != "ping" {
		t.Fatalf("expected the echo to send back %q, got %v", "ping", sent)
	}

	if conn.IsClosed() {
		t.Fatal("connection should still be open")
	}
}

// TestHTTPListenerUntracksClosedConnection checks that closing a tracked
// connection removes it from the listener's tracked set.
func TestHTTPListenerUntracksClosedConnection(t *testing.T) {
	factory := enginetest.NewFactory()

	connCh := make(chan *upgrade.Connection, 1)
	l := NewHTTPListener(factory, engine.Options{}, Events{
		OnConnection: func(c *upgrade.Connection) { connCh <- c },
	}, RelayHooks{}, nil)

	if err := l.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	offer := signalcodec.Signal{Kind: signalcodec.SignalOffer, Payload: []byte("offer-sdp")}
	encoded, err := signalcodec.EncodeSignalBase58(offer)
	if err != nil {
		t.Fatalf("encode offer: %v", err)
	}

	go http.Get(fmt.Sprintf("http://%s/?signal=%s", l.Addr().String(), encoded))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(factory.Created()) != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	created := factory.Created()
	if len(created) != 1 {
		t.Fatalf("expected one receiver peer, got %d", len(created))
	}
	peer := created[0]
	peer.EmitLocalSignal(signalcodec.Signal{Kind: signalcodec.SignalAnswer, Payload: []byte("a")})
	peer.EmitReady()

	var conn *upgrade.Connection
	select {
	case conn = <-connCh:
	case <-time.After(time.Second):
		t.Fatal("OnConnection never fired")
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && l.ConnectionCount() != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := l.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 tracked connection, got %d", got)
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && l.ConnectionCount() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := l.ConnectionCount(); got != 0 {
		t.Fatalf("expected 0 tracked connections after close, got %d", got)
	}
}

// TestHTTPListenerCloseInvokesRelayHook checks that closing an HTTPListener
// running in Relay role reaches the relay router's own Close hook.
func TestHTTPListenerCloseInvokesRelayHook(t *testing.T) {
	factory := enginetest.NewFactory()

	closed := make(chan struct{}, 1)
	hooks := RelayHooks{
		Close: func() error {
			closed <- struct{}{}
			return nil
		},
	}
	l := NewHTTPListener(factory, engine.Options{}, Events{}, hooks, nil)
	if err := l.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-closed:
	default:
		t.Fatal("expected Close to invoke the relay hook")
	}
}
