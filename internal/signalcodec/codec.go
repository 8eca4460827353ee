package signalcodec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcutil/base58"

	"github.com/kestrel-net/p2pstar/internal/addr"
	"github.com/kestrel-net/p2pstar/internal/corerr"
)

// wireSignal is the JSON-on-the-wire shape of a Signal. Payload is base64
// since it carries arbitrary SDP/candidate bytes inside a JSON string.
type wireSignal struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

func signalKindToWire(k SignalKind) string { return k.String() }

func wireKindToSignal(s string) (SignalKind, error) {
	switch s {
	case "offer":
		return SignalOffer, nil
	case "answer":
		return SignalAnswer, nil
	case "candidate":
		return SignalCandidate, nil
	default:
		return 0, fmt.Errorf("%w: unknown signal kind %q", corerr.ErrMalformedSignal, s)
	}
}

func toWireSignal(s Signal) wireSignal {
	return wireSignal{
		Kind:    signalKindToWire(s.Kind),
		Payload: base64.StdEncoding.EncodeToString(s.Payload),
	}
}

func fromWireSignal(w wireSignal) (Signal, error) {
	kind, err := wireKindToSignal(w.Kind)
	if err != nil {
		return Signal{}, err
	}
	payload, err := base64.StdEncoding.DecodeString(w.Payload)
	if err != nil {
		return Signal{}, fmt.Errorf("%w: signal payload: %v", corerr.ErrMalformedSignal, err)
	}
	return Signal{Kind: kind, Payload: payload}, nil
}

// wireEnvelope is the self-describing JSON shape every Message encodes to.
// Fields not relevant to a given Type are omitted.
type wireEnvelope struct {
	Type   MessageType `json:"type"`
	PeerID string      `json:"peerId,omitempty"`
	Src    string      `json:"src,omitempty"`
	Dst    string      `json:"dst,omitempty"`
	Signal *wireSignal `json:"signal,omitempty"`
}

// Encode serializes a Message into its on-the-wire JSON bytes.
func Encode(m Message) ([]byte, error) {
	var env wireEnvelope
	switch v := m.(type) {
	case JoinRequest:
		env = wireEnvelope{Type: TypeJoinRequest, PeerID: v.PeerID.String()}
	case ConnectRequest:
		ws := toWireSignal(v.Signal)
		env = wireEnvelope{Type: TypeConnectRequest, Src: v.Src.String(), Dst: v.Dst.String(), Signal: &ws}
	case ConnectResponse:
		ws := toWireSignal(v.Signal)
		env = wireEnvelope{Type: TypeConnectResponse, Src: v.Src.String(), Dst: v.Dst.String(), Signal: &ws}
	default:
		return nil, fmt.Errorf("%w: unencodable message type %T", corerr.ErrCodec, m)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrCodec, err)
	}
	return data, nil
}

// Decode deserializes on-the-wire bytes into a Message. An unrecognised
// type tag surfaces MalformedSignal; bytes that don't parse as JSON at all
// surface CodecError.
func Decode(data []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrCodec, err)
	}

	switch env.Type {
	case TypeJoinRequest:
		if env.PeerID == "" {
			return nil, fmt.Errorf("%w: JoinRequest missing peerId", corerr.ErrMalformedSignal)
		}
		return JoinRequest{PeerID: addr.PID(env.PeerID)}, nil

	case TypeConnectRequest:
		if env.Src == "" || env.Dst == "" || env.Signal == nil {
			return nil, fmt.Errorf("%w: ConnectRequest missing fields", corerr.ErrMalformedSignal)
		}
		sig, err := fromWireSignal(*env.Signal)
		if err != nil {
			return nil, err
		}
		return ConnectRequest{Src: addr.PID(env.Src), Dst: addr.PID(env.Dst), Signal: sig}, nil

	case TypeConnectResponse:
		if env.Src == "" || env.Dst == "" || env.Signal == nil {
			return nil, fmt.Errorf("%w: ConnectResponse missing fields", corerr.ErrMalformedSignal)
		}
		sig, err := fromWireSignal(*env.Signal)
		if err != nil {
			return nil, err
		}
		return ConnectResponse{Src: addr.PID(env.Src), Dst: addr.PID(env.Dst), Signal: sig}, nil

	default:
		return nil, fmt.Errorf("%w: unrecognised type %q", corerr.ErrMalformedSignal, env.Type)
	}
}

// EncodeSignalBase58 serializes a Signal to base64 JSON then wraps it in
// base58 — the binary-safe form the HTTP bootstrap path puts in a URL query
// parameter.
func EncodeSignalBase58(s Signal) (string, error) {
	data, err := json.Marshal(toWireSignal(s))
	if err != nil {
		return "", fmt.Errorf("%w: %v", corerr.ErrCodec, err)
	}
	return base58.Encode(data), nil
}

// DecodeSignalBase58 reverses EncodeSignalBase58.
func DecodeSignalBase58(s string) (Signal, error) {
	data := base58.Decode(s)
	if len(data) == 0 && s != "" {
		return Signal{}, fmt.Errorf("%w: invalid base58", corerr.ErrCodec)
	}
	var ws wireSignal
	if err := json.Unmarshal(data, &ws); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", corerr.ErrCodec, err)
	}
	return fromWireSignal(ws)
}
