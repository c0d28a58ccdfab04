// Package wire implements the client/server wire protocol: one JSON text
// frame per message, a small closed catalogue of message kinds, and strict
// decoders that return nil rather than erroring on malformed input.
package wire

import (
	"encoding/json"

	"github.com/runledger/runledger/ledgermodel"
)

// ProtocolVersion is the wire protocol version negotiated during handshake.
const ProtocolVersion = 1

// ErrorCode enumerates the stable error codes carried by an error frame.
type ErrorCode string

const (
	VersionMismatch ErrorCode = "VERSION_MISMATCH"
	UnknownStream   ErrorCode = "UNKNOWN_STREAM"
	ReplayFailed    ErrorCode = "REPLAY_FAILED"
	BufferOverflow  ErrorCode = "BUFFER_OVERFLOW"
	InvalidMessage  ErrorCode = "INVALID_MESSAGE"
)

// messageType is the wire-level discriminator carried by every frame's
// "type" field.
type messageType string

const (
	typeHello       messageType = "hello"
	typeSubscribe   messageType = "subscribe"
	typeUnsubscribe messageType = "unsubscribe"
	typePong        messageType = "pong"

	typeServerHello messageType = "server-hello"
	typeEvent       messageType = "event"
	typeReplayEnd   messageType = "replay-end"
	typePing        messageType = "ping"
	typeError       messageType = "error"
)

// ClientMessage is any message a client may send. Its unexported
// clientMessageType method limits implementations to the types declared in
// this package.
type ClientMessage interface {
	clientMessageType() messageType
}

// ServerMessage is any message a server may send.
type ServerMessage interface {
	serverMessageType() messageType
}

type (
	// Hello must be the first frame a client sends.
	Hello struct {
		Version int `json:"version"`
	}

	// Subscribe requests a subscription starting after AfterSeq.
	Subscribe struct {
		StreamID string `json:"streamId"`
		AfterSeq uint64 `json:"afterSeq"`
	}

	// Unsubscribe cancels a subscription.
	Unsubscribe struct {
		StreamID string `json:"streamId"`
	}

	// Pong is the heartbeat reply to a server Ping.
	Pong struct{}
)

func (Hello) clientMessageType() messageType       { return typeHello }
func (Subscribe) clientMessageType() messageType   { return typeSubscribe }
func (Unsubscribe) clientMessageType() messageType { return typeUnsubscribe }
func (Pong) clientMessageType() messageType        { return typePong }

type (
	// ServerHello is sent after the server accepts a client's Hello.
	ServerHello struct {
		Version int `json:"version"`
	}

	// EventMsg carries a single stored event for a stream.
	EventMsg struct {
		StreamID string                  `json:"streamId"`
		Event    ledgermodel.StoredEvent `json:"event"`
	}

	// ReplayEnd is delivered exactly once per successful subscribe, marking
	// the boundary between the replayed slice and live events.
	ReplayEnd struct {
		StreamID     string `json:"streamId"`
		LastReplaySeq uint64 `json:"lastReplaySeq"`
	}

	// Ping is the server's heartbeat probe.
	Ping struct{}

	// ErrorMsg is a protocol- or server-side error.
	ErrorMsg struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}
)

func (ServerHello) serverMessageType() messageType { return typeServerHello }
func (EventMsg) serverMessageType() messageType    { return typeEvent }
func (ReplayEnd) serverMessageType() messageType   { return typeReplayEnd }
func (Ping) serverMessageType() messageType        { return typePing }
func (ErrorMsg) serverMessageType() messageType    { return typeError }

// envelope is the on-the-wire shape: a type discriminator alongside the
// flattened payload fields.
type envelope struct {
	Type messageType `json:"type"`
}

// Encode serializes a client or server message into a single JSON text
// frame. msg must be one of the concrete types declared in this package.
func Encode(msg any) (string, error) {
	var t messageType
	switch m := msg.(type) {
	case ClientMessage:
		t = m.clientMessageType()
	case ServerMessage:
		t = m.serverMessageType()
	default:
		return "", errUnknownMessageType
	}
	combined, err := mergeType(t, msg)
	if err != nil {
		return "", err
	}
	return string(combined), nil
}

func mergeType(t messageType, msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = t
	return json.Marshal(fields)
}

// DecodeClient strictly decodes a client frame. Unknown types or missing
// required fields yield nil rather than an error, per the wire contract.
func DecodeClient(data []byte) ClientMessage {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	switch env.Type {
	case typeHello:
		var m Hello
		if json.Unmarshal(data, &m) != nil || !hasFields(data, "version") {
			return nil
		}
		return m
	case typeSubscribe:
		var m Subscribe
		if json.Unmarshal(data, &m) != nil || m.StreamID == "" {
			return nil
		}
		return m
	case typeUnsubscribe:
		var m Unsubscribe
		if json.Unmarshal(data, &m) != nil || m.StreamID == "" {
			return nil
		}
		return m
	case typePong:
		return Pong{}
	default:
		return nil
	}
}

// DecodeServer strictly decodes a server frame. Unknown types or missing
// required fields yield nil rather than an error.
func DecodeServer(data []byte) ServerMessage {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	switch env.Type {
	case typeServerHello:
		var m ServerHello
		if json.Unmarshal(data, &m) != nil || !hasFields(data, "version") {
			return nil
		}
		return m
	case typeEvent:
		var m EventMsg
		if json.Unmarshal(data, &m) != nil || m.StreamID == "" || !hasFields(data, "event") {
			return nil
		}
		return m
	case typeReplayEnd:
		var m ReplayEnd
		if json.Unmarshal(data, &m) != nil || m.StreamID == "" || !hasFields(data, "lastReplaySeq") {
			return nil
		}
		return m
	case typePing:
		return Ping{}
	case typeError:
		var m ErrorMsg
		if json.Unmarshal(data, &m) != nil || m.Code == "" || !hasFields(data, "message") {
			return nil
		}
		return m
	default:
		return nil
	}
}

// hasFields reports whether the JSON object in data carries every key.
func hasFields(data []byte, keys ...string) bool {
	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) != nil {
		return false
	}
	for _, k := range keys {
		if _, ok := fields[k]; !ok {
			return false
		}
	}
	return true
}

var errUnknownMessageType = jsonError("wire: value is not a ClientMessage or ServerMessage")

type jsonError string

func (e jsonError) Error() string { return string(e) }
