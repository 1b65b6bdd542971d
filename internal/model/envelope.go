package model

import "encoding/json"

// Downstream envelope type discriminators (spec.md §3, §6).
const (
	EnvelopeWelcome    = "welcome"
	EnvelopePong       = "pong"
	EnvelopeMessage    = "message"
	EnvelopeResult     = "result"
	EnvelopeProxy      = "proxy"
	EnvelopeDisconnect = "disconnect"
	EnvelopeError      = "error"
	EnvelopeShutdown   = "shutdown"
)

// Client -> server envelope types.
const (
	ClientPing  = "ping"
	ClientInvoke = "invoke"
	ClientSDK    = "sdk"
)

// ServerEnvelope is every frame the StreamServer writes to a
// downstream client. Exactly the fields relevant to Type are
// populated; the rest are omitted from the wire form.
type ServerEnvelope struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Time      int64  `json:"time,omitempty"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	OK        *bool  `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func NewWelcomeEnvelope(message string, now int64) ServerEnvelope {
	return ServerEnvelope{Type: EnvelopeWelcome, Message: message, Time: now}
}

func NewPongEnvelope(now int64) ServerEnvelope {
	return ServerEnvelope{Type: EnvelopePong, Time: now}
}

func NewMessageEnvelope(data any) ServerEnvelope {
	return ServerEnvelope{Type: EnvelopeMessage, Data: data}
}

func NewResultEnvelope(requestID string, data any) ServerEnvelope {
	return ServerEnvelope{Type: EnvelopeResult, RequestID: requestID, OK: boolPtr(true), Data: data}
}

func NewResultError(requestID string, errMsg string) ServerEnvelope {
	return ServerEnvelope{Type: EnvelopeResult, RequestID: requestID, OK: boolPtr(false), Error: errMsg}
}

func NewShutdownEnvelope(message string) ServerEnvelope {
	return ServerEnvelope{Type: EnvelopeShutdown, Message: message}
}

// ClientEnvelope is every frame a downstream client may send.
type ClientEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Call      string          `json:"call,omitempty"`
	Action    string          `json:"action,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Path      string          `json:"path,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
}
