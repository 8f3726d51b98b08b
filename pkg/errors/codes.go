package errors

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Code is a stable error code shared across the broadcaster, the transport
// drivers, the evidence store, and the multiplexer. Once published, codes
// should be treated as API-stable.
type Code string

// CodeMeta provides metadata useful for retry decisions and documentation.
type CodeMeta struct {
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // client|transport|storage
	Description string `json:"description"`
}

// ---- IDENTITY / ENVELOPE ----
const (
	InvalidMagnet     Code = "identity.invalid_magnet"
	DeserializeFailed Code = "envelope.deserialize_failed"
)

// ---- TRANSPORT DRIVER ----
const (
	DriverInitFailed Code = "transport.init_failed"

	SendTimeout        Code = "transport.send_failed.timeout"
	SendUnreachable    Code = "transport.send_failed.unreachable"
	SendAuth           Code = "transport.send_failed.auth"
	SendProtocol       Code = "transport.send_failed.protocol"
	SendSelf           Code = "transport.send_failed.self"
	SendNotInitialized Code = "transport.send_failed.not_initialized"
)

// ---- EVIDENCE STORE ----
const (
	StoreBusyExhausted Code = "evidence.busy_exhausted"
	OrphanAck          Code = "evidence.orphan_ack"
)

// registry is intentionally unexported; use Meta/Known/List/ExportJSON.
var registry = map[Code]CodeMeta{
	InvalidMagnet:     {Retryable: false, Kind: "client", Description: "magnet link missing a required parameter or malformed hex"},
	DeserializeFailed: {Retryable: false, Kind: "client", Description: "message envelope failed to parse"},

	DriverInitFailed: {Retryable: true, Kind: "transport", Description: "driver failed to connect, authenticate, or subscribe"},

	SendTimeout:        {Retryable: true, Kind: "transport", Description: "send did not complete before the transport's own timeout"},
	SendUnreachable:    {Retryable: true, Kind: "transport", Description: "no reachable peer, relay, or broker for this send"},
	SendAuth:           {Retryable: false, Kind: "transport", Description: "authentication or signing failed"},
	SendProtocol:       {Retryable: false, Kind: "transport", Description: "transport-level protocol violation"},
	SendSelf:           {Retryable: false, Kind: "transport", Description: "recipient identity is the sender's own identity"},
	SendNotInitialized: {Retryable: false, Kind: "transport", Description: "driver was never successfully initialized"},

	StoreBusyExhausted: {Retryable: false, Kind: "storage", Description: "evidence store mutation exhausted its busy-retry budget"},
	OrphanAck:          {Retryable: false, Kind: "storage", Description: "acknowledgment refers to a message never observed"},
}

// Meta returns metadata for a code.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns all known codes sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable JSON of all codes + meta.
func ExportJSON() []byte {
	type row struct {
		Code Code     `json:"code"`
		Meta CodeMeta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	var buf bytes.Buffer
	_, _ = buf.Write(b)
	return buf.Bytes()
}
