// Package transport defines the uniform contract every driver (D1-D5)
// implements, plus the shared result/status/error-kind vocabulary the
// broadcaster and multiplexer use regardless of which network answered.
package transport

import (
	"context"
	"crypto/ed25519"
)

// ErrorKind classifies a failed Send. The broadcaster joins the kinds of a
// total failure into its DLQ record's reason; it does not log failed sends
// or pick a log severity from the kind, and it never drives an automatic
// retry at this layer.
type ErrorKind string

const (
	ErrTimeout        ErrorKind = "timeout"
	ErrUnreachable    ErrorKind = "unreachable"
	ErrAuth           ErrorKind = "auth"
	ErrProtocol       ErrorKind = "protocol"
	ErrSelf           ErrorKind = "self"
	ErrNotInitialized ErrorKind = "not_initialized"
)

// Result is the outcome of a single driver's Send call.
type Result struct {
	Driver    string
	Success   bool
	LatencyMs int64
	Detail    string
	ErrorKind ErrorKind
}

// Status reports connectivity for a driver; Connected and Total describe "k of n"
// backing connections (relays, brokers, peers) reporting healthy.
type Status struct {
	Connected int
	Total     int
	Detail    string
}

// Inbound is what a driver hands back to the multiplexer on every received
// message: the raw payload bytes and, when meaningful, a tag identifying the
// specific relay/broker/peer it arrived through.
type Inbound struct {
	Payload   []byte
	ServerTag string
	Driver    string
}

// InboundHandler is registered once per driver via OnInbound.
type InboundHandler func(in Inbound)

// Identity is the minimal view of pkg/identity.Identity a driver needs: its
// own keys plus the means to compute its own and a peer's per-protocol
// address. Defined here (not imported from pkg/identity) to avoid an import
// cycle — internal/broadcast adapts the concrete identity.Identity into
// this shape when constructing drivers.
type Identity interface {
	Secp256k1PrivHex() string
	EthAddress() string
	NostrPubKey() string
	PubSubIdentifier() string
	NodeID() string
	// Ed25519PrivateKey returns the raw signing key D5 uses to derive its
	// self-signed TLS certificate for the QUIC handshake.
	Ed25519PrivateKey() ed25519.PrivateKey
}

// Driver is the uniform contract every transport implements. Init may
// partially succeed — see each driver's doc comment for what "success"
// means for that transport. Send never panics and never blocks past its own
// internal timeout; it always returns a Result.
type Driver interface {
	Name() string
	Init(ctx context.Context, id Identity, config any) error
	Send(ctx context.Context, recipientAddress string, payload []byte) Result
	OnInbound(handler InboundHandler)
	Shutdown(ctx context.Context) error
	Status() Status
}
