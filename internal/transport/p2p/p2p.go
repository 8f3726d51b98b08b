// Package p2p implements D5, the direct peer-to-peer bidirectional-stream
// transport standing in for iroh's QUIC-based connections, built directly on
// github.com/quic-go/quic-go, using a self-signed TLS certificate derived
// from the node's ed25519 key for the handshake and ALPN "broadcast/dm/0".
//
// iroh resolves a node id to a reachable address through its own relay
// infrastructure; with no such service available, this driver resolves
// {nodeId -> listen address} through a shared on-disk discovery directory
// that each identity announces itself into on Init — the local stand-in for
// iroh's relay-based discovery. See DESIGN.md.
package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
)

const (
	alpn          = "broadcast/dm/0"
	maxReadBytes  = 1 << 20 // 1 MiB
	ackPayload    = "ACK: Received"
	dialTimeout   = 10 * time.Second
)

// Config is the subset of internal/broadcast.Config this driver needs.
type Config struct {
	ListenAddr   string
	RelayURL     string
	DiscoveryDir string
}

type Driver struct {
	cfg Config

	mu       sync.Mutex
	nodeID   string
	listener *quic.Listener
	handler  transport.InboundHandler
	cancel   context.CancelFunc
	stopped  bool
}

func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

func (d *Driver) Name() string { return "p2p" }

// Init generates a self-signed TLS certificate from the identity's ed25519
// key, binds a QUIC listener, announces {nodeId -> relayURL} into the shared
// discovery directory, and starts an accept loop. There's no partial
// success for this driver: the listener either binds or it doesn't.
func (d *Driver) Init(ctx context.Context, id transport.Identity, _ any) error {
	d.mu.Lock()
	d.nodeID = id.NodeID()
	listenAddr := d.cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = "0.0.0.0:0"
	}
	relayURL := d.cfg.RelayURL
	discoveryDir := d.cfg.DiscoveryDir
	d.mu.Unlock()

	tlsConf, err := selfSignedTLSConfig(id.Ed25519PrivateKey())
	if err != nil {
		return fmt.Errorf("p2p: init: tls config: %w", err)
	}

	ln, err := quic.ListenAddr(listenAddr, tlsConf, &quic.Config{})
	if err != nil {
		return fmt.Errorf("p2p: init: listen %s: %w", listenAddr, err)
	}

	if relayURL == "" {
		relayURL = ln.Addr().String()
	}
	if err := announce(discoveryDir, d.nodeID, relayURL); err != nil {
		_ = ln.Close()
		return fmt.Errorf("p2p: init: announce: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.listener = ln
	d.cancel = cancel
	d.mu.Unlock()

	go d.acceptLoop(runCtx, ln)
	return nil
}

func (d *Driver) acceptLoop(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		go d.handleConn(ctx, conn)
	}
}

// handleConn accepts a single bidirectional stream per connection, reads up
// to 1 MiB, invokes the inbound handler, writes the 13-byte ACK, and closes.
func (d *Driver) handleConn(ctx context.Context, conn quic.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	defer stream.Close()

	data, err := io.ReadAll(io.LimitReader(stream, maxReadBytes))
	if err != nil && len(data) == 0 {
		return
	}

	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler != nil {
		handler(transport.Inbound{Payload: data, Driver: "p2p"})
	}

	_, _ = stream.Write([]byte(ackPayload))
}

func (d *Driver) OnInbound(h transport.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Send resolves recipientNodeID to its advertised relay address via the
// discovery directory, dials it with ALPN "broadcast/dm/0", opens a single
// bidirectional stream, writes the full payload, and half-closes the send
// side. Sending to one's own node id fails fast with ErrSelf.
func (d *Driver) Send(ctx context.Context, recipientNodeID string, payload []byte) transport.Result {
	start := time.Now()

	d.mu.Lock()
	self := d.nodeID
	discoveryDir := d.cfg.DiscoveryDir
	d.mu.Unlock()

	if self == "" {
		return transport.Result{Success: false, ErrorKind: transport.ErrNotInitialized, Detail: "driver not initialized"}
	}
	if strings.EqualFold(recipientNodeID, self) {
		return transport.Result{Success: false, ErrorKind: transport.ErrSelf, Detail: "cannot send to own node id"}
	}

	addr, err := lookup(discoveryDir, recipientNodeID)
	if err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrUnreachable, Detail: err.Error()}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}}
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, &quic.Config{})
	if err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrUnreachable, Detail: err.Error()}
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrProtocol, Detail: err.Error()}
	}

	if _, err := stream.Write(payload); err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrProtocol, Detail: err.Error()}
	}
	if err := stream.Close(); err != nil { // half-close the send side
		return transport.Result{Success: false, ErrorKind: transport.ErrProtocol, Detail: err.Error()}
	}

	return transport.Result{
		Success:   true,
		LatencyMs: time.Since(start).Milliseconds(),
		Detail:    "delivered via " + addr,
	}
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	cancel := d.cancel
	ln := d.listener
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (d *Driver) Status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	connected := 0
	if d.listener != nil {
		connected = 1
	}
	return transport.Status{Connected: connected, Total: 1, Detail: "quic listener: " + d.nodeID}
}

// selfSignedTLSConfig builds a TLS certificate for the QUIC handshake from
// the node's ed25519 key, so the same identity presents the same public key
// across restarts. The serial number and validity window are fresh on every
// call, so the certificate bytes differ between calls.
func selfSignedTLSConfig(priv ed25519.PrivateKey) (*tls.Config, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("p2p: missing ed25519 private key")
	}
	pub := priv.Public().(ed25519.PublicKey)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hex.EncodeToString(pub)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		ClientAuth:   tls.NoClientCert,
	}, nil
}

type announcement struct {
	RelayURL  string    `json:"relay_url"`
	UpdatedAt time.Time `json:"updated_at"`
}

func discoveryPath(dir, nodeID string) string {
	if dir == "" {
		dir = "./data/p2p-discovery"
	}
	return filepath.Join(dir, strings.ToLower(nodeID)+".json")
}

func announce(dir, nodeID, relayURL string) error {
	if dir == "" {
		dir = "./data/p2p-discovery"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(announcement{RelayURL: relayURL, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return os.WriteFile(discoveryPath(dir, nodeID), b, 0o600)
}

func lookup(dir, nodeID string) (string, error) {
	b, err := os.ReadFile(discoveryPath(dir, nodeID))
	if err != nil {
		return "", fmt.Errorf("p2p: node %s not found in discovery directory: %w", nodeID, err)
	}
	var a announcement
	if err := json.Unmarshal(b, &a); err != nil {
		return "", fmt.Errorf("p2p: malformed discovery record for %s: %w", nodeID, err)
	}
	if a.RelayURL == "" {
		return "", fmt.Errorf("p2p: empty relay url for %s", nodeID)
	}
	return a.RelayURL, nil
}
