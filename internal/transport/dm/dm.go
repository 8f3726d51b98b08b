// Package dm implements D1, the wallet-keyed encrypted DM transport standing
// in for XMTP: an encrypted on-disk conversation database keyed by wallet
// address, via the same driver the evidence store uses
// (github.com/mattn/go-sqlite3) with AES-256-GCM sealing each row. The AEAD
// key is derived deterministically from the identity's own private key so
// the same identity finds the same inbox across restarts — it protects this
// identity's own local database at rest, not the wire payload between
// parties (payload confidentiality between sender and recipient is out of
// scope, same as every other transport here).
//
// Delivery between two identities is carried over a shared, unencrypted
// on-disk "mailbox" directory (DMInboxDir), standing in for whatever relay a
// real XMTP node would use to get the ciphertext-or-plaintext wire payload
// from sender to recipient. See DESIGN.md.
package dm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
)

// Config is the subset of internal/broadcast.Config this driver needs.
type Config struct {
	InboxDir string
}

const pollInterval = 250 * time.Millisecond

type Driver struct {
	cfg Config

	mu        sync.Mutex
	address   string
	aeadKey   [32]byte
	ownDB     *sql.DB // this identity's own encrypted-at-rest conversation store
	mailbox   *sql.DB // this identity's plaintext shared mailbox (the "wire")
	handler   transport.InboundHandler
	stop      chan struct{}
	stopped   bool
	lastSeen  int64
}

func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, stop: make(chan struct{})}
}

func (d *Driver) Name() string { return "dm" }

// Init opens this identity's own encrypted conversation store and its
// shared plaintext mailbox, deriving the deterministic AEAD key, then starts
// a poll loop draining unread mailbox rows. Either database failing to open
// is fatal for this driver; there's no partial-success mode for D1.
func (d *Driver) Init(ctx context.Context, id transport.Identity, _ any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	address := id.EthAddress()
	d.address = address
	d.aeadKey = deriveKey(address, id.Secp256k1PrivHex())

	dir := d.cfg.InboxDir
	if dir == "" {
		dir = "./data/dm-inbox"
	}
	mailboxDir := filepath.Join(dir, "mailbox")
	if err := os.MkdirAll(mailboxDir, 0o700); err != nil {
		return fmt.Errorf("dm: init: mkdir mailbox dir: %w", err)
	}
	storeDir := filepath.Join(dir, "store")
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return fmt.Errorf("dm: init: mkdir store dir: %w", err)
	}

	own, err := openSQLite(filepath.Join(storeDir, sanitizeFilename(address)+".db"))
	if err != nil {
		return fmt.Errorf("dm: init: open own store: %w", err)
	}
	if _, err := own.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversation (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_addr TEXT NOT NULL,
			nonce BLOB NOT NULL,
			ciphertext BLOB NOT NULL,
			created_at TEXT NOT NULL
		);`); err != nil {
		_ = own.Close()
		return fmt.Errorf("dm: init: ensure own schema: %w", err)
	}

	mailbox, err := openSQLite(filepath.Join(mailboxDir, sanitizeFilename(address)+".db"))
	if err != nil {
		_ = own.Close()
		return fmt.Errorf("dm: init: open mailbox: %w", err)
	}
	if _, err := mailbox.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS inbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_addr TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TEXT NOT NULL
		);`); err != nil {
		_ = own.Close()
		_ = mailbox.Close()
		return fmt.Errorf("dm: init: ensure mailbox schema: %w", err)
	}

	d.ownDB = own
	d.mailbox = mailbox
	go d.pollLoop()
	return nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// OnInbound registers the single callback fired for every mailbox row this
// identity drains, in arrival order.
func (d *Driver) OnInbound(h transport.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *Driver) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.drain()
		}
	}
}

func (d *Driver) drain() {
	d.mu.Lock()
	mailbox := d.mailbox
	own := d.ownDB
	handler := d.handler
	lastSeen := d.lastSeen
	key := d.aeadKey
	d.mu.Unlock()
	if mailbox == nil || handler == nil {
		return
	}

	rows, err := mailbox.Query(`SELECT id, from_addr, payload FROM inbox WHERE id > ? ORDER BY id ASC;`, lastSeen)
	if err != nil {
		return
	}
	type row struct {
		id       int64
		fromAddr string
		payload  []byte
	}
	var pending []row
	var maxID int64
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.fromAddr, &r.payload); err != nil {
			continue
		}
		pending = append(pending, r)
		if r.id > maxID {
			maxID = r.id
		}
	}
	rows.Close()

	for _, r := range pending {
		if own != nil {
			nonce := make([]byte, 12)
			if _, err := rand.Read(nonce); err == nil {
				if ciphertext, err := seal(key, nonce, r.payload); err == nil {
					_, _ = own.Exec(`INSERT INTO conversation (peer_addr, nonce, ciphertext, created_at) VALUES (?, ?, ?, ?);`,
						r.fromAddr, nonce, ciphertext, time.Now().UTC().Format(time.RFC3339Nano))
				}
			}
		}
		handler(transport.Inbound{Payload: r.payload, Driver: "dm"})
	}

	if maxID > 0 {
		d.mu.Lock()
		d.lastSeen = maxID
		d.mu.Unlock()
	}
}

// Send writes payload, as-is, into the recipient's shared mailbox — this
// driver's stand-in for the XMTP network delivering a conversation message —
// and separately seals a copy into the sender's own local conversation store
// with its own deterministic key, mirroring what a real XMTP client persists
// locally after a successful send.
func (d *Driver) Send(ctx context.Context, recipientAddress string, payload []byte) transport.Result {
	d.mu.Lock()
	dir := d.cfg.InboxDir
	key := d.aeadKey
	selfAddr := d.address
	own := d.ownDB
	d.mu.Unlock()
	if dir == "" {
		dir = "./data/dm-inbox"
	}
	if selfAddr == "" {
		return transport.Result{Success: false, ErrorKind: transport.ErrNotInitialized, Detail: "driver not initialized"}
	}

	start := time.Now()
	recipientAddress = strings.ToLower(strings.TrimSpace(recipientAddress))

	mailboxDir := filepath.Join(dir, "mailbox")
	if err := os.MkdirAll(mailboxDir, 0o700); err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrUnreachable, Detail: err.Error()}
	}
	db, err := openSQLite(filepath.Join(mailboxDir, sanitizeFilename(recipientAddress)+".db"))
	if err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrUnreachable, Detail: err.Error()}
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS inbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_addr TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TEXT NOT NULL
		);`); err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrProtocol, Detail: err.Error()}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO inbox (from_addr, payload, created_at) VALUES (?, ?, ?);`,
		selfAddr, payload, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrUnreachable, Detail: err.Error()}
	}

	if own != nil {
		nonce := make([]byte, 12)
		if _, err := rand.Read(nonce); err == nil {
			if ciphertext, err := seal(key, nonce, payload); err == nil {
				_, _ = own.ExecContext(ctx, `INSERT INTO conversation (peer_addr, nonce, ciphertext, created_at) VALUES (?, ?, ?, ?);`,
					recipientAddress, nonce, ciphertext, time.Now().UTC().Format(time.RFC3339Nano))
			}
		}
	}

	return transport.Result{
		Success:   true,
		LatencyMs: time.Since(start).Milliseconds(),
		Detail:    "delivered to mailbox " + recipientAddress,
	}
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.stopped = true
	close(d.stop)
	var firstErr error
	if d.ownDB != nil {
		if err := d.ownDB.Close(); err != nil {
			firstErr = err
		}
	}
	if d.mailbox != nil {
		if err := d.mailbox.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Driver) Status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	connected := 0
	if d.ownDB != nil && d.mailbox != nil {
		connected = 1
	}
	return transport.Status{Connected: connected, Total: 1, Detail: "local inbox: " + d.address}
}

// deriveKey computes the deterministic DM-encryption key:
// sha256("xmtp-encryption-" || address || "-" || privKeyHex). Changing this
// orphans every identity's prior local store.
func deriveKey(address, privKeyHex string) [32]byte {
	return sha256.Sum256([]byte("xmtp-encryption-" + address + "-" + privKeyHex))
}

func seal(key [32]byte, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts a sealed conversation row; unexported, used by this
// package's tests to read sealed rows back.
func open(key [32]byte, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("dm: bad nonce size")
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func sanitizeFilename(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "0x"))
	return hex.EncodeToString([]byte(s))
}
