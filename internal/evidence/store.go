// Package evidence is the durable, on-disk record of every message sent or
// received, every delivery receipt, per-peer channel preferences, and
// per-protocol aggregate stats. It is backed by SQLite in WAL mode with a
// 10s busy timeout, and wraps every mutation in a retry-with-backoff loop on
// SQLITE_BUSY.
package evidence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/reisepass/broadcast-On-All-Channels/pkg/telemetry"
)

var (
	// ErrInvalidInput indicates a caller passed a malformed argument.
	ErrInvalidInput = errors.New("evidence: invalid input")
	// ErrNotFound indicates no matching row.
	ErrNotFound = errors.New("evidence: not found")
	// ErrBusyExhausted indicates the busy-retry budget was spent without success.
	ErrBusyExhausted = errors.New("evidence: busy_exhausted")
)

const (
	maxBusyAttempts  = 5
	baseBusyDelay    = 100 * time.Millisecond
	busyMultiplier   = 2
	maxBusyJitter    = 50 * time.Millisecond
	defaultListLimit = 1000
	maxListLimit     = 100000
)

// Clock supplies the current time; overridable for tests.
type Clock func() time.Time

type Options struct {
	Clock  Clock
	Meter  telemetry.Meter
	Logger *telemetry.Logger
}

// Store is the evidence-store handle. One Store per on-disk file per user.
type Store struct {
	db     *sql.DB
	clock  Clock
	meter  telemetry.Meter
	logger *telemetry.Logger
}

// Message is a stored chat message or acknowledgment. ToMagnetLink is set
// only when the message originated from a local Send (the recipient is
// known); inbound messages leave it empty, since nothing in the wire
// envelope names a "to" (messages are implicitly addressed to whoever is
// listening on the identity's channels).
type Message struct {
	UUID           string
	Type           string
	Content        string
	TimestampMs    int64
	FromMagnetLink string
	ToMagnetLink   string
	AckOfUUID      string
	ReceivedVia    string
	CreatedAt      time.Time
}

type Receipt struct {
	ID          int64
	MessageUUID string
	Protocol    string
	Server      string
	ReceivedAt  time.Time
	LatencyMs   int64
}

type PeerChannelPreference struct {
	Identity        string
	Protocol        string
	IsWorking       bool
	LastAckAt       *time.Time
	AvgLatencyMs    *int64
	PreferenceOrder *int
	CannotUse       bool
}

type ProtocolAggregate struct {
	Protocol     string
	TotalSent    int64
	TotalAcked   int64
	AvgLatencyMs *int64
	LastUsedAt   time.Time
}

// Open opens (creating if needed) the SQLite database at path, enables WAL
// mode and a 10s busy timeout, creates the schema if absent, and applies any
// pending detect-and-add migrations.
func Open(path string, opts Options) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: path required", ErrInvalidInput)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Meter == nil {
		opts.Meter = telemetry.NopMeterInstance
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("evidence: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer, serialized access.

	s := &Store{db: db, clock: opts.Clock, meter: opts.Meter, logger: opts.Logger}

	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			from_magnet TEXT NOT NULL,
			to_magnet TEXT NOT NULL DEFAULT '',
			ack_of_uuid TEXT NOT NULL DEFAULT '',
			received_via TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_uuid ON messages(uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_from_to ON messages(from_magnet, to_magnet);`,

		`CREATE TABLE IF NOT EXISTS receipts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_uuid TEXT NOT NULL,
			protocol TEXT NOT NULL,
			server TEXT,
			received_at TEXT NOT NULL,
			latency_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_uuid ON receipts(message_uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_server ON receipts(server);`,

		`CREATE TABLE IF NOT EXISTS peer_channel_preferences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identity TEXT NOT NULL,
			protocol TEXT NOT NULL,
			is_working INTEGER NOT NULL DEFAULT 0,
			last_ack_at TEXT,
			avg_latency_ms INTEGER,
			preference_order INTEGER,
			cannot_use INTEGER NOT NULL DEFAULT 0,
			UNIQUE(identity, protocol)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_prefs_identity ON peer_channel_preferences(identity);`,

		`CREATE TABLE IF NOT EXISTS protocol_aggregates (
			protocol TEXT PRIMARY KEY,
			total_sent INTEGER NOT NULL DEFAULT 0,
			total_acked INTEGER NOT NULL DEFAULT 0,
			avg_latency_ms INTEGER,
			last_used_at TEXT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("evidence: ensure schema: %w", err)
		}
	}
	return nil
}

// migrate applies the "detect-and-add" pattern: on open, if a table lacks a
// column this version expects, add it (null-filled). Only the
// receipts.server column is documented in the wire schema so far, but the
// pattern is written generically so future columns follow the same path.
func (s *Store) migrate(ctx context.Context) error {
	return s.addColumnIfMissing(ctx, "receipts", "server", "TEXT")
}

func (s *Store) addColumnIfMissing(ctx context.Context, table, column, ddlType string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return fmt.Errorf("evidence: migrate: table_info(%s): %w", table, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("evidence: migrate: scan table_info: %w", err)
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("evidence: migrate: table_info rows: %w", err)
	}
	if found {
		return nil
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, ddlType)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("evidence: migrate: add column %s.%s: %w", table, column, err)
	}
	return nil
}

// withBusyRetry retries fn up to maxBusyAttempts times on SQLITE_BUSY, with
// exponential backoff and bounded jitter. Any non-busy error propagates
// immediately.
func (s *Store) withBusyRetry(ctx context.Context, key string, fn func() error) error {
	delay := baseBusyDelay
	var lastErr error
	for attempt := 0; attempt < maxBusyAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		if s.logger != nil {
			s.logger.Warn(ctx, "evidence store busy, retrying", map[string]any{"attempt": attempt + 1, "key": key})
		}
		if attempt == maxBusyAttempts-1 {
			break
		}
		wait := delay + deterministicJitter(key, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= busyMultiplier
	}
	return fmt.Errorf("%w: %s: %v", ErrBusyExhausted, key, lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// deterministicJitter derives a reproducible sub-maxBusyJitter delay from a
// key and attempt number, avoiding a dependency on math/rand for a value
// that only needs to spread out contending writers, not be unpredictable.
func deterministicJitter(key string, attempt int) time.Duration {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	v := binary.BigEndian.Uint64(h[:8])
	return time.Duration(v % uint64(maxBusyJitter))
}

// SaveMessage is idempotent on uuid: insert-or-ignore. Returns inserted=true
// only if this call created the row.
func (s *Store) SaveMessage(ctx context.Context, m Message) (inserted bool, err error) {
	if strings.TrimSpace(m.UUID) == "" {
		return false, fmt.Errorf("%w: uuid required", ErrInvalidInput)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock()
	}
	err = s.withBusyRetry(ctx, "save_message:"+m.UUID, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages
				(uuid, type, content, timestamp_ms, from_magnet, to_magnet, ack_of_uuid, received_via, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			m.UUID, m.Type, m.Content, m.TimestampMs, m.FromMagnetLink, m.ToMagnetLink, m.AckOfUUID, m.ReceivedVia, m.CreatedAt.UTC().Format(time.RFC3339Nano))
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// GetMessage returns the message with this uuid, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, uuid string) (Message, error) {
	var m Message
	var createdAt string
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, type, content, timestamp_ms, from_magnet, to_magnet, ack_of_uuid, received_via, created_at
		FROM messages WHERE uuid = ?;`, uuid)
	err := row.Scan(&m.UUID, &m.Type, &m.Content, &m.TimestampMs, &m.FromMagnetLink, &m.ToMagnetLink, &m.AckOfUUID, &m.ReceivedVia, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("evidence: get message: %w", err)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return m, nil
}

// ListAllMessages returns up to limit messages ordered by insertion. This is
// the explicit replacement for an ambiguous "get all" query the source left
// undocumented; callers decide what "all" means by supplying limit.
func (s *Store) ListAllMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, type, content, timestamp_ms, from_magnet, to_magnet, ack_of_uuid, received_via, created_at
		FROM messages ORDER BY id ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("evidence: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.UUID, &m.Type, &m.Content, &m.TimestampMs, &m.FromMagnetLink, &m.ToMagnetLink, &m.AckOfUUID, &m.ReceivedVia, &createdAt); err != nil {
			return nil, fmt.Errorf("evidence: list messages scan: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveReceipt always appends; it never updates an existing row.
func (s *Store) SaveReceipt(ctx context.Context, r Receipt) error {
	if strings.TrimSpace(r.MessageUUID) == "" || strings.TrimSpace(r.Protocol) == "" {
		return fmt.Errorf("%w: message_uuid and protocol required", ErrInvalidInput)
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = s.clock()
	}
	var server sql.NullString
	if strings.TrimSpace(r.Server) != "" {
		server = sql.NullString{String: r.Server, Valid: true}
	}
	return s.withBusyRetry(ctx, "save_receipt:"+r.MessageUUID, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO receipts (message_uuid, protocol, server, received_at, latency_ms)
			VALUES (?, ?, ?, ?, ?);`,
			r.MessageUUID, r.Protocol, server, r.ReceivedAt.UTC().Format(time.RFC3339Nano), r.LatencyMs)
		return err
	})
}

// ListReceipts returns receipts for uuid ordered by received_at, ties broken
// by insertion (row id) order — the first element is the "first-receipt
// transport".
func (s *Store) ListReceipts(ctx context.Context, uuid string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_uuid, protocol, server, received_at, latency_ms
		FROM receipts WHERE message_uuid = ? ORDER BY received_at ASC, id ASC;`, uuid)
	if err != nil {
		return nil, fmt.Errorf("evidence: list receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var server sql.NullString
		var receivedAt string
		if err := rows.Scan(&r.ID, &r.MessageUUID, &r.Protocol, &server, &receivedAt, &r.LatencyMs); err != nil {
			return nil, fmt.Errorf("evidence: list receipts scan: %w", err)
		}
		if server.Valid {
			r.Server = server.String
		}
		r.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdatePeerPreference upserts keyed on (identity, protocol). preferenceOrder
// is coalesced (kept at its prior value) when nil is supplied.
func (s *Store) UpdatePeerPreference(ctx context.Context, p PeerChannelPreference) error {
	if strings.TrimSpace(p.Identity) == "" || strings.TrimSpace(p.Protocol) == "" {
		return fmt.Errorf("%w: identity and protocol required", ErrInvalidInput)
	}
	var lastAck sql.NullString
	if p.LastAckAt != nil {
		lastAck = sql.NullString{String: p.LastAckAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	var avgLatency sql.NullInt64
	if p.AvgLatencyMs != nil {
		avgLatency = sql.NullInt64{Int64: *p.AvgLatencyMs, Valid: true}
	}
	var prefOrder sql.NullInt64
	if p.PreferenceOrder != nil {
		prefOrder = sql.NullInt64{Int64: int64(*p.PreferenceOrder), Valid: true}
	}

	return s.withBusyRetry(ctx, "update_pref:"+p.Identity+":"+p.Protocol, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO peer_channel_preferences
				(identity, protocol, is_working, last_ack_at, avg_latency_ms, preference_order, cannot_use)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(identity, protocol) DO UPDATE SET
				is_working = excluded.is_working,
				last_ack_at = COALESCE(excluded.last_ack_at, peer_channel_preferences.last_ack_at),
				avg_latency_ms = COALESCE(excluded.avg_latency_ms, peer_channel_preferences.avg_latency_ms),
				preference_order = COALESCE(excluded.preference_order, peer_channel_preferences.preference_order),
				cannot_use = excluded.cannot_use;`,
			p.Identity, p.Protocol, boolToInt(p.IsWorking), lastAck, avgLatency, prefOrder, boolToInt(p.CannotUse))
		return err
	})
}

func (s *Store) GetPeerPreference(ctx context.Context, identity, protocol string) (PeerChannelPreference, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, protocol, is_working, last_ack_at, avg_latency_ms, preference_order, cannot_use
		FROM peer_channel_preferences WHERE identity = ? AND protocol = ?;`, identity, protocol)

	var (
		p          PeerChannelPreference
		isWorking  int
		lastAck    sql.NullString
		avgLatency sql.NullInt64
		prefOrder  sql.NullInt64
		cannotUse  int
	)
	err := row.Scan(&p.Identity, &p.Protocol, &isWorking, &lastAck, &avgLatency, &prefOrder, &cannotUse)
	if errors.Is(err, sql.ErrNoRows) {
		return PeerChannelPreference{}, ErrNotFound
	}
	if err != nil {
		return PeerChannelPreference{}, fmt.Errorf("evidence: get peer preference: %w", err)
	}
	p.IsWorking = isWorking != 0
	p.CannotUse = cannotUse != 0
	if lastAck.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastAck.String)
		p.LastAckAt = &t
	}
	if avgLatency.Valid {
		v := avgLatency.Int64
		p.AvgLatencyMs = &v
	}
	if prefOrder.Valid {
		v := int(prefOrder.Int64)
		p.PreferenceOrder = &v
	}
	return p, nil
}

// UpdateProtocolAggregate increments totalSent by 1, totalAcked by 1 if
// acked, and folds latencyMs into avgLatencyMs via the deliberate
// exponential-recency rule: new = supplied if prior is null, else
// floor((prior+supplied)/2). This is not a true mean; it is kept for
// bit-compatibility with the rule this engine was modeled on.
func (s *Store) UpdateProtocolAggregate(ctx context.Context, protocol string, acked bool, latencyMs *int64, now time.Time) error {
	protocol = strings.TrimSpace(protocol)
	if protocol == "" {
		return fmt.Errorf("%w: protocol required", ErrInvalidInput)
	}
	if now.IsZero() {
		now = s.clock()
	}

	return s.withBusyRetry(ctx, "update_aggregate:"+protocol, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var priorAvg sql.NullInt64
		var totalSent, totalAcked int64
		row := tx.QueryRowContext(ctx, `SELECT total_sent, total_acked, avg_latency_ms FROM protocol_aggregates WHERE protocol = ?;`, protocol)
		err = row.Scan(&totalSent, &totalAcked, &priorAvg)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
			err = nil
		}
		if err != nil {
			return err
		}

		totalSent++
		if acked {
			totalAcked++
		}

		var newAvg sql.NullInt64
		switch {
		case latencyMs == nil && priorAvg.Valid:
			newAvg = priorAvg
		case latencyMs == nil:
			newAvg = sql.NullInt64{}
		case !priorAvg.Valid:
			newAvg = sql.NullInt64{Int64: *latencyMs, Valid: true}
		default:
			newAvg = sql.NullInt64{Int64: (priorAvg.Int64 + *latencyMs) / 2, Valid: true}
		}

		if !exists {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO protocol_aggregates (protocol, total_sent, total_acked, avg_latency_ms, last_used_at)
				VALUES (?, ?, ?, ?, ?);`,
				protocol, totalSent, totalAcked, newAvg, now.UTC().Format(time.RFC3339Nano))
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE protocol_aggregates SET total_sent = ?, total_acked = ?, avg_latency_ms = ?, last_used_at = ?
				WHERE protocol = ?;`,
				totalSent, totalAcked, newAvg, now.UTC().Format(time.RFC3339Nano), protocol)
		}
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) GetProtocolAggregate(ctx context.Context, protocol string) (ProtocolAggregate, error) {
	var (
		a          ProtocolAggregate
		priorAvg   sql.NullInt64
		lastUsedAt string
	)
	row := s.db.QueryRowContext(ctx, `SELECT protocol, total_sent, total_acked, avg_latency_ms, last_used_at FROM protocol_aggregates WHERE protocol = ?;`, protocol)
	err := row.Scan(&a.Protocol, &a.TotalSent, &a.TotalAcked, &priorAvg, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProtocolAggregate{}, ErrNotFound
	}
	if err != nil {
		return ProtocolAggregate{}, fmt.Errorf("evidence: get protocol aggregate: %w", err)
	}
	if priorAvg.Valid {
		v := priorAvg.Int64
		a.AvgLatencyMs = &v
	}
	a.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsedAt)
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
