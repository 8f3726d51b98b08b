// Package broadcast implements the fan-out broadcaster: it initializes the
// enabled transport drivers concurrently, tolerates partial failure, and
// sends every outgoing payload over every initialized driver in parallel,
// collecting one Result per driver.
package broadcast

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reisepass/broadcast-On-All-Channels/internal/evidence"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/identity"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/idempotency"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/queue"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/telemetry"
)

// InvalidRecipientError is raised once, before any driver is contacted, when
// Send is given a recipient magnet link that doesn't decode.
type InvalidRecipientError struct {
	Reason string
}

func (e *InvalidRecipientError) Error() string {
	return fmt.Sprintf("broadcast: invalid recipient: %s", e.Reason)
}

// MessageHandler receives every inbound chat message once, after dedup.
type MessageHandler func(msg []byte, transportName string)

// ReceiptHandler receives every inbound receipt, duplicate or not.
type ReceiptHandler func(uuid, transportName string, isDuplicate bool)

// namedDriver pairs a driver with the name it is registered under; kept
// private so Broadcaster.drivers only ever holds successfully-constructed
// entries.
type namedDriver struct {
	driver transport.Driver
	name   string
}

// Broadcaster owns every transport driver and the evidence store. The
// multiplexer holds only a narrow callback into it (Send, for auto-ack); it
// never holds a reference to individual drivers.
type Broadcaster struct {
	mu      sync.RWMutex
	drivers []namedDriver
	ready   map[string]bool

	self  identity.Identity
	store *evidence.Store
	meter telemetry.Meter
	log   *telemetry.Logger
	dlq   queue.DLQStore

	onMessage []MessageHandler
	onReceipt []ReceiptHandler
}

// New constructs a Broadcaster over every driver the given Config enables.
// Drivers are constructed (not yet Init'd) here; Initialize performs the
// concurrent connect/authenticate/subscribe step.
func New(self identity.Identity, cfg Config, store *evidence.Store, meter telemetry.Meter, log *telemetry.Logger, dlq queue.DLQStore) *Broadcaster {
	if meter == nil {
		meter = telemetry.NopMeterInstance
	}
	if dlq == nil {
		dlq = NewMemDLQ()
	}
	b := &Broadcaster{
		self:  self,
		store: store,
		meter: meter,
		log:   log,
		dlq:   dlq,
		ready: map[string]bool{},
	}
	for _, d := range buildDrivers(cfg) {
		b.drivers = append(b.drivers, d)
	}
	return b
}

func buildDrivers(cfg Config) []namedDriver {
	var out []namedDriver
	if cfg.XMTPEnabled {
		out = append(out, namedDriver{driver: newDMDriver(cfg), name: "dm"})
	}
	if cfg.NostrEnabled {
		out = append(out, namedDriver{driver: newNostrDriver(cfg), name: "nostr"})
	}
	if cfg.MQTTEnabled {
		out = append(out, namedDriver{driver: newMQTTDriver(cfg), name: "mqtt"})
	}
	if cfg.WakuEnabled {
		out = append(out, namedDriver{driver: newMeshDriver(cfg), name: "mesh"})
	}
	if cfg.IrohEnabled {
		out = append(out, namedDriver{driver: newP2PDriver(cfg), name: "p2p"})
	}
	return out
}

// OnMessage registers a handler fired once per deduplicated inbound message,
// in declaration order.
func (b *Broadcaster) OnMessage(h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = append(b.onMessage, h)
}

// OnReceipt registers a handler fired for every inbound receipt, including
// duplicates.
func (b *Broadcaster) OnReceipt(h ReceiptHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReceipt = append(b.onReceipt, h)
}

// NotifyMessage fires every registered OnMessage handler in declaration
// order. Called by internal/multiplex once per deduplicated inbound
// message; exported so the multiplexer doesn't need a broader view of the
// Broadcaster than "fire my registered callbacks."
func (b *Broadcaster) NotifyMessage(payload []byte, transportName string) {
	b.fireMessage(payload, transportName)
}

// NotifyReceipt fires every registered OnReceipt handler, including for
// duplicate receipts.
func (b *Broadcaster) NotifyReceipt(uuid, transportName string, isDuplicate bool) {
	b.fireReceipt(uuid, transportName, isDuplicate)
}

func (b *Broadcaster) fireMessage(payload []byte, transportName string) {
	b.mu.RLock()
	handlers := append([]MessageHandler(nil), b.onMessage...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload, transportName)
	}
}

func (b *Broadcaster) fireReceipt(uuid, transportName string, dup bool) {
	b.mu.RLock()
	handlers := append([]ReceiptHandler(nil), b.onReceipt...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(uuid, transportName, dup)
	}
}

// Drivers returns every configured driver so internal/multiplex can register
// its single fan-in callback on each one without this package needing to
// import it (avoiding a cycle).
func (b *Broadcaster) Drivers() []transport.Driver {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]transport.Driver, 0, len(b.drivers))
	for _, d := range b.drivers {
		out = append(out, d.driver)
	}
	return out
}

// Initialize connects every configured driver concurrently, allSettled-style:
// individual failures are logged as warnings and the driver is dropped from
// the ready set, never fatal. If zero drivers initialize, Initialize still
// returns nil.
func (b *Broadcaster) Initialize(ctx context.Context) error {
	b.mu.RLock()
	drivers := append([]namedDriver(nil), b.drivers...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	results := make([]error, len(drivers))
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d namedDriver) {
			defer wg.Done()
			results[i] = d.driver.Init(ctx, adaptIdentity(b.self), nil)
		}(i, d)
	}
	wg.Wait()

	b.mu.Lock()
	for i, d := range drivers {
		if results[i] != nil {
			if b.log != nil {
				b.log.Warn(ctx, "driver init failed", map[string]any{"driver": d.name, "error": results[i].Error()})
			}
			continue
		}
		b.ready[d.name] = true
	}
	b.mu.Unlock()
	return nil
}

// Send launches one send per initialized driver in parallel and collects
// every result, including timings measured by the broadcaster's own clock
// (not the driver's). A malformed recipient magnet produces a single
// InvalidRecipientError before any driver is contacted.
func (b *Broadcaster) Send(ctx context.Context, recipientMagnet string, payload []byte) ([]transport.Result, error) {
	recipient, err := identity.Decode(recipientMagnet)
	if err != nil {
		return nil, &InvalidRecipientError{Reason: err.Error()}
	}

	b.mu.RLock()
	drivers := append([]namedDriver(nil), b.drivers...)
	ready := make(map[string]bool, len(b.ready))
	for k, v := range b.ready {
		ready[k] = v
	}
	b.mu.RUnlock()

	type job struct {
		name string
		addr string
		d    transport.Driver
	}
	var jobs []job
	for _, d := range drivers {
		if !ready[d.name] {
			continue
		}
		addr, err := recipient.AddressFor(protocolFor(d.name))
		if err != nil {
			continue
		}
		jobs = append(jobs, job{name: d.name, addr: addr, d: d.driver})
	}

	results := make([]transport.Result, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			env, _ := queue.NormalizeEnvelope(queue.Envelope{
				Type:       "transport.send",
				DedupKey:   b.dedupKey(j.name, j.addr, payload),
				Attempt:    0,
				ProducedAt: time.Now().UTC(),
			})
			_ = env

			start := time.Now()
			res := j.d.Send(ctx, j.addr, payload)
			res.Driver = j.name
			res.LatencyMs = time.Since(start).Milliseconds()
			results[i] = res

			acked := res.Success
			var lat *int64
			if res.Success {
				l := res.LatencyMs
				lat = &l
			}
			if b.store != nil {
				_ = b.store.UpdateProtocolAggregate(ctx, j.name, acked, lat, time.Now().UTC())
			}
			_ = telemetry.IncCounter(b.meter, ctx, "broadcast_send_total", 1, telemetry.Labels{
				"driver":  j.name,
				"success": boolLabel(res.Success),
			})
		}(i, j)
	}
	wg.Wait()

	if allFailed(results) && len(results) > 0 {
		b.recordDLQ(ctx, recipientMagnet, payload, results)
	}

	return results, nil
}

func (b *Broadcaster) dedupKey(driver, addr string, payload []byte) string {
	key, err := idempotency.BuildKey("local", "send", driver, addr, string(payload))
	if err != nil {
		return ""
	}
	return key
}

func (b *Broadcaster) recordDLQ(ctx context.Context, recipient string, payload []byte, results []transport.Result) {
	var reasons []string
	for _, r := range results {
		reasons = append(reasons, fmt.Sprintf("%s:%s", r.Driver, r.ErrorKind))
	}
	env, err := queue.NormalizeEnvelope(queue.Envelope{
		Type:    "transport.send",
		Payload: payload,
	})
	if err != nil {
		return
	}
	rec, err := queue.NewDLQRecord("broadcast", env, len(results), strings.Join(reasons, ","), time.Time{})
	if err != nil {
		return
	}
	rec.Extra = map[string]string{"recipient": recipient}
	if err := b.dlq.Put(ctx, rec); err != nil && b.log != nil {
		b.log.Warn(ctx, "dlq write failed", map[string]any{"error": err.Error()})
	}
}

// HealthSnapshot reports one ComponentStatus per configured driver, derived
// from its own Status(): fatal when nothing is connected, degraded when
// partially connected, ok otherwise. Drivers that never initialized still
// appear, so a caller can tell "never ready" apart from "not configured."
func (b *Broadcaster) HealthSnapshot(nodeID string) (telemetry.HealthSnapshot, error) {
	b.mu.RLock()
	drivers := append([]namedDriver(nil), b.drivers...)
	b.mu.RUnlock()

	now := time.Now().UTC()
	comps := make([]telemetry.ComponentStatus, 0, len(drivers))
	for _, d := range drivers {
		st := d.driver.Status()
		status := telemetry.StatusOK
		switch {
		case st.Connected == 0:
			status = telemetry.StatusFatal
		case st.Connected < st.Total:
			status = telemetry.StatusDegraded
		}
		comps = append(comps, telemetry.ComponentStatus{
			Name:      d.name,
			Status:    status,
			CheckedAt: now,
			Message:   st.Detail,
			Details: map[string]string{
				"connected": strconv.Itoa(st.Connected),
				"total":     strconv.Itoa(st.Total),
			},
		})
	}
	return telemetry.NewHealthSnapshot("broadcastd", nodeID, comps, now)
}

// Shutdown fans out Shutdown to every driver, ignoring individual errors.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	b.mu.RLock()
	drivers := append([]namedDriver(nil), b.drivers...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, d := range drivers {
		wg.Add(1)
		go func(d namedDriver) {
			defer wg.Done()
			if err := d.driver.Shutdown(ctx); err != nil && b.log != nil {
				b.log.Warn(ctx, "driver shutdown error", map[string]any{"driver": d.name, "error": err.Error()})
			}
		}(d)
	}
	wg.Wait()
	return nil
}

func allFailed(results []transport.Result) bool {
	for _, r := range results {
		if r.Success {
			return false
		}
	}
	return true
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func protocolFor(driverName string) identity.Protocol {
	switch driverName {
	case "dm":
		return identity.ProtocolDM
	case "nostr":
		return identity.ProtocolNostr
	case "mqtt":
		return identity.ProtocolMQTT
	case "mesh":
		return identity.ProtocolMesh
	case "p2p":
		return identity.ProtocolP2P
	default:
		return ""
	}
}

// adaptIdentity bridges pkg/identity.Identity into the minimal
// transport.Identity view, keeping internal/transport free of a dependency
// on the concrete identity package, avoiding a cyclic import.
type identityAdapter struct {
	id identity.Identity
}

func (a identityAdapter) Secp256k1PrivHex() string { return a.id.Secp256k1PrivHex() }
func (a identityAdapter) EthAddress() string        { return a.id.EthAddress() }
func (a identityAdapter) NostrPubKey() string       { return a.id.NostrPubKey() }
func (a identityAdapter) PubSubIdentifier() string  { return a.id.PubSubIdentifier() }
func (a identityAdapter) NodeID() string            { return a.id.NodeID() }
func (a identityAdapter) Ed25519PrivateKey() ed25519.PrivateKey { return a.id.Ed25519Priv }

func adaptIdentity(id identity.Identity) transport.Identity {
	return identityAdapter{id: id}
}
