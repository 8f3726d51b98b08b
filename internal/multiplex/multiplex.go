// Package multiplex implements the listener multiplexer: it fans in inbound
// events from every transport driver, deduplicates by message uuid against
// a bounded seen-set, records evidence, dispatches registered handlers,
// updates peer channel preferences on acks, and auto-acknowledges everything
// else by broadcasting back over every transport (not only the one the
// message arrived on).
package multiplex

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/reisepass/broadcast-On-All-Channels/internal/broadcast"
	"github.com/reisepass/broadcast-On-All-Channels/internal/evidence"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/envelope"
	pkgerrors "github.com/reisepass/broadcast-On-All-Channels/pkg/errors"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/telemetry"
)

const shutdownGrace = 5 * time.Second

// Options configures a Multiplexer.
type Options struct {
	SeenCapacity int
	SeenTTL      time.Duration
	Logger       *telemetry.Logger
	Meter        telemetry.Meter
}

// Multiplexer holds only a narrow view of the Broadcaster — Send (to fire
// auto-acks) and NotifyMessage/NotifyReceipt (to drive registered external
// handlers) — never the individual drivers, to avoid cyclic ownership
// between the two packages.
type Multiplexer struct {
	store      *evidence.Store
	caster     *broadcast.Broadcaster
	selfMagnet string
	logger     *telemetry.Logger
	meter      telemetry.Meter

	seen *seenSet

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Multiplexer. Wire must be called once to attach it to
// every driver the Broadcaster owns.
func New(store *evidence.Store, caster *broadcast.Broadcaster, selfMagnet string, opts Options) *Multiplexer {
	if opts.Meter == nil {
		opts.Meter = telemetry.NopMeterInstance
	}
	return &Multiplexer{
		store:      store,
		caster:     caster,
		selfMagnet: selfMagnet,
		logger:     opts.Logger,
		meter:      opts.Meter,
		seen:       newSeenSet(opts.SeenCapacity, opts.SeenTTL),
		stopped:    make(chan struct{}),
	}
}

// Wire registers this multiplexer's inbound handler on every driver the
// Broadcaster currently owns. Call after Broadcaster.Initialize.
func (m *Multiplexer) Wire() {
	for _, d := range m.caster.Drivers() {
		d.OnInbound(m.handleInbound)
	}
}

// handleInbound runs the dedup-record-dispatch-ack pipeline for one driver's
// inbound event. Within a single transport, events are processed in arrival
// order (the driver invokes this synchronously per event); across
// transports there is no ordering, which is why dedup, not ordering, is what
// makes this correct under interleaving.
func (m *Multiplexer) handleInbound(in transport.Inbound) {
	select {
	case <-m.stopped:
		return
	default:
	}
	m.wg.Add(1)
	defer m.wg.Done()

	ctx := context.Background()
	now := time.Now().UTC()

	msg, ok := envelope.Deserialize(in.Payload)
	if !ok {
		if m.logger != nil {
			m.logger.Warn(ctx, "dropping undeserializable inbound payload", map[string]any{"driver": in.Driver})
		}
		_ = telemetry.IncCounter(m.meter, ctx, "multiplex_deserialize_failed_total", 1, telemetry.Labels{"driver": in.Driver})
		return
	}

	latencyMs := now.UnixMilli() - msg.Timestamp

	if m.seen.CheckAndInsert(msg.UUID, now) {
		// Duplicate receipt: record evidence only, no Message insert, no
		// handler fire, no auto-ack.
		if m.store != nil {
			_ = m.store.SaveReceipt(ctx, evidence.Receipt{
				MessageUUID: msg.UUID,
				Protocol:    in.Driver,
				Server:      in.ServerTag,
				ReceivedAt:  now,
				LatencyMs:   latencyMs,
			})
		}
		m.caster.NotifyReceipt(msg.UUID, in.Driver, true)
		return
	}

	if m.store != nil {
		_, _ = m.store.SaveMessage(ctx, evidence.Message{
			UUID:           msg.UUID,
			Type:           string(msg.Type),
			Content:        msg.Content,
			TimestampMs:    msg.Timestamp,
			FromMagnetLink: msg.FromMagnetLink,
			AckOfUUID:      msg.AckOfUUID,
			ReceivedVia:    in.Driver,
		})
		_ = m.store.SaveReceipt(ctx, evidence.Receipt{
			MessageUUID: msg.UUID,
			Protocol:    in.Driver,
			Server:      in.ServerTag,
			ReceivedAt:  now,
			LatencyMs:   latencyMs,
		})
	}

	m.caster.NotifyMessage(in.Payload, in.Driver)
	m.caster.NotifyReceipt(msg.UUID, in.Driver, false)

	if msg.IsAck() {
		m.handleAck(ctx, msg, in.Driver, now, latencyMs)
		return
	}

	m.autoAck(ctx, msg, in.Driver)
}

// handleAck updates peer channel preferences for the transport an ack
// arrived on and for every channel preference it carries, and logs an
// orphan ack when ackOfUuid names a message this store never observed.
func (m *Multiplexer) handleAck(ctx context.Context, msg envelope.Message, viaDriver string, now time.Time, latencyMs int64) {
	if m.store == nil {
		return
	}

	lat := latencyMs
	_ = m.store.UpdatePeerPreference(ctx, evidence.PeerChannelPreference{
		Identity:     msg.FromMagnetLink,
		Protocol:     viaDriver,
		IsWorking:    true,
		LastAckAt:    &now,
		AvgLatencyMs: &lat,
		CannotUse:    false,
	})

	for _, pref := range msg.ChannelPreferences {
		order := pref.PreferenceOrder
		_ = m.store.UpdatePeerPreference(ctx, evidence.PeerChannelPreference{
			Identity:        msg.FromMagnetLink,
			Protocol:        pref.Protocol,
			IsWorking:       !pref.CannotUse,
			PreferenceOrder: &order,
			CannotUse:       pref.CannotUse,
		})
	}

	if msg.AckOfUUID == "" {
		return
	}
	if _, err := m.store.GetMessage(ctx, msg.AckOfUUID); errors.Is(err, evidence.ErrNotFound) {
		if m.logger != nil {
			m.logger.Warn(ctx, "orphan acknowledgment", map[string]any{
				"code":        string(pkgerrors.OrphanAck),
				"ack_uuid":    msg.UUID,
				"ack_of_uuid": msg.AckOfUUID,
			})
		}
	}
}

// autoAck broadcasts an acknowledgment over every transport, regardless of
// which one msg arrived on — deliberate redundancy across every transport.
func (m *Multiplexer) autoAck(ctx context.Context, msg envelope.Message, viaDriver string) {
	ack := envelope.CreateAcknowledgment(msg, viaDriver, m.selfMagnet, nil)
	payload, err := envelope.Serialize(ack)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn(ctx, "failed to serialize auto-ack", map[string]any{"error": err.Error()})
		}
		return
	}
	if _, err := m.caster.Send(ctx, msg.FromMagnetLink, payload); err != nil {
		if m.logger != nil {
			m.logger.Warn(ctx, "auto-ack send failed", map[string]any{"error": err.Error(), "ack_of_uuid": msg.UUID})
		}
	}
}

// Shutdown signals the multiplexer's own bookkeeping to stop accepting new
// inbound events and waits up to a 5s grace period for in-flight pipeline
// invocations to finish. Driver listen-loop teardown itself is
// Broadcaster.Shutdown's responsibility.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopped) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownGrace):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
