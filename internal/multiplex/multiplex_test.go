package multiplex

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/reisepass/broadcast-On-All-Channels/internal/broadcast"
	"github.com/reisepass/broadcast-On-All-Channels/internal/evidence"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/envelope"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/identity"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/telemetry"
)

func newTestFixture(t *testing.T) (*Multiplexer, *evidence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := evidence.Open(filepath.Join(dir, "evidence.db"), evidence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate self identity: %v", err)
	}
	selfMagnet, err := identity.Encode(self)
	if err != nil {
		t.Fatalf("encode self identity: %v", err)
	}

	// Zero transports enabled: Config{} leaves every *Enabled flag false, so
	// the Broadcaster owns no drivers and Send is a pure no-op fan-out.
	caster := broadcast.New(self, broadcast.Config{}, store, telemetry.NopMeterInstance, telemetry.Nop, nil)

	mp := New(store, caster, selfMagnet, Options{})
	return mp, store, selfMagnet
}

func peerMagnet(t *testing.T) string {
	t.Helper()
	peer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate peer identity: %v", err)
	}
	magnet, err := identity.Encode(peer)
	if err != nil {
		t.Fatalf("encode peer identity: %v", err)
	}
	return magnet
}

func TestHandleInboundStoresMessageOnce(t *testing.T) {
	mp, store, _ := newTestFixture(t)
	from := peerMagnet(t)

	msg := envelope.NewMessage("hello", from)
	payload, err := envelope.Serialize(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var fired int
	mp.caster.OnMessage(func([]byte, string) { fired++ })

	in := transport.Inbound{Payload: payload, Driver: "nostr"}
	mp.handleInbound(in)
	mp.handleInbound(in) // duplicate arrival on the same transport

	got, err := store.GetMessage(context.Background(), msg.UUID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("unexpected content %q", got.Content)
	}

	receipts, err := store.ListReceipts(context.Background(), msg.UUID)
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts (first-seen + duplicate), got %d", len(receipts))
	}
	if fired != 1 {
		t.Fatalf("expected handler to fire exactly once, got %d", fired)
	}
}

func TestHandleInboundDropsUndeserializablePayload(t *testing.T) {
	mp, _, _ := newTestFixture(t)
	var fired int
	mp.caster.OnMessage(func([]byte, string) { fired++ })

	mp.handleInbound(transport.Inbound{Payload: []byte("not json"), Driver: "mqtt"})

	if fired != 0 {
		t.Fatalf("undeserializable payload should never reach a handler")
	}
}

func TestHandleInboundAckUpdatesPeerPreference(t *testing.T) {
	mp, store, selfMagnet := newTestFixture(t)
	from := peerMagnet(t)

	original := envelope.NewMessage("ping", selfMagnet)
	if _, err := store.SaveMessage(context.Background(), evidence.Message{
		UUID: original.UUID, Type: "message", Content: "ping", FromMagnetLink: selfMagnet,
	}); err != nil {
		t.Fatalf("seed original message: %v", err)
	}

	ack := envelope.CreateAcknowledgment(original, "mqtt", from, []envelope.ChannelPreference{
		{Protocol: "nostr", PreferenceOrder: 1},
	})
	payload, err := envelope.Serialize(ack)
	if err != nil {
		t.Fatalf("serialize ack: %v", err)
	}

	mp.handleInbound(transport.Inbound{Payload: payload, Driver: "mqtt"})

	pref, err := store.GetPeerPreference(context.Background(), from, "mqtt")
	if err != nil {
		t.Fatalf("get peer preference: %v", err)
	}
	if !pref.IsWorking {
		t.Fatalf("expected mqtt preference to be marked working after an ack arrived on it")
	}

	nostrPref, err := store.GetPeerPreference(context.Background(), from, "nostr")
	if err != nil {
		t.Fatalf("get nostr peer preference: %v", err)
	}
	if nostrPref.PreferenceOrder == nil || *nostrPref.PreferenceOrder != 1 {
		t.Fatalf("expected channel preference entry to be upserted, got %+v", nostrPref)
	}
}

func TestHandleInboundOrphanAckIsLoggedNotFatal(t *testing.T) {
	var buf bytes.Buffer
	log := telemetry.NewLogger(&buf, telemetry.Options{Service: "test", Level: telemetry.LevelWarn})

	dir := t.TempDir()
	store, err := evidence.Open(filepath.Join(dir, "evidence.db"), evidence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate self: %v", err)
	}
	selfMagnet, err := identity.Encode(self)
	if err != nil {
		t.Fatalf("encode self: %v", err)
	}
	caster := broadcast.New(self, broadcast.Config{}, store, telemetry.NopMeterInstance, log, nil)
	mp := New(store, caster, selfMagnet, Options{Logger: log})

	from := peerMagnet(t)
	ack := envelope.CreateAcknowledgment(envelope.Message{UUID: "unknown-uuid-never-stored"}, "p2p", from, nil)
	payload, err := envelope.Serialize(ack)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	mp.handleInbound(transport.Inbound{Payload: payload, Driver: "p2p"})

	if !strings.Contains(buf.String(), "orphan acknowledgment") {
		t.Fatalf("expected an orphan acknowledgment warning, got log: %s", buf.String())
	}
}

func TestHandleInboundAutoAcksNonAckMessage(t *testing.T) {
	mp, _, _ := newTestFixture(t)
	from := peerMagnet(t)

	msg := envelope.NewMessage("hi", from)
	payload, err := envelope.Serialize(msg)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	// No transports are enabled in this fixture, so the auto-ack Send call
	// resolves to zero jobs and must not panic or error.
	mp.handleInbound(transport.Inbound{Payload: payload, Driver: "dm"})
}

func TestShutdownWithNoInFlightHandlersReturnsNil(t *testing.T) {
	mp, _, _ := newTestFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
