package broadcast

import (
	"context"
	"testing"

	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/identity"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/queue"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/telemetry"
)

// fakeDriver is a minimal in-memory transport.Driver stand-in so Broadcaster
// can be exercised without any live network.
type fakeDriver struct {
	name      string
	initErr   error
	sendOK    bool
	sendKind  transport.ErrorKind
	status    transport.Status
	handler   transport.InboundHandler
	inits     int
	sendCalls int
}

func (f *fakeDriver) Name() string { return f.name }
func (f *fakeDriver) Init(ctx context.Context, id transport.Identity, config any) error {
	f.inits++
	return f.initErr
}
func (f *fakeDriver) Send(ctx context.Context, addr string, payload []byte) transport.Result {
	f.sendCalls++
	if f.sendOK {
		return transport.Result{Success: true}
	}
	return transport.Result{Success: false, ErrorKind: f.sendKind, Detail: "simulated failure"}
}
func (f *fakeDriver) OnInbound(h transport.InboundHandler) { f.handler = h }
func (f *fakeDriver) Shutdown(ctx context.Context) error   { return nil }
func (f *fakeDriver) Status() transport.Status             { return f.status }

func newTestBroadcaster(t *testing.T, drivers ...*fakeDriver) (*Broadcaster, string) {
	t.Helper()
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate self: %v", err)
	}
	recipient, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	recipientMagnet, err := identity.Encode(recipient)
	if err != nil {
		t.Fatalf("encode recipient: %v", err)
	}

	b := New(self, Config{}, nil, telemetry.NopMeterInstance, telemetry.Nop, nil)
	for _, d := range drivers {
		b.drivers = append(b.drivers, namedDriver{driver: d, name: d.name})
	}
	return b, recipientMagnet
}

func TestInitializeToleratesPartialFailure(t *testing.T) {
	ok := &fakeDriver{name: "dm", sendOK: true}
	bad := &fakeDriver{name: "nostr", initErr: context.DeadlineExceeded}

	b, _ := newTestBroadcaster(t, ok, bad)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize should tolerate partial failure, got %v", err)
	}

	b.mu.RLock()
	ready := map[string]bool{}
	for k, v := range b.ready {
		ready[k] = v
	}
	b.mu.RUnlock()

	if !ready["dm"] {
		t.Fatalf("expected dm driver to be marked ready")
	}
	if ready["nostr"] {
		t.Fatalf("expected nostr driver to be excluded from ready set after init failure")
	}
}

func TestSendRejectsMalformedRecipientBeforeTouchingDrivers(t *testing.T) {
	d := &fakeDriver{name: "dm", sendOK: true}
	b, _ := newTestBroadcaster(t, d)
	_ = b.Initialize(context.Background())

	_, err := b.Send(context.Background(), "not-a-magnet-link", []byte("hi"))
	if err == nil {
		t.Fatalf("expected InvalidRecipientError, got nil")
	}
	if _, ok := err.(*InvalidRecipientError); !ok {
		t.Fatalf("expected *InvalidRecipientError, got %T: %v", err, err)
	}
	if d.sendCalls != 0 {
		t.Fatalf("driver Send must not be called for a malformed recipient, got %d calls", d.sendCalls)
	}
}

func TestSendFansOutToEveryReadyDriver(t *testing.T) {
	d1 := &fakeDriver{name: "dm", sendOK: true}
	d2 := &fakeDriver{name: "nostr", sendOK: true}
	b, recipient := newTestBroadcaster(t, d1, d2)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	results, err := b.Send(context.Background(), recipient, []byte("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (one per ready driver), got %d", len(results))
	}
	if d1.sendCalls != 1 || d2.sendCalls != 1 {
		t.Fatalf("expected each driver Send exactly once, got dm=%d nostr=%d", d1.sendCalls, d2.sendCalls)
	}
}

func TestSendRecordsDLQOnTotalFailure(t *testing.T) {
	d := &fakeDriver{name: "dm", sendOK: false, sendKind: transport.ErrUnreachable}
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate self: %v", err)
	}
	recipientID, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	recipientMagnet, err := identity.Encode(recipientID)
	if err != nil {
		t.Fatalf("encode recipient: %v", err)
	}

	dlq := NewMemDLQ()
	b := New(self, Config{}, nil, telemetry.NopMeterInstance, telemetry.Nop, dlq)
	b.drivers = append(b.drivers, namedDriver{driver: d, name: d.name})
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := b.Send(context.Background(), recipientMagnet, []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}

	recs, err := dlq.List(context.Background(), queue.QueueName("broadcast"), 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one dlq record after total failure, got %d", len(recs))
	}
}

func TestHealthSnapshotClassifiesDriverStatus(t *testing.T) {
	ok := &fakeDriver{name: "dm", status: transport.Status{Connected: 2, Total: 2}}
	degraded := &fakeDriver{name: "nostr", status: transport.Status{Connected: 1, Total: 3}}
	fatal := &fakeDriver{name: "mqtt", status: transport.Status{Connected: 0, Total: 1}}

	b, _ := newTestBroadcaster(t, ok, degraded, fatal)
	snap, err := b.HealthSnapshot("node-1")
	if err != nil {
		t.Fatalf("health snapshot: %v", err)
	}
	if len(snap.Components) != 3 {
		t.Fatalf("expected 3 components, got %d", len(snap.Components))
	}

	byName := map[string]telemetry.Status{}
	for _, c := range snap.Components {
		byName[c.Name] = c.Status
	}
	if byName["dm"] != telemetry.StatusOK {
		t.Fatalf("expected dm to be ok, got %s", byName["dm"])
	}
	if byName["nostr"] != telemetry.StatusDegraded {
		t.Fatalf("expected nostr to be degraded, got %s", byName["nostr"])
	}
	if byName["mqtt"] != telemetry.StatusFatal {
		t.Fatalf("expected mqtt to be fatal, got %s", byName["mqtt"])
	}
}
