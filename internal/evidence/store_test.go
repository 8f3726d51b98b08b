package evidence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "evidence.db"), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveMessageIsIdempotentOnUUID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := Message{UUID: "u1", Type: "message", Content: "hi", TimestampMs: 1, FromMagnetLink: "a"}
	for i := 0; i < 3; i++ {
		inserted, err := s.SaveMessage(ctx, m)
		if err != nil {
			t.Fatalf("save message attempt %d: %v", i, err)
		}
		if i == 0 && !inserted {
			t.Fatalf("expected first insert to report inserted=true")
		}
		if i > 0 && inserted {
			t.Fatalf("expected repeat insert to report inserted=false")
		}
	}

	all, err := s.ListAllMessages(ctx, 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 row after 3 inserts, got %d", len(all))
	}
}

func TestSaveReceiptAlwaysAppendsAndOrdersByReceivedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SaveMessage(ctx, Message{UUID: "u2", Type: "message", Content: "x", TimestampMs: 0, FromMagnetLink: "a"})
	if err != nil {
		t.Fatalf("save message: %v", err)
	}

	base := time.Now().UTC()
	if err := s.SaveReceipt(ctx, Receipt{MessageUUID: "u2", Protocol: "nostr", ReceivedAt: base.Add(2 * time.Second), LatencyMs: 2000}); err != nil {
		t.Fatalf("save receipt 1: %v", err)
	}
	if err := s.SaveReceipt(ctx, Receipt{MessageUUID: "u2", Protocol: "mqtt", ReceivedAt: base.Add(1 * time.Second), LatencyMs: 1000}); err != nil {
		t.Fatalf("save receipt 2: %v", err)
	}

	receipts, err := s.ListReceipts(ctx, "u2")
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	if receipts[0].Protocol != "mqtt" {
		t.Fatalf("expected mqtt (earlier received_at) first, got %s", receipts[0].Protocol)
	}
}

func TestConcurrentSaveMessageDistinctUUIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.SaveMessage(ctx, Message{
				UUID:           uuidFor(i),
				Type:           "message",
				Content:        "hi",
				TimestampMs:    int64(i),
				FromMagnetLink: "a",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save message: %v", err)
		}
	}

	all, err := s.ListAllMessages(ctx, n+10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != n {
		t.Fatalf("expected %d rows, got %d", n, len(all))
	}
}

func TestUpdatePeerPreferenceCoalescesPreferenceOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	order := 3
	if err := s.UpdatePeerPreference(ctx, PeerChannelPreference{
		Identity: "peerA", Protocol: "nostr", IsWorking: true, PreferenceOrder: &order,
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	if err := s.UpdatePeerPreference(ctx, PeerChannelPreference{
		Identity: "peerA", Protocol: "nostr", IsWorking: false,
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetPeerPreference(ctx, "peerA", "nostr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PreferenceOrder == nil || *got.PreferenceOrder != order {
		t.Fatalf("expected preference_order to be coalesced to %d, got %v", order, got.PreferenceOrder)
	}
	if got.IsWorking {
		t.Fatalf("expected is_working to reflect the latest upsert (false)")
	}
}

func TestUpdateProtocolAggregateAppliesEMARule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := int64(100)
	if err := s.UpdateProtocolAggregate(ctx, "mqtt", true, &first, now); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	second := int64(300)
	if err := s.UpdateProtocolAggregate(ctx, "mqtt", false, &second, now); err != nil {
		t.Fatalf("update 2: %v", err)
	}

	agg, err := s.GetProtocolAggregate(ctx, "mqtt")
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.TotalSent != 2 {
		t.Fatalf("expected total_sent=2, got %d", agg.TotalSent)
	}
	if agg.TotalAcked != 1 {
		t.Fatalf("expected total_acked=1, got %d", agg.TotalAcked)
	}
	want := (first + second) / 2
	if agg.AvgLatencyMs == nil || *agg.AvgLatencyMs != want {
		t.Fatalf("expected avg_latency_ms=%d, got %v", want, agg.AvgLatencyMs)
	}
	if agg.TotalAcked > agg.TotalSent {
		t.Fatalf("invariant violated: total_acked > total_sent")
	}
}

func uuidFor(i int) string {
	return fmt.Sprintf("u-%08d", i)
}
