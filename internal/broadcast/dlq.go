package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/reisepass/broadcast-On-All-Channels/pkg/queue"
)

// memDLQ is the only queue.DLQStore implementation in this module: an
// in-memory record of sends where every driver failed, kept for later
// inspection: evidence loss is a correctness concern worth surfacing. There
// is no external broker backing this engine's queue.Envelope
// usage, so a durable DLQ isn't warranted — this is diagnostic state, not a
// redelivery mechanism.
type memDLQ struct {
	mu      sync.Mutex
	records map[string]queue.DLQRecord
	seq     int
}

// NewMemDLQ constructs an empty in-memory DLQ store.
func NewMemDLQ() queue.DLQStore {
	return &memDLQ{records: map[string]queue.DLQRecord{}}
}

func (m *memDLQ) Put(ctx context.Context, rec queue.DLQRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.RecordID == "" {
		m.seq++
		rec.RecordID = fmt.Sprintf("dlq-%06d", m.seq)
	}
	m.records[rec.RecordID] = rec
	return nil
}

func (m *memDLQ) Get(ctx context.Context, recordID string) (queue.DLQRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return queue.DLQRecord{}, fmt.Errorf("broadcast: dlq record %q not found", recordID)
	}
	return rec, nil
}

func (m *memDLQ) List(ctx context.Context, q queue.QueueName, limit int) ([]queue.DLQRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rec := range m.records {
		if q != "" && rec.Queue != q {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]queue.DLQRecord, 0, limit)
	for _, id := range ids[:limit] {
		out = append(out, m.records[id])
	}
	return out, nil
}

func (m *memDLQ) Delete(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, recordID)
	return nil
}
