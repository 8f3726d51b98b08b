package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Envelope is the in-process unit of work the broadcaster hands to each
// transport driver's send goroutine. There is no external broker here: no
// enqueue/dequeue, no lease/ack — Envelope and its normalization are reused
// purely as a deterministic, hashable value object for dedup keys and DLQ
// records.

type QueueName string
type EnvelopeID string

const (
	MaxHeaderPairs  = 64
	MaxHeaderKeyLen = 64
	MaxHeaderValLen = 256

	DefaultMaxPayloadBytes = 4 * 1024 * 1024
)

var (
	ErrEmpty    = errors.New("queue: empty")
	ErrOversize = errors.New("queue: oversize")
	ErrInvalid  = errors.New("queue: invalid")
)

// Envelope describes one driver send attempt.
type Envelope struct {
	// Queue names a target queue. The broadcaster leaves it empty on the
	// envelopes it builds; its DLQRecord carries the queue name instead.
	Queue QueueName `json:"queue,omitempty"`

	ID EnvelopeID `json:"id,omitempty"`

	// Type classifies the job; the broadcaster always uses "transport.send".
	Type string `json:"type"`

	ProducedAt time.Time `json:"produced_at,omitempty"`

	// Attempt is 0 for the first delivery.
	Attempt int `json:"attempt,omitempty"`

	// DedupKey is the idempotency key built from pkg/idempotency for this send.
	DedupKey string `json:"dedup_key,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	PayloadBytes int64  `json:"payload_bytes,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
}

// Validate normalizes and enforces bounds, discarding the normalized copy.
func (env Envelope) Validate() error {
	_, err := NormalizeEnvelope(env)
	return err
}

// NormalizeEnvelope applies deterministic normalization and validates
// bounds. It does not mutate payload bytes, only trims strings and
// normalizes header keys.
func NormalizeEnvelope(env Envelope) (Envelope, error) {
	env.Type = strings.TrimSpace(env.Type)
	env.DedupKey = strings.TrimSpace(env.DedupKey)

	if env.Attempt < 0 {
		return Envelope{}, fmt.Errorf("%w: attempt cannot be negative", ErrInvalid)
	}
	if env.PayloadBytes < 0 {
		return Envelope{}, fmt.Errorf("%w: payload_bytes cannot be negative", ErrInvalid)
	}
	if env.PayloadBytes == 0 && len(env.Payload) > 0 {
		env.PayloadBytes = int64(len(env.Payload))
	}

	if env.Headers != nil {
		clean := make(map[string]string, len(env.Headers))
		keys := make([]string, 0, len(env.Headers))
		for k := range env.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			k2 := strings.ToLower(strings.TrimSpace(k))
			if k2 == "" || len(k2) > MaxHeaderKeyLen {
				continue
			}
			v := strings.TrimSpace(env.Headers[k])
			if len(v) > MaxHeaderValLen {
				v = v[:MaxHeaderValLen]
			}
			clean[k2] = v
			if len(clean) >= MaxHeaderPairs {
				break
			}
		}
		if len(clean) == 0 {
			env.Headers = nil
		} else {
			env.Headers = clean
		}
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalid)
	}
	if len(env.Type) > 128 {
		return Envelope{}, fmt.Errorf("%w: type too long", ErrInvalid)
	}
	if env.DedupKey != "" && len(env.DedupKey) > 256 {
		return Envelope{}, fmt.Errorf("%w: dedup_key too long", ErrInvalid)
	}
	if env.PayloadBytes > int64(DefaultMaxPayloadBytes) {
		return Envelope{}, fmt.Errorf("%w: payload_bytes exceeds default max (%d)", ErrOversize, DefaultMaxPayloadBytes)
	}
	if len(env.Payload) > 0 && int64(len(env.Payload)) != env.PayloadBytes {
		return Envelope{}, fmt.Errorf("%w: payload_bytes mismatch (declared=%d actual=%d)", ErrInvalid, env.PayloadBytes, len(env.Payload))
	}

	return env, nil
}

// StableEnvelopeHash returns a deterministic sha256 over envelope metadata
// and payload bytes.
func StableEnvelopeHash(env Envelope) (string, error) {
	n, err := NormalizeEnvelope(env)
	if err != nil {
		return "", err
	}
	h := sha256.New()

	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(string(n.Queue))
	write(string(n.ID))
	write(n.Type)
	write(n.DedupKey)
	write(fmt.Sprintf("%d", n.Attempt))
	write(fmt.Sprintf("%d", n.PayloadBytes))

	if n.Headers != nil {
		keys := make([]string, 0, len(n.Headers))
		for k := range n.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write("h:" + k)
			write(n.Headers[k])
		}
	}
	if len(n.Payload) > 0 {
		_, _ = h.Write(n.Payload)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
