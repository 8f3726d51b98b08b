// Package envelope serializes and deserializes chat messages and
// acknowledgments, the only two kinds of payload the broadcaster ever ships
// across a transport driver.
package envelope

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeMessage        Type = "message"
	TypeAcknowledgment Type = "acknowledgment"
)

// MaxContentBytes bounds Message.Content at 64 KiB, per the wire contract.
const MaxContentBytes = 64 * 1024

// ChannelPreference is one entry of an acknowledgment's learned-routing hint.
type ChannelPreference struct {
	Protocol        string `json:"protocol"`
	PreferenceOrder int    `json:"preferenceOrder,omitempty"`
	CannotUse       bool   `json:"cannotUse,omitempty"`
}

// Message is the on-the-wire envelope for both chat messages and
// acknowledgments; the fields below ackOfUuid are only set on an ack.
type Message struct {
	UUID           string `json:"uuid"`
	Type           Type   `json:"type"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	FromMagnetLink string `json:"fromMagnetLink"`

	AckOfUUID          string              `json:"ackOfUuid,omitempty"`
	ReceivedVia        string              `json:"receivedVia,omitempty"`
	ChannelPreferences []ChannelPreference `json:"channelPreferences,omitempty"`
}

// IsAck reports whether this message is an acknowledgment.
func (m Message) IsAck() bool { return m.Type == TypeAcknowledgment }

// NewMessage constructs a plain chat message with a fresh uuid and the
// current time, ready for Serialize.
func NewMessage(content, fromMagnetLink string) Message {
	return Message{
		UUID:           uuid.NewString(),
		Type:           TypeMessage,
		Content:        content,
		Timestamp:      nowMillis(),
		FromMagnetLink: fromMagnetLink,
	}
}

// Serialize renders a Message as a single UTF-8 JSON object.
func Serialize(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Deserialize parses bytes into a Message. Unknown top-level fields are
// tolerated (encoding/json already ignores them). On malformed input it
// returns (Message{}, false) — a failure sentinel, not an error — per the
// envelope contract: the multiplexer logs and drops, it does not propagate
// an exception type.
func Deserialize(b []byte) (Message, bool) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&m); err != nil {
		return Message{}, false
	}
	if !validShape(m) {
		return Message{}, false
	}
	return m, true
}

func validShape(m Message) bool {
	if strings.TrimSpace(m.UUID) == "" {
		return false
	}
	switch m.Type {
	case TypeMessage, TypeAcknowledgment:
	default:
		return false
	}
	if len(m.Content) > MaxContentBytes {
		return false
	}
	if m.Type == TypeAcknowledgment && strings.TrimSpace(m.AckOfUUID) == "" {
		return false
	}
	return true
}

// CreateAcknowledgment builds the ack for an inbound message, timestamped
// with now(). Content is stable ("ACK: "+ackOfUuid) so it doubles as a
// fallback correlator on transports that strip structured fields.
func CreateAcknowledgment(original Message, receivedVia, selfMagnet string, prefs []ChannelPreference) Message {
	return Message{
		UUID:                uuid.NewString(),
		Type:                TypeAcknowledgment,
		Content:             "ACK: " + original.UUID,
		Timestamp:           nowMillis(),
		FromMagnetLink:      selfMagnet,
		AckOfUUID:           original.UUID,
		ReceivedVia:         receivedVia,
		ChannelPreferences:  prefs,
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
