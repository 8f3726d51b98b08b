package envelope

import (
	"strings"
	"testing"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	m := NewMessage("hi", "magnet:?xt=urn:identity:v1&secp256k1pub=04&ed25519pub=ab&eth=0x00")
	b, err := Serialize(m)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, ok := Deserialize(b)
	if !ok {
		t.Fatalf("deserialize returned failure sentinel for well-formed input")
	}
	if got.UUID != m.UUID || got.Content != m.Content {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestDeserializeToleratesUnknownFields(t *testing.T) {
	raw := `{"uuid":"a-b-c","type":"message","content":"hi","timestamp":1,"fromMagnetLink":"m","somethingNew":"ignored"}`
	got, ok := Deserialize([]byte(raw))
	if !ok {
		t.Fatalf("expected deserialize to tolerate an unknown field")
	}
	if got.Content != "hi" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
}

func TestDeserializeReturnsSentinelOnMalformedInput(t *testing.T) {
	if _, ok := Deserialize([]byte("not json")); ok {
		t.Fatalf("expected failure sentinel for malformed json")
	}
	if _, ok := Deserialize([]byte(`{"uuid":"","type":"message","content":"x"}`)); ok {
		t.Fatalf("expected failure sentinel for empty uuid")
	}
	if _, ok := Deserialize([]byte(`{"uuid":"a","type":"bogus"}`)); ok {
		t.Fatalf("expected failure sentinel for unknown type")
	}
	if _, ok := Deserialize([]byte(`{"uuid":"a","type":"acknowledgment"}`)); ok {
		t.Fatalf("expected failure sentinel for ack missing ackOfUuid")
	}
}

func TestCreateAcknowledgment(t *testing.T) {
	orig := NewMessage("hello", "magnet:?a=b")
	prefs := []ChannelPreference{{Protocol: "nostr", PreferenceOrder: 1}}
	ack := CreateAcknowledgment(orig, "nostr", "magnet:?self=1", prefs)

	if !ack.IsAck() {
		t.Fatalf("expected CreateAcknowledgment to produce an ack type")
	}
	if ack.AckOfUUID != orig.UUID {
		t.Fatalf("ackOfUuid mismatch: got %s want %s", ack.AckOfUUID, orig.UUID)
	}
	if !strings.HasPrefix(ack.Content, "ACK: ") || !strings.HasSuffix(ack.Content, orig.UUID) {
		t.Fatalf("unexpected ack content: %q", ack.Content)
	}
	if len(ack.ChannelPreferences) != 1 {
		t.Fatalf("expected channel preferences to be carried through")
	}
}

func TestContentOverLimitIsRejected(t *testing.T) {
	big := strings.Repeat("a", MaxContentBytes+1)
	raw := `{"uuid":"a","type":"message","content":"` + big + `","timestamp":1,"fromMagnetLink":"m"}`
	if _, ok := Deserialize([]byte(raw)); ok {
		t.Fatalf("expected failure sentinel for oversize content")
	}
}
