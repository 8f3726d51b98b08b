package identity

import (
	"strings"
	"testing"
)

func TestGenerateProducesDistinctIdentities(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	if a.EthAddress() == b.EthAddress() {
		t.Fatalf("two generated identities produced the same eth address")
	}
	if a.NodeID() == b.NodeID() {
		t.Fatalf("two generated identities produced the same node id")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	link, err := Encode(id)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(link, "magnet:?") {
		t.Fatalf("unexpected magnet link shape: %s", link)
	}

	decoded, err := Decode(link)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EthAddress() != id.EthAddress() {
		t.Fatalf("eth address mismatch: got %s want %s", decoded.EthAddress(), id.EthAddress())
	}
	if decoded.NodeID() != id.NodeID() {
		t.Fatalf("node id mismatch: got %s want %s", decoded.NodeID(), id.NodeID())
	}
	if decoded.NostrPubKey() != id.NostrPubKey() {
		t.Fatalf("nostr pubkey mismatch")
	}
	if decoded.PubSubIdentifier() != id.PubSubIdentifier() {
		t.Fatalf("pubsub identifier mismatch")
	}
}

func TestDecodeRejectsMissingParameter(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	link, err := Encode(id)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Drop ed25519pub entirely, simulating the S4 boundary case.
	without := strings.ReplaceAll(link, "ed25519pub=", "x_ed25519pub=")

	_, err = Decode(without)
	if err == nil {
		t.Fatalf("expected decode to fail when ed25519pub is missing")
	}
	var pe *ParseError
	if !asParseError(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
}

func TestDecodeRejectsMalformedHex(t *testing.T) {
	_, err := Decode("magnet:?xt=urn:identity:v1&secp256k1pub=zz&ed25519pub=zz&eth=0xzz")
	if err == nil {
		t.Fatalf("expected decode to fail on malformed hex")
	}
}

func TestDecodeRejectsWrongKeyLengths(t *testing.T) {
	shortSecp := strings.Repeat("aa", 10) // valid hex, wrong length
	shortEd := strings.Repeat("bb", 10)
	link := "magnet:?xt=urn:identity:v1&secp256k1pub=" + shortSecp + "&ed25519pub=" + shortEd + "&eth=0x" + strings.Repeat("cc", 20)
	_, err := Decode(link)
	if err == nil {
		t.Fatalf("expected decode to fail on wrong key lengths")
	}
}

func TestAddressForEachProtocol(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	protocols := []Protocol{ProtocolDM, ProtocolNostr, ProtocolMQTT, ProtocolMesh, ProtocolP2P}
	for _, p := range protocols {
		addr, err := id.AddressFor(p)
		if err != nil {
			t.Fatalf("AddressFor(%s): %v", p, err)
		}
		if addr == "" {
			t.Fatalf("AddressFor(%s) returned empty address", p)
		}
	}
	if _, err := id.AddressFor(Protocol("bogus")); err == nil {
		t.Fatalf("expected error for unknown protocol")
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
