package p2p

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

func TestSelfSignedTLSConfigRejectsShortKey(t *testing.T) {
	if _, err := selfSignedTLSConfig(ed25519.PrivateKey{1, 2, 3}); err == nil {
		t.Fatalf("expected an error for a truncated ed25519 key")
	}
}

func TestSelfSignedTLSConfigHasOneCertAndALPN(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg1, err := selfSignedTLSConfig(priv)
	if err != nil {
		t.Fatalf("config 1: %v", err)
	}
	cfg2, err := selfSignedTLSConfig(priv)
	if err != nil {
		t.Fatalf("config 2: %v", err)
	}
	if len(cfg1.Certificates) != 1 || len(cfg2.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate per config")
	}
	if cfg1.NextProtos[0] != alpn {
		t.Fatalf("expected ALPN %q, got %q", alpn, cfg1.NextProtos[0])
	}
}

func TestDiscoveryPathDefaultsAndLowercases(t *testing.T) {
	got := discoveryPath("", "ABCDEF")
	want := filepath.Join("./data/p2p-discovery", "abcdef.json")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got = discoveryPath("/tmp/disco", "Feed01")
	want = filepath.Join("/tmp/disco", "feed01.json")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAnnounceThenLookupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := announce(dir, "node-a", "quic://127.0.0.1:4000"); err != nil {
		t.Fatalf("announce: %v", err)
	}
	url, err := lookup(dir, "node-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if url != "quic://127.0.0.1:4000" {
		t.Fatalf("unexpected relay url %q", url)
	}
}

func TestLookupUnknownNodeFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := lookup(dir, "never-announced"); err == nil {
		t.Fatalf("expected an error looking up an unannounced node")
	}
}
