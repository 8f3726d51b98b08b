package dm

import (
	"crypto/rand"
	"testing"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	k1 := deriveKey("0xabc", "privhex1")
	k2 := deriveKey("0xabc", "privhex1")
	if k1 != k2 {
		t.Fatalf("deriveKey must be deterministic for the same inputs")
	}

	k3 := deriveKey("0xabc", "privhex2")
	if k1 == k3 {
		t.Fatalf("deriveKey must differ when the private key differs")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := deriveKey("0xabc", "privhex1")
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("generate nonce: %v", err)
	}

	plaintext := []byte(`{"content":"hello"}`)
	ciphertext, err := seal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key := deriveKey("0xabc", "privhex1")
	wrongKey := deriveKey("0xabc", "privhex2")
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		t.Fatalf("generate nonce: %v", err)
	}

	ciphertext, err := seal(key, nonce, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := open(wrongKey, nonce, ciphertext); err == nil {
		t.Fatalf("expected authentication failure decrypting with the wrong key")
	}
}

func TestOpenRejectsBadNonceSize(t *testing.T) {
	key := deriveKey("0xabc", "privhex1")
	if _, err := open(key, []byte{1, 2, 3}, []byte("whatever")); err == nil {
		t.Fatalf("expected an error for a malformed nonce size")
	}
}

func TestSanitizeFilenameStripsPrefixAndHexEncodes(t *testing.T) {
	got := sanitizeFilename("0xABCDEF")
	// lowercased, 0x stripped, then hex-encoded: "abcdef" -> hex bytes.
	want := "616263646566"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
