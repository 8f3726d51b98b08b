// Package identity derives and encodes the unified cryptographic identity
// used as an address across every transport driver: a secp256k1 keypair for
// the wallet-keyed and hex-identifier transports, and an ed25519 keypair for
// the direct peer-to-peer node id.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Protocol names a transport for AddressFor.
type Protocol string

const (
	ProtocolDM    Protocol = "dm"
	ProtocolNostr Protocol = "nostr"
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolMesh  Protocol = "mesh"
	ProtocolP2P   Protocol = "p2p"
)

const (
	magnetScheme  = "magnet"
	magnetXT      = "urn:identity:v1"
	paramXT       = "xt"
	paramSecp256  = "secp256k1pub"
	paramEd25519  = "ed25519pub"
	paramEth      = "eth"
	secpUncompLen = 65 // 0x04 || X(32) || Y(32)
	ed25519PubLen = 32
)

// ParseError is returned by Decode when a magnet link is missing a required
// parameter or carries malformed hex.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return fmt.Sprintf("identity: invalid magnet link: %s", e.Reason) }

func parseErr(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// Identity is immutable once generated. It carries both private keys; callers
// persist it themselves (this package does not touch disk).
type Identity struct {
	Secp256k1Priv *secp256k1.PrivateKey
	Secp256k1Pub  [secpUncompLen]byte

	Ed25519Priv ed25519.PrivateKey
	Ed25519Pub  ed25519.PublicKey
}

// Generate derives a fresh identity from two independent random keypairs.
func Generate() (Identity, error) {
	secpPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate secp256k1 key: %w", err)
	}

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate ed25519 key: %w", err)
	}

	var pub [secpUncompLen]byte
	copy(pub[:], secpPriv.PubKey().SerializeUncompressed())

	return Identity{
		Secp256k1Priv: secpPriv,
		Secp256k1Pub:  pub,
		Ed25519Priv:   edPriv,
		Ed25519Pub:    edPub,
	}, nil
}

// Secp256k1PrivHex returns the lowercase hex of the secp256k1 private scalar.
// Used by D1 for its deterministic DM-encryption key derivation.
func (id Identity) Secp256k1PrivHex() string {
	return hex.EncodeToString(id.Secp256k1Priv.Serialize())
}

// EthAddress derives the Ethereum address: the last 20 bytes of
// keccak256(uncompressed-public-minus-leading-byte), lowercase 0x-prefixed.
func (id Identity) EthAddress() string {
	sum := ethcrypto.Keccak256(id.Secp256k1Pub[1:])
	return "0x" + hex.EncodeToString(sum[len(sum)-20:])
}

// NostrPubKey returns the x-coordinate of the secp256k1 public key as
// 32-byte lowercase hex (BIP-340 style, as Nostr expects).
func (id Identity) NostrPubKey() string {
	return hex.EncodeToString(id.Secp256k1Pub[1:33])
}

// PubSubIdentifier returns the generic hex identifier used as the address on
// the broker pub/sub (D3) and pub/sub mesh (D4) transports: hex of the full
// uncompressed secp256k1 public key.
func (id Identity) PubSubIdentifier() string {
	return hex.EncodeToString(id.Secp256k1Pub[:])
}

// NodeID returns the ed25519 public key as lowercase hex, the address used
// by the direct peer-to-peer transport (D5).
func (id Identity) NodeID() string {
	return hex.EncodeToString(id.Ed25519Pub)
}

// AddressFor extracts the per-transport address for a protocol.
func (id Identity) AddressFor(p Protocol) (string, error) {
	switch p {
	case ProtocolDM:
		return id.EthAddress(), nil
	case ProtocolNostr:
		return id.NostrPubKey(), nil
	case ProtocolMQTT, ProtocolMesh:
		return id.PubSubIdentifier(), nil
	case ProtocolP2P:
		return id.NodeID(), nil
	default:
		return "", fmt.Errorf("identity: unknown protocol %q", p)
	}
}

// Encode renders the identity as a printable magnet link carrying both public
// keys and the derived Ethereum address.
func Encode(id Identity) (string, error) {
	v := url.Values{}
	v.Set(paramXT, magnetXT)
	v.Set(paramSecp256, hex.EncodeToString(id.Secp256k1Pub[:]))
	v.Set(paramEd25519, hex.EncodeToString(id.Ed25519Pub))
	v.Set(paramEth, id.EthAddress())
	return magnetScheme + ":?" + v.Encode(), nil
}

// Decode parses a magnet link back into an Identity. Only the public material
// is recoverable; Secp256k1Priv and Ed25519Priv are left nil/empty on the
// returned Identity — Decode produces an address-only view of a peer, never a
// usable signing identity. Unknown top-level parameters are tolerated;
// missing required parameters or malformed hex produce a *ParseError.
func Decode(magnet string) (Identity, error) {
	magnet = strings.TrimSpace(magnet)
	if magnet == "" {
		return Identity{}, parseErr("empty magnet link")
	}

	u, err := url.Parse(magnet)
	if err != nil {
		return Identity{}, parseErr("unparseable url: %v", err)
	}
	if u.Scheme != magnetScheme {
		return Identity{}, parseErr("wrong scheme %q", u.Scheme)
	}

	q := u.Query()

	xt := q.Get(paramXT)
	if xt == "" {
		return Identity{}, parseErr("missing %s", paramXT)
	}
	if xt != magnetXT {
		return Identity{}, parseErr("unsupported xt %q", xt)
	}

	secpHex := q.Get(paramSecp256)
	if secpHex == "" {
		return Identity{}, parseErr("missing %s", paramSecp256)
	}
	edHex := q.Get(paramEd25519)
	if edHex == "" {
		return Identity{}, parseErr("missing %s", paramEd25519)
	}
	ethHex := q.Get(paramEth)
	if ethHex == "" {
		return Identity{}, parseErr("missing %s", paramEth)
	}

	secpBytes, err := hex.DecodeString(strings.ToLower(secpHex))
	if err != nil {
		return Identity{}, parseErr("malformed %s hex: %v", paramSecp256, err)
	}
	if len(secpBytes) != secpUncompLen || secpBytes[0] != 0x04 {
		return Identity{}, parseErr("%s must be the 65-byte uncompressed form", paramSecp256)
	}

	edBytes, err := hex.DecodeString(strings.ToLower(edHex))
	if err != nil {
		return Identity{}, parseErr("malformed %s hex: %v", paramEd25519, err)
	}
	if len(edBytes) != ed25519PubLen {
		return Identity{}, parseErr("%s must be 32 bytes", paramEd25519)
	}

	if !isValidEthAddress(ethHex) {
		return Identity{}, parseErr("malformed %s address", paramEth)
	}

	// Reject a pubkey that doesn't lie on the curve; SerializeUncompressed
	// round-trips only for valid points.
	pubKey, err := secp256k1.ParsePubKey(secpBytes)
	if err != nil {
		return Identity{}, parseErr("%s is not a valid curve point: %v", paramSecp256, err)
	}

	var pub [secpUncompLen]byte
	copy(pub[:], pubKey.SerializeUncompressed())

	return Identity{
		Secp256k1Pub: pub,
		Ed25519Pub:   ed25519.PublicKey(edBytes),
	}, nil
}

func isValidEthAddress(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
