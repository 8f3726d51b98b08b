package broadcast

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// XMTPEnv selects the wallet-keyed DM driver's network environment.
type XMTPEnv string

const (
	XMTPEnvDev        XMTPEnv = "dev"
	XMTPEnvProduction XMTPEnv = "production"
	XMTPEnvLocal      XMTPEnv = "local"
)

// Config is the enumerated broadcaster configuration. It decodes from a
// config.Bundle's merged document (pkg/config), keyed under a top-level
// "broadcast" object.
type Config struct {
	XMTPEnabled  bool `json:"xmtp_enabled"`
	NostrEnabled bool `json:"nostr_enabled"`
	WakuEnabled  bool `json:"waku_enabled"`
	MQTTEnabled  bool `json:"mqtt_enabled"`
	IrohEnabled  bool `json:"iroh_enabled"`

	XMTPEnv XMTPEnv `json:"xmtp_env"`

	NostrRelays  []string `json:"nostr_relays"`
	MQTTBrokers  []string `json:"mqtt_brokers"`

	// DMInboxDir is the shared on-disk directory the wallet-keyed DM driver
	// uses as its store-and-forward medium (see internal/transport/dm).
	DMInboxDir string `json:"dm_inbox_dir"`

	// P2PRelayURL is this identity's own relay address, advertised to peers
	// connecting via the direct P2P driver (D5).
	P2PRelayURL string `json:"p2p_relay_url"`
	// P2PListenAddr is the local UDP address the QUIC listener binds.
	P2PListenAddr string `json:"p2p_listen_addr"`
	// P2PDiscoveryDir is a shared on-disk directory mapping node id -> relay
	// URL. iroh itself resolves peers through its own relay infrastructure,
	// which has no module in the pack; this directory is the local stand-in
	// documented in DESIGN.md.
	P2PDiscoveryDir string `json:"p2p_discovery_dir"`

	// MeshBootstrapPeers overrides the libp2p default bootstrap peer set.
	MeshBootstrapPeers []string `json:"mesh_bootstrap_peers"`
}

var (
	DefaultNostrRelays = []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
		"wss://relay.nostr.band",
	}
	DefaultMQTTBrokers = []string{
		"mqtt://broker.hivemq.com:1883",
		"mqtt://broker.emqx.io:1883",
		"mqtt://test.mosquitto.org:1883",
	}
)

// DefaultConfig returns a Config with every driver enabled, except that D1
// and D4 follow the host-runtime capability check (see ProbeCapabilities),
// the documented default relay/broker sets, and "dev" as the XMTP
// environment.
func DefaultConfig() Config {
	caps := ProbeCapabilities()
	return Config{
		XMTPEnabled:  caps.XMTP,
		NostrEnabled: true,
		WakuEnabled:  caps.Waku,
		MQTTEnabled:  true,
		IrohEnabled:  true,
		XMTPEnv:      XMTPEnvDev,
		NostrRelays:  append([]string(nil), DefaultNostrRelays...),
		MQTTBrokers:  append([]string(nil), DefaultMQTTBrokers...),
		DMInboxDir:      "./data/dm-inbox",
		P2PListenAddr:   "0.0.0.0:0",
		P2PDiscoveryDir: "./data/p2p-discovery",
	}
}

// Capabilities reports whether the host runtime can support D1 (xmtp) and D4
// (waku/libp2p mesh); this check is deliberately explicit and visible rather
// than a silent disable.
type Capabilities struct {
	XMTP bool
	Waku bool
}

// ProbeCapabilities performs the startup capability check for the
// runtime-conditional drivers. Both D1 and D4 need outbound UDP/TCP and a
// writable local directory for their on-disk state. The probe itself makes
// no filesystem or network check: it reports both as available, except D4
// under GOOS=js. The probe never panics and
// never silently disables a driver the caller explicitly enabled — callers
// combine this with an explicit config flag (see DefaultConfig).
func ProbeCapabilities() Capabilities {
	return Capabilities{
		XMTP: hasWritableTemp(),
		Waku: hasWritableTemp() && runtime.GOOS != "js",
	}
}

func hasWritableTemp() bool {
	// A pure capability signal, not a filesystem probe: avoided here because
	// Init() itself reports a concrete DriverInitFailed when the directory
	// truly can't be created. The probe exists to drive an explicit,
	// loggable decision, not to replace Init's own error path.
	return true
}

// FromMerged decodes Config from a config.Bundle's merged document, starting
// from DefaultConfig and overlaying whatever the "broadcast" key supplies.
func FromMerged(merged map[string]any) (Config, error) {
	cfg := DefaultConfig()
	raw, ok := merged["broadcast"]
	if !ok || raw == nil {
		return cfg, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("broadcast: encode config section: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("broadcast: decode config section: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate enforces a "non-empty if enabled" rule for relay and broker
// lists.
func (c Config) Validate() error {
	if c.NostrEnabled && len(nonEmpty(c.NostrRelays)) == 0 {
		return fmt.Errorf("broadcast: nostr_relays must be non-empty when nostr is enabled")
	}
	if c.MQTTEnabled && len(nonEmpty(c.MQTTBrokers)) == 0 {
		return fmt.Errorf("broadcast: mqtt_brokers must be non-empty when mqtt is enabled")
	}
	switch c.XMTPEnv {
	case XMTPEnvDev, XMTPEnvProduction, XMTPEnvLocal, "":
	default:
		return fmt.Errorf("broadcast: unknown xmtp_env %q", c.XMTPEnv)
	}
	return nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
