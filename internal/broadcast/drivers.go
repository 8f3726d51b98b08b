package broadcast

import (
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport/dm"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport/mesh"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport/mqtt"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport/nostr"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport/p2p"
)

// This file is the only place that imports every concrete driver package: a
// new transport plugs in here without touching Broadcaster.Send/Initialize.

func newDMDriver(cfg Config) transport.Driver {
	return dm.New(dm.Config{InboxDir: cfg.DMInboxDir})
}

func newNostrDriver(cfg Config) transport.Driver {
	return nostr.New(nostr.Config{Relays: cfg.NostrRelays})
}

func newMQTTDriver(cfg Config) transport.Driver {
	return mqtt.New(mqtt.Config{Brokers: cfg.MQTTBrokers})
}

func newMeshDriver(cfg Config) transport.Driver {
	return mesh.New(mesh.Config{BootstrapPeers: cfg.MeshBootstrapPeers})
}

func newP2PDriver(cfg Config) transport.Driver {
	return p2p.New(p2p.Config{
		ListenAddr:   cfg.P2PListenAddr,
		RelayURL:     cfg.P2PRelayURL,
		DiscoveryDir: cfg.P2PDiscoveryDir,
	})
}
