// Command broadcastd is the composition root: it loads or creates a local
// identity, builds the evidence store, wires every enabled transport driver
// into a Broadcaster and Multiplexer, and drives a line-oriented chat loop
// against one recipient. The CLI surface itself (flags, stdin loop) is a
// thin collaborator over the core.
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/reisepass/broadcast-On-All-Channels/internal/broadcast"
	"github.com/reisepass/broadcast-On-All-Channels/internal/evidence"
	"github.com/reisepass/broadcast-On-All-Channels/internal/multiplex"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/config"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/envelope"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/identity"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/telemetry"
)

const serviceName = "broadcastd"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	protocolsArg := fs.String("protocols", "dm,nostr,mqtt,mesh,p2p", "comma-separated transports to enable: dm,nostr,mqtt,mesh,p2p")
	user := fs.String("user", "", "identity name; its keys persist under ./data/identities/<user>.json")
	chat := fs.String("chat", "", "recipient magnet link to chat with")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	help := fs.Bool("help", false, "print usage and exit")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *help {
		fs.Usage()
		return 0
	}
	if strings.TrimSpace(*user) == "" {
		fmt.Fprintln(os.Stderr, "broadcastd: --user is required")
		return 1
	}

	level := telemetry.LevelInfo
	if *verbose {
		level = telemetry.LevelDebug
	}
	log := telemetry.NewLogger(os.Stdout, telemetry.Options{Service: serviceName, Level: level})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, selfMagnet, err := loadOrCreateIdentity(*user)
	if err != nil {
		log.Error(ctx, "identity load failed", map[string]any{"error": err.Error()})
		return 1
	}
	log.Info(ctx, "identity ready", map[string]any{"user": *user, "magnet": selfMagnet})

	cfg, err := loadConfig()
	if err != nil {
		log.Error(ctx, "config load failed", map[string]any{"error": err.Error()})
		return 1
	}
	applyProtocolFilter(&cfg, *protocolsArg)
	cfg.DMInboxDir = filepath.Join("./data", "dm-inbox")
	cfg.P2PDiscoveryDir = filepath.Join("./data", "p2p-discovery")
	if err := cfg.Validate(); err != nil {
		log.Error(ctx, "config invalid", map[string]any{"error": err.Error()})
		return 1
	}

	storePath := filepath.Join("./data", fmt.Sprintf("evidence-%s.db", sanitizeUser(*user)))
	if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
		log.Error(ctx, "data dir create failed", map[string]any{"error": err.Error()})
		return 1
	}
	store, err := evidence.Open(storePath, evidence.Options{Logger: log})
	if err != nil {
		log.Error(ctx, "evidence store open failed", map[string]any{"error": err.Error()})
		return 1
	}
	defer store.Close()

	caster := broadcast.New(id, cfg, store, telemetry.NopMeterInstance, log, nil)
	caster.OnMessage(func(payload []byte, transportName string) {
		msg, ok := envelope.Deserialize(payload)
		if !ok || msg.IsAck() {
			return
		}
		fmt.Printf("[%s] %s\n", transportName, msg.Content)
	})
	if *verbose {
		caster.OnReceipt(func(uuid, transportName string, dup bool) {
			log.Debug(ctx, "receipt", map[string]any{"uuid": uuid, "driver": transportName, "duplicate": dup})
		})
	}

	if err := caster.Initialize(ctx); err != nil {
		log.Error(ctx, "broadcaster initialize failed", map[string]any{"error": err.Error()})
		return 1
	}

	mp := multiplex.New(store, caster, selfMagnet, multiplex.Options{Logger: log})
	mp.Wire()

	go reportHealthPeriodically(ctx, caster, id.NodeID(), log)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		defer close(done)
		chatLoop(ctx, caster, selfMagnet, strings.TrimSpace(*chat), log)
	}()

	select {
	case <-stop:
	case <-done:
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = mp.Shutdown(shutdownCtx)
	_ = caster.Shutdown(shutdownCtx)
	log.Info(context.Background(), "shutdown complete", nil)
	return 0
}

// chatLoop reads lines from stdin and broadcasts each one as a chat message
// to recipient. With no recipient configured it idles, relying solely on the
// multiplexer to print inbound traffic, until stop is signalled.
func chatLoop(ctx context.Context, caster *broadcast.Broadcaster, selfMagnet, recipient string, log *telemetry.Logger) {
	if recipient == "" {
		<-ctx.Done()
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg := envelope.NewMessage(line, selfMagnet)
		payload, err := envelope.Serialize(msg)
		if err != nil {
			log.Warn(ctx, "serialize failed", map[string]any{"error": err.Error()})
			continue
		}
		results, err := caster.Send(ctx, recipient, payload)
		if err != nil {
			log.Warn(ctx, "send failed", map[string]any{"error": err.Error()})
			continue
		}
		for _, r := range results {
			if !r.Success {
				log.Debug(ctx, "driver send failed", map[string]any{"driver": r.Driver, "kind": string(r.ErrorKind), "detail": r.Detail})
			}
		}
	}
}

// reportHealthPeriodically logs a HealthSnapshot every 30s so an operator
// tailing the log can see driver connectivity drift without a separate
// health endpoint.
func reportHealthPeriodically(ctx context.Context, caster *broadcast.Broadcaster, nodeID string, log *telemetry.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := caster.HealthSnapshot(nodeID)
			if err != nil {
				log.Warn(ctx, "health snapshot failed", map[string]any{"error": err.Error()})
				continue
			}
			log.Info(ctx, "health", map[string]any{"overall": string(snap.Overall), "components": len(snap.Components)})
		}
	}
}

func loadConfig() (broadcast.Config, error) {
	root := "./config"
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return broadcast.DefaultConfig(), nil
	}
	loader, err := config.NewLoader(root, config.Options{Service: serviceName, Env: strings.TrimSpace(os.Getenv("BROADCASTD_ENV"))})
	if err != nil {
		return broadcast.Config{}, err
	}
	bundle, err := loader.Load(context.Background())
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.FromMerged(bundle.Merged)
}

func applyProtocolFilter(cfg *broadcast.Config, csv string) {
	enabled := map[string]bool{}
	for _, p := range strings.Split(csv, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			enabled[p] = true
		}
	}
	cfg.XMTPEnabled = cfg.XMTPEnabled && enabled["dm"]
	cfg.NostrEnabled = cfg.NostrEnabled && enabled["nostr"]
	cfg.MQTTEnabled = cfg.MQTTEnabled && enabled["mqtt"]
	cfg.WakuEnabled = cfg.WakuEnabled && enabled["mesh"]
	cfg.IrohEnabled = cfg.IrohEnabled && enabled["p2p"]
}

// persistedIdentity is the on-disk shape for a user's private key material.
// pkg/identity never touches disk itself (see its doc comment), so the CLI
// owns serialization.
type persistedIdentity struct {
	Secp256k1PrivHex string `json:"secp256k1_priv_hex"`
	Ed25519PrivHex   string `json:"ed25519_priv_hex"`
}

func loadOrCreateIdentity(user string) (identity.Identity, string, error) {
	path := filepath.Join("./data", "identities", sanitizeUser(user)+".json")
	if b, err := os.ReadFile(path); err == nil {
		var p persistedIdentity
		if err := json.Unmarshal(b, &p); err != nil {
			return identity.Identity{}, "", fmt.Errorf("broadcastd: malformed identity file %s: %w", path, err)
		}
		id, err := identityFromHex(p)
		if err != nil {
			return identity.Identity{}, "", err
		}
		magnet, err := identity.Encode(id)
		if err != nil {
			return identity.Identity{}, "", err
		}
		return id, magnet, nil
	}

	id, err := identity.Generate()
	if err != nil {
		return identity.Identity{}, "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return identity.Identity{}, "", err
	}
	p := persistedIdentity{
		Secp256k1PrivHex: id.Secp256k1PrivHex(),
		Ed25519PrivHex:   hexEncode(id.Ed25519Priv),
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return identity.Identity{}, "", err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return identity.Identity{}, "", err
	}
	magnet, err := identity.Encode(id)
	if err != nil {
		return identity.Identity{}, "", err
	}
	return id, magnet, nil
}

func identityFromHex(p persistedIdentity) (identity.Identity, error) {
	secpBytes, err := hex.DecodeString(strings.TrimSpace(p.Secp256k1PrivHex))
	if err != nil {
		return identity.Identity{}, fmt.Errorf("broadcastd: malformed secp256k1 key: %w", err)
	}
	secpPriv := secp256k1.PrivKeyFromBytes(secpBytes)

	edBytes, err := hex.DecodeString(strings.TrimSpace(p.Ed25519PrivHex))
	if err != nil || len(edBytes) != ed25519.PrivateKeySize {
		return identity.Identity{}, fmt.Errorf("broadcastd: malformed ed25519 key")
	}
	edPriv := ed25519.PrivateKey(edBytes)

	var pub [65]byte
	copy(pub[:], secpPriv.PubKey().SerializeUncompressed())

	return identity.Identity{
		Secp256k1Priv: secpPriv,
		Secp256k1Pub:  pub,
		Ed25519Priv:   edPriv,
		Ed25519Pub:    edPriv.Public().(ed25519.PublicKey),
	}, nil
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func sanitizeUser(user string) string {
	var b strings.Builder
	for _, r := range user {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
