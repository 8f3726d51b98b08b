// Package mesh implements D4, the peer-to-peer pub/sub mesh transport
// standing in for Waku: unencrypted content-addressed gossip pub/sub over
// github.com/libp2p/go-libp2p plus github.com/libp2p/go-libp2p-pubsub.
// Waku's content-topic naming convention (`/broadcast/1/dm-{hex}/proto`) is
// kept verbatim and mapped onto a single gossipsub topic string; Waku's
// "shard info" becomes that topic's gossipsub mesh membership, inspected via
// Topic.ListPeers.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
)

// DefaultBootstrapPeers mirrors the public libp2p bootstrap set; callers
// may override via Config.BootstrapPeers.
var DefaultBootstrapPeers = []string{
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa",
}

const readyWait = 10 * time.Second

// Config is the subset of internal/broadcast.Config this driver needs.
type Config struct {
	BootstrapPeers []string
}

func contentTopic(hexID string) string { return "/broadcast/1/dm-" + hexID + "/proto" }

type Driver struct {
	cfg Config

	mu       sync.Mutex
	h        host.Host
	ps       *pubsub.PubSub
	selfTop  *pubsub.Topic
	selfSub  *pubsub.Subscription
	selfHex  string
	handler  transport.InboundHandler
	cancel   context.CancelFunc
	stopped  bool
}

func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

func (d *Driver) Name() string { return "mesh" }

// Init brings up a libp2p host with an ephemeral transport identity (mesh
// addressing uses the caller's generic hex identifier, not the libp2p peer
// id), joins a gossipsub topic for this identity's content topic, bootstraps
// to the configured (or default) peer set, and waits up to readyWait for at
// least one mesh peer before declaring ready.
func (d *Driver) Init(ctx context.Context, id transport.Identity, _ any) error {
	d.mu.Lock()
	d.selfHex = id.PubSubIdentifier()
	bootstrap := d.cfg.BootstrapPeers
	if len(bootstrap) == 0 {
		bootstrap = DefaultBootstrapPeers
	}
	d.mu.Unlock()

	h, err := libp2p.New()
	if err != nil {
		return fmt.Errorf("mesh: init: new host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return fmt.Errorf("mesh: init: new gossipsub: %w", err)
	}

	bootstrapPeers(runCtx, h, bootstrap)

	topic, err := ps.Join(contentTopic(d.selfHex))
	if err != nil {
		cancel()
		_ = h.Close()
		return fmt.Errorf("mesh: init: join self topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		_ = h.Close()
		return fmt.Errorf("mesh: init: subscribe: %w", err)
	}

	d.mu.Lock()
	d.h = h
	d.ps = ps
	d.selfTop = topic
	d.selfSub = sub
	d.cancel = cancel
	d.mu.Unlock()

	waitForPeers(runCtx, topic, readyWait)

	go d.consume(runCtx, sub)
	return nil
}

func bootstrapPeers(ctx context.Context, h host.Host, addrs []string) {
	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			maddr, err := ma.NewMultiaddr(addr)
			if err != nil {
				return
			}
			info, err := peer.AddrInfoFromP2pAddr(maddr)
			if err != nil {
				return
			}
			dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_ = h.Connect(dialCtx, *info)
		}(a)
	}
	wg.Wait()
}

// waitForPeers blocks until the topic has at least one mesh peer or the
// deadline elapses; either way Init proceeds, since peer discovery is best
// effort rather than a hard precondition for readiness.
func waitForPeers(ctx context.Context, topic *pubsub.Topic, timeout time.Duration) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(topic.ListPeers()) > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

func (d *Driver) consume(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		d.mu.Lock()
		handler := d.handler
		self := d.h
		d.mu.Unlock()
		if handler == nil {
			continue
		}
		if self != nil && msg.ReceivedFrom == self.ID() {
			continue // gossipsub echoes our own publishes back via Subscription.Next
		}
		handler(transport.Inbound{Payload: msg.Data, Driver: "mesh"})
	}
}

func (d *Driver) OnInbound(h transport.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Send joins (if not already joined) the recipient's content topic and
// publishes payload unencrypted at the transport level; payload
// confidentiality is the caller's concern, not this driver's.
func (d *Driver) Send(ctx context.Context, recipientHex string, payload []byte) transport.Result {
	start := time.Now()

	d.mu.Lock()
	ps := d.ps
	d.mu.Unlock()
	if ps == nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrNotInitialized, Detail: "driver not initialized"}
	}

	topic, err := ps.Join(contentTopic(recipientHex))
	if err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrProtocol, Detail: err.Error()}
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := topic.Publish(sendCtx, payload); err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrUnreachable, Detail: err.Error()}
	}

	return transport.Result{
		Success:   true,
		LatencyMs: time.Since(start).Milliseconds(),
		Detail:    fmt.Sprintf("published to %d mesh peers", len(topic.ListPeers())),
	}
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	cancel := d.cancel
	sub := d.selfSub
	topic := d.selfTop
	h := d.h
	d.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if topic != nil {
		_ = topic.Close()
	}
	if cancel != nil {
		cancel()
	}
	if h != nil {
		return h.Close()
	}
	return nil
}

func (d *Driver) Status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	peers := 0
	if d.selfTop != nil {
		peers = len(d.selfTop.ListPeers())
	}
	total := len(d.cfg.BootstrapPeers)
	if total == 0 {
		total = len(DefaultBootstrapPeers)
	}
	return transport.Status{Connected: peers, Total: total, Detail: "gossipsub mesh peers on self topic"}
}
