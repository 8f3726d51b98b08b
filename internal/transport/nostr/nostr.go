// Package nostr implements D2, the signed-event relay transport, built
// directly on github.com/nbd-wtf/go-nostr — the library comunifi-relay
// depends on in the retrieval pack — for event construction, signing, NIP-04
// encryption, and relay-pool management.
package nostr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
)

const (
	kindEncryptedDM = 4
	reconnectDelay  = 5 * time.Second
)

// Config is the subset of internal/broadcast.Config this driver needs.
type Config struct {
	Relays []string
}

type relayConn struct {
	url string
	rl  *nostr.Relay
}

type Driver struct {
	cfg Config

	mu       sync.Mutex
	privHex  string
	pubHex   string
	relays   map[string]*relayConn
	handler  transport.InboundHandler
	cancel   context.CancelFunc
	stopped  bool
}

func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, relays: map[string]*relayConn{}}
}

func (d *Driver) Name() string { return "nostr" }

// Init connects to every configured relay concurrently and subscribes to
// kind=4 events tagged #p=selfPubkey. Success requires at least one relay to
// connect; the rest keep retrying in the background via reconnect loops.
func (d *Driver) Init(ctx context.Context, id transport.Identity, _ any) error {
	d.mu.Lock()
	d.privHex = id.Secp256k1PrivHex()
	d.pubHex = id.NostrPubKey()
	relayURLs := append([]string(nil), d.cfg.Relays...)
	d.mu.Unlock()

	if len(relayURLs) == 0 {
		return fmt.Errorf("nostr: init: no relays configured")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	var wg sync.WaitGroup
	connected := make([]bool, len(relayURLs))
	for i, u := range relayURLs {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			if err := d.connectAndSubscribe(runCtx, u); err == nil {
				connected[i] = true
			}
		}(i, u)
	}
	wg.Wait()

	anyConnected := false
	for _, ok := range connected {
		if ok {
			anyConnected = true
			break
		}
	}
	if !anyConnected {
		cancel()
		return fmt.Errorf("nostr: init: no relay reachable out of %d configured", len(relayURLs))
	}
	return nil
}

func (d *Driver) connectAndSubscribe(ctx context.Context, url string) error {
	rl, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		go d.reconnectLoop(ctx, url)
		return err
	}

	d.mu.Lock()
	d.relays[url] = &relayConn{url: url, rl: rl}
	d.mu.Unlock()

	d.mu.Lock()
	self := d.pubHex
	d.mu.Unlock()

	filters := []nostr.Filter{{Kinds: []int{kindEncryptedDM}, Tags: nostr.TagMap{"p": []string{self}}}}
	sub, err := rl.Subscribe(ctx, filters)
	if err != nil {
		return err
	}

	go d.consume(ctx, url, sub)
	go d.watchClose(ctx, url, rl)
	return nil
}

func (d *Driver) consume(ctx context.Context, url string, sub *nostr.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			d.handleEvent(url, ev)
		}
	}
}

func (d *Driver) handleEvent(url string, ev *nostr.Event) {
	d.mu.Lock()
	privHex := d.privHex
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		return
	}

	sharedSecret, err := nip04.ComputeSharedSecret(ev.PubKey, privHex)
	if err != nil {
		return
	}
	plaintext, err := nip04.Decrypt(ev.Content, sharedSecret)
	if err != nil {
		return
	}
	handler(transport.Inbound{Payload: []byte(plaintext), ServerTag: url, Driver: "nostr"})
}

// watchClose removes a relay from the pool on disconnect and retries after
// reconnectDelay.
func (d *Driver) watchClose(ctx context.Context, url string, rl *nostr.Relay) {
	<-rl.Context().Done()
	d.mu.Lock()
	delete(d.relays, url)
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return
	}
	d.reconnectLoop(ctx, url)
}

func (d *Driver) reconnectLoop(ctx context.Context, url string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			return
		}
		if err := d.connectAndSubscribe(ctx, url); err == nil {
			return
		}
	}
}

func (d *Driver) OnInbound(h transport.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Send NIP-04-encrypts payload for recipientPubkey, builds and signs a
// kind-4 event, and publishes it to every currently-connected relay,
// succeeding if at least one publish succeeds.
func (d *Driver) Send(ctx context.Context, recipientPubkey string, payload []byte) transport.Result {
	start := time.Now()

	d.mu.Lock()
	privHex := d.privHex
	conns := make([]*relayConn, 0, len(d.relays))
	for _, c := range d.relays {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	if privHex == "" {
		return transport.Result{Success: false, ErrorKind: transport.ErrNotInitialized, Detail: "driver not initialized"}
	}
	if len(conns) == 0 {
		return transport.Result{Success: false, ErrorKind: transport.ErrUnreachable, Detail: "no connected relays"}
	}

	sharedSecret, err := nip04.ComputeSharedSecret(recipientPubkey, privHex)
	if err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrAuth, Detail: err.Error()}
	}
	ciphertext, err := nip04.Encrypt(string(payload), sharedSecret)
	if err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrProtocol, Detail: err.Error()}
	}

	ev := nostr.Event{
		PubKey:    pubkeyFromPriv(privHex),
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      kindEncryptedDM,
		Tags:      nostr.Tags{{"p", recipientPubkey}},
		Content:   ciphertext,
	}
	if err := ev.Sign(privHex); err != nil {
		return transport.Result{Success: false, ErrorKind: transport.ErrAuth, Detail: err.Error()}
	}

	successes := 0
	var lastErr error
	for _, c := range conns {
		if err := c.rl.Publish(ctx, ev); err != nil {
			lastErr = err
			continue
		}
		successes++
	}

	if successes == 0 {
		kind := transport.ErrUnreachable
		detail := "no relay accepted the event"
		if lastErr != nil {
			detail = lastErr.Error()
		}
		return transport.Result{Success: false, ErrorKind: kind, Detail: detail}
	}

	return transport.Result{
		Success:   true,
		LatencyMs: time.Since(start).Milliseconds(),
		Detail:    fmt.Sprintf("published to %d/%d relays", successes, len(conns)),
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
	conns := make([]*relayConn, 0, len(d.relays))
	for _, c := range d.relays {
		conns = append(conns, c)
	}
	d.relays = map[string]*relayConn{}
	d.mu.Unlock()

	for _, c := range conns {
		c.rl.Close()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (d *Driver) Status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return transport.Status{Connected: len(d.relays), Total: len(d.cfg.Relays), Detail: "nostr relay pool"}
}

func pubkeyFromPriv(privHex string) string {
	pub, err := nostr.GetPublicKey(privHex)
	if err != nil {
		return ""
	}
	return pub
}
