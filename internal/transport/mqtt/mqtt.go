// Package mqtt implements D3, the broker pub/sub transport, on
// github.com/eclipse/paho.mqtt.golang — depended on by both
// Chris-Alexander-Pop-go-hyperforge and kabili207-meshcore-go in the
// retrieval pack.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
)

const (
	connectTimeout = 10 * time.Second
	reconnectDelay = 5 * time.Second
	qos            = 1
)

// Config is the subset of internal/broadcast.Config this driver needs.
type Config struct {
	Brokers []string
}

type Driver struct {
	cfg Config

	mu      sync.Mutex
	selfHex string
	clients map[string]paho.Client
	handler transport.InboundHandler
	stopped bool
}

func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, clients: map[string]paho.Client{}}
}

func (d *Driver) Name() string { return "mqtt" }

func topicFor(hexID string) string { return "dm/" + hexID }

// Init connects to every configured broker concurrently with a 10s timeout
// per broker, using a persistent session (clean=false) and a 5s reconnect
// period, then subscribes to dm/{selfHex} at QoS 1. Success requires at
// least one broker to connect.
func (d *Driver) Init(ctx context.Context, id transport.Identity, _ any) error {
	d.mu.Lock()
	d.selfHex = id.PubSubIdentifier()
	brokers := append([]string(nil), d.cfg.Brokers...)
	d.mu.Unlock()

	if len(brokers) == 0 {
		return fmt.Errorf("mqtt: init: no brokers configured")
	}

	var wg sync.WaitGroup
	ok := make([]bool, len(brokers))
	clients := make([]paho.Client, len(brokers))
	for i, b := range brokers {
		wg.Add(1)
		go func(i int, broker string) {
			defer wg.Done()
			client, err := d.connectOne(broker)
			if err != nil {
				return
			}
			clients[i] = client
			ok[i] = true
		}(i, b)
	}
	wg.Wait()

	d.mu.Lock()
	anyConnected := false
	for i, b := range brokers {
		if ok[i] {
			d.clients[b] = clients[i]
			anyConnected = true
		}
	}
	d.mu.Unlock()

	if !anyConnected {
		return fmt.Errorf("mqtt: init: no broker reachable out of %d configured", len(brokers))
	}
	return nil
}

func (d *Driver) connectOne(broker string) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("broadcastd-" + clientSuffix()).
		SetCleanSession(false).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectDelay).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectDelay)

	opts.SetDefaultPublishHandler(func(c paho.Client, msg paho.Message) {
		d.mu.Lock()
		handler := d.handler
		d.mu.Unlock()
		if handler != nil {
			handler(transport.Inbound{Payload: msg.Payload(), ServerTag: broker, Driver: "mqtt"})
		}
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect timeout: %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect: %s: %w", broker, err)
	}

	d.mu.Lock()
	selfHex := d.selfHex
	d.mu.Unlock()
	subTok := client.Subscribe(topicFor(selfHex), qos, nil)
	if !subTok.WaitTimeout(connectTimeout) || subTok.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt: subscribe: %s", broker)
	}

	return client, nil
}

func (d *Driver) OnInbound(h transport.InboundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Send publishes payload to dm/{recipientHex} at QoS 1 with retain=true on
// every connected broker, counting per-broker successes. It never blocks
// past connectTimeout per broker.
func (d *Driver) Send(ctx context.Context, recipientHex string, payload []byte) transport.Result {
	start := time.Now()

	d.mu.Lock()
	clients := make(map[string]paho.Client, len(d.clients))
	for k, v := range d.clients {
		clients[k] = v
	}
	d.mu.Unlock()

	if len(clients) == 0 {
		return transport.Result{Success: false, ErrorKind: transport.ErrNotInitialized, Detail: "no connected brokers"}
	}

	topic := topicFor(recipientHex)
	successes := 0
	var lastErr error
	for broker, client := range clients {
		if !client.IsConnected() {
			lastErr = fmt.Errorf("not connected: %s", broker)
			continue
		}
		token := client.Publish(topic, qos, true, payload)
		if !token.WaitTimeout(connectTimeout) {
			lastErr = fmt.Errorf("publish timeout: %s", broker)
			continue
		}
		if err := token.Error(); err != nil {
			lastErr = err
			continue
		}
		successes++
	}

	if successes == 0 {
		detail := "no broker accepted the publish"
		if lastErr != nil {
			detail = lastErr.Error()
		}
		return transport.Result{Success: false, ErrorKind: transport.ErrUnreachable, Detail: detail}
	}

	return transport.Result{
		Success:   true,
		LatencyMs: time.Since(start).Milliseconds(),
		Detail:    fmt.Sprintf("published to %d/%d brokers", successes, len(clients)),
	}
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	clients := make([]paho.Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clients = map[string]paho.Client{}
	d.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(250)
	}
	return nil
}

func (d *Driver) Status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	connected := 0
	for _, c := range d.clients {
		if c.IsConnected() {
			connected++
		}
	}
	return transport.Status{Connected: connected, Total: len(d.cfg.Brokers), Detail: "mqtt broker pool"}
}

func clientSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
