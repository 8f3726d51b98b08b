// Command transport-tester manually exercises a single transport driver:
// generate an ephemeral identity, initialize one driver, optionally send one
// message to a recipient magnet link, and print whatever arrives for a
// bounded window. It exists to probe a single transport in isolation
// without standing up the full chat loop in cmd/broadcastd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/reisepass/broadcast-On-All-Channels/internal/broadcast"
	"github.com/reisepass/broadcast-On-All-Channels/internal/transport"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/envelope"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/identity"
	"github.com/reisepass/broadcast-On-All-Channels/pkg/telemetry"
)

const toolVersion = "0.1.0"

// Exit codes returned by this tool.
const (
	exitSuccess      = 0
	exitGeneralError = 1
	exitInvalidArgs  = 2
)

var errInvalidArgs = errors.New("invalid_args")

type config struct {
	Transport string
	Recipient string
	Message   string
	Listen    time.Duration
}

type report struct {
	ToolVersion string           `json:"tool_version"`
	Transport   string           `json:"transport"`
	SelfMagnet  string           `json:"self_magnet"`
	SendResults []sendResultView `json:"send_results,omitempty"`
	Received    []receivedView   `json:"received"`
}

type sendResultView struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latency_ms"`
	ErrorKind string `json:"error_kind,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type receivedView struct {
	Via     string `json:"via"`
	Content string `json:"content"`
}

func main() {
	os.Exit(mainE(os.Args[1:], os.Stdout, os.Stderr))
}

func mainE(args []string, stdout, stderr *os.File) int {
	cfg, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		fmt.Fprintln(stderr, "transport-tester:", err)
		return exitInvalidArgs
	}

	id, err := identity.Generate()
	if err != nil {
		fmt.Fprintln(stderr, "transport-tester: identity generation failed:", err)
		return exitGeneralError
	}
	selfMagnet, err := identity.Encode(id)
	if err != nil {
		fmt.Fprintln(stderr, "transport-tester: identity encode failed:", err)
		return exitGeneralError
	}

	bcfg := broadcast.DefaultConfig()
	enableOnly(&bcfg, cfg.Transport)

	caster := broadcast.New(id, bcfg, nil, telemetry.NopMeterInstance, telemetry.Nop, nil)

	var (
		mu       sync.Mutex
		received []receivedView
	)
	caster.OnMessage(func(payload []byte, transportName string) {
		msg, ok := envelope.Deserialize(payload)
		if !ok {
			return
		}
		mu.Lock()
		received = append(received, receivedView{Via: transportName, Content: msg.Content})
		mu.Unlock()
	})
	for _, d := range caster.Drivers() {
		d.OnInbound(func(in transport.Inbound) { caster.NotifyMessage(in.Payload, in.Driver) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Listen+10*time.Second)
	defer cancel()

	if err := caster.Initialize(ctx); err != nil {
		fmt.Fprintln(stderr, "transport-tester: initialize failed:", err)
		return exitGeneralError
	}
	defer caster.Shutdown(context.Background())

	rep := report{ToolVersion: toolVersion, Transport: cfg.Transport, SelfMagnet: selfMagnet}

	if cfg.Recipient != "" && cfg.Message != "" {
		msg := envelope.NewMessage(cfg.Message, selfMagnet)
		payload, err := envelope.Serialize(msg)
		if err != nil {
			fmt.Fprintln(stderr, "transport-tester: serialize failed:", err)
			return exitGeneralError
		}
		results, err := caster.Send(ctx, cfg.Recipient, payload)
		if err != nil {
			fmt.Fprintln(stderr, "transport-tester: send failed:", err)
			return exitGeneralError
		}
		for _, r := range results {
			rep.SendResults = append(rep.SendResults, sendResultView{
				Success: r.Success, LatencyMs: r.LatencyMs,
				ErrorKind: string(r.ErrorKind), Detail: r.Detail,
			})
		}
	}

	if cfg.Listen > 0 {
		time.Sleep(cfg.Listen)
	}
	mu.Lock()
	rep.Received = received
	mu.Unlock()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
	return exitSuccess
}

func parseArgs(args []string, stderr *os.File) (config, error) {
	fs := flag.NewFlagSet("transport-tester", flag.ContinueOnError)
	fs.SetOutput(stderr)

	transport := fs.String("transport", "", "transport to exercise: dm,nostr,mqtt,mesh,p2p")
	recipient := fs.String("recipient", "", "recipient magnet link to send to")
	message := fs.String("message", "", "message content to send")
	listen := fs.Duration("listen", 5*time.Second, "how long to wait for inbound traffic after sending")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	t := strings.ToLower(strings.TrimSpace(*transport))
	switch t {
	case "dm", "nostr", "mqtt", "mesh", "p2p":
	default:
		return config{}, fmt.Errorf("%w: --transport must be one of dm,nostr,mqtt,mesh,p2p", errInvalidArgs)
	}

	return config{
		Transport: t,
		Recipient: strings.TrimSpace(*recipient),
		Message:   strings.TrimSpace(*message),
		Listen:    *listen,
	}, nil
}

func enableOnly(cfg *broadcast.Config, transport string) {
	cfg.XMTPEnabled = transport == "dm"
	cfg.NostrEnabled = transport == "nostr"
	cfg.MQTTEnabled = transport == "mqtt"
	cfg.WakuEnabled = transport == "mesh"
	cfg.IrohEnabled = transport == "p2p"
}
