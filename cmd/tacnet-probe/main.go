// tacnet-probe is a headless diagnostic participant. It joins a room the
// same way a real member does (fetch ICE config, dial the relay, negotiate
// with every member) and logs session and transmission state, which makes
// it useful for smoke-testing a deployment from the command line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tacnet/comms/internal/client"
	"github.com/tacnet/comms/internal/peer"
)

func main() {
	var (
		relayURL = flag.String("relay", "http://127.0.0.1:8080", "relay base URL (http or https)")
		room     = flag.String("room", "probe", "room to join")
		interval = flag.Duration("status-interval", 5*time.Second, "how often to log a status summary (0 disables)")
		verbose  = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, *relayURL, *room, *interval); err != nil {
		logger.Error("probe failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, relayURL, room string, statusInterval time.Duration) error {
	base, err := url.Parse(relayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fmt.Errorf("relay url must be http or https, got %q", base.Scheme)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iceServers, err := fetchICEServers(ctx, base)
	if err != nil {
		return fmt.Errorf("fetch ice config: %w", err)
	}
	logger.Info("fetched ice config", "servers", len(iceServers))

	api := peer.NewAPI(logger)
	newTransport := func(remote string) (peer.Transport, error) {
		tr, err := peer.NewPionTransport(api, iceServers)
		if err != nil {
			return nil, err
		}
		// The probe never sends media; a recvonly audio transceiver is
		// enough to give the offer an m-line and exercise ICE end to end.
		if _, err := tr.PeerConnection().AddTransceiverFromKind(
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			tr.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
		return tr, nil
	}

	c, err := client.Dial(ctx, client.Config{
		URL:          wsURL(base),
		Room:         room,
		NewTransport: newTransport,
		Logger:       logger,
		OnPeerState: func(remote string, state peer.State) {
			logger.Info("peer state", "remote", remote, "state", state.String())
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("joined room", "room", room, "relay", relayURL)

	var statusC <-chan time.Time
	if statusInterval > 0 {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		statusC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return c.Close()
		case <-c.Done():
			return c.Err()
		case <-statusC:
			logStatus(logger, c)
		}
	}
}

func logStatus(logger *slog.Logger, c *client.Client) {
	peers := c.Peers()
	sort.Strings(peers)
	states := make([]string, 0, len(peers))
	for _, remote := range peers {
		s, ok := c.Session(remote)
		if !ok {
			continue
		}
		states = append(states, remote+"="+s.State().String())
	}

	transmitting := make([]string, 0)
	for member, active := range c.PTT().Snapshot() {
		if active {
			transmitting = append(transmitting, member)
		}
	}
	sort.Strings(transmitting)

	logger.Info("status", "peers", states, "transmitting", transmitting)
}

func fetchICEServers(ctx context.Context, base *url.URL) ([]webrtc.ICEServer, error) {
	iceURL := *base
	iceURL.Path = "/ice"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iceURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice endpoint returned http %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice response: %w", err)
	}
	return body.ICEServers, nil
}

func wsURL(base *url.URL) string {
	ws := *base
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = "/ws"
	return ws.String()
}
