package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/tacnet/comms/internal/config"
)

func captureWarnings(cfg config.Config) string {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logStartupSecurityWarnings(logger, cfg)
	return buf.String()
}

func TestWarnsOnWildcardOrigins(t *testing.T) {
	out := captureWarnings(config.Config{
		AllowedOrigins: []string{"https://hq.example.com", "*"},
	})
	if !strings.Contains(out, "allowed_origins_wildcard") {
		t.Fatalf("missing wildcard warning, got: %s", out)
	}
}

func TestWarnsOnUnlimitedClientsInProd(t *testing.T) {
	cfg := config.Config{
		Mode:       config.ModeProd,
		MaxClients: 0,
	}
	out := captureWarnings(cfg)
	if !strings.Contains(out, "max_clients_unlimited_in_prod") {
		t.Fatalf("missing max clients warning, got: %s", out)
	}

	cfg.MaxClients = 100
	if out := captureWarnings(cfg); strings.Contains(out, "max_clients_unlimited_in_prod") {
		t.Fatalf("unexpected max clients warning, got: %s", out)
	}
}

func TestWarnsOnMissingTURNInProd(t *testing.T) {
	cfg := config.Config{
		Mode:       config.ModeProd,
		MaxClients: 10,
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
	}
	out := captureWarnings(cfg)
	if !strings.Contains(out, "no_turn_in_prod") {
		t.Fatalf("missing turn warning, got: %s", out)
	}

	cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
		URLs:       []string{"turn:turn.example.com"},
		Username:   "u",
		Credential: "p",
	})
	if out := captureWarnings(cfg); strings.Contains(out, "no_turn_in_prod") {
		t.Fatalf("unexpected turn warning, got: %s", out)
	}

	// TURN REST replaces a static TURN credential set.
	cfg.ICEServers = cfg.ICEServers[:1]
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s"}
	if out := captureWarnings(cfg); strings.Contains(out, "no_turn_in_prod") {
		t.Fatalf("unexpected turn warning with turn rest, got: %s", out)
	}
}

func TestNoWarningsInQuietDevConfig(t *testing.T) {
	out := captureWarnings(config.Config{Mode: config.ModeDev})
	if strings.Contains(out, "startup security warning") {
		t.Fatalf("unexpected warnings: %s", out)
	}
}
