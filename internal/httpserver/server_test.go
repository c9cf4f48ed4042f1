package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/tacnet/comms/internal/config"
	"github.com/tacnet/comms/internal/origin"
	"github.com/tacnet/comms/internal/signaling"
	"github.com/tacnet/comms/internal/turnrest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr: "127.0.0.1:0",
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
}

func newTestServer(t *testing.T, cfg config.Config, policy *origin.Policy, minter *turnrest.Minter) *Server {
	t.Helper()
	if policy == nil {
		p, err := origin.NewPolicy(nil)
		if err != nil {
			t.Fatalf("NewPolicy: %v", err)
		}
		policy = p
	}
	return New(cfg, quietLogger(), BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"}, policy, minter)
}

type iceResponse struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
	TTL int64 `json:"ttl"`
}

func getJSON(t *testing.T, handler http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	var body map[string]any
	rec := getJSON(t, s.Handler(), "/healthz", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if body["ok"] != true {
		t.Fatalf("body=%v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestReadyzFollowsServeLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	rec := getJSON(t, s.Handler(), "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status before Serve=%d, want 503", rec.Code)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + l.Addr().String() + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("readyz never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	var build BuildInfo
	rec := getJSON(t, s.Handler(), "/version", &build)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if build.Commit != "abc123" {
		t.Fatalf("build=%+v", build)
	}
}

func TestICEStaticServers(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	var body iceResponse
	rec := getJSON(t, s.Handler(), "/ice", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if len(body.ICEServers) != 1 || body.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("body=%+v", body)
	}
	if body.TTL != 0 {
		t.Fatalf("ttl=%d without turn rest", body.TTL)
	}
}

func TestICEWithTURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{"turn:turn.example.com:3478"}})
	cfg.TURNREST = config.TurnRESTConfig{
		SharedSecret:   "s3cret",
		TTLSeconds:     600,
		UsernamePrefix: "tacnet",
	}

	minter, err := turnrest.NewMinter(turnrest.MinterConfig{
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTLSeconds:     cfg.TURNREST.TTLSeconds,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		Now:            func() time.Time { return time.Unix(1000, 0).UTC() },
		MemberID:       func() (string, error) { return "probe", nil },
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	s := newTestServer(t, cfg, nil, minter)

	var body iceResponse
	rec := getJSON(t, s.Handler(), "/ice", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if body.TTL != 600 {
		t.Fatalf("ttl=%d", body.TTL)
	}
	if len(body.ICEServers) != 2 {
		t.Fatalf("body=%+v", body)
	}
	if body.ICEServers[0].Username != "" {
		t.Fatalf("stun entry got credentials: %+v", body.ICEServers[0])
	}
	turn := body.ICEServers[1]
	if turn.Username != "1600:tacnet:probe" {
		t.Fatalf("turn username=%q", turn.Username)
	}
	if turn.Credential == "" {
		t.Fatalf("turn credential missing")
	}
}

func TestICEOriginPolicy(t *testing.T) {
	policy, err := origin.NewPolicy([]string{"https://hq.example.com"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	s := newTestServer(t, testConfig(), policy, nil)

	req := httptest.NewRequest(http.MethodGet, "/ice", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disallowed origin: status=%d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ice", nil)
	req.Header.Set("Origin", "https://hq.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed origin: status=%d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://hq.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestOriginPreflight(t *testing.T) {
	policy, err := origin.NewPolicy([]string{"https://hq.example.com"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	s := newTestServer(t, testConfig(), policy, nil)

	handler := s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("route handler ran for preflight")
	})

	req := httptest.NewRequest(http.MethodOptions, "/ws", nil)
	req.Header.Set("Origin", "https://hq.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("missing Access-Control-Allow-Methods")
	}
}

func TestWebsocketUpgradeThroughMiddleware(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	relay := signaling.NewRelay(signaling.Config{Logger: quietLogger()})
	t.Cleanup(relay.Close)
	s.Mux().Handle("GET /ws", relay)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("upgrade through middleware: %v", err)
	}
	defer conn.Close()

	// The upgrade alone is not enough; prove the connection carries the
	// protocol end to end.
	if err := conn.WriteJSON(signaling.Message{Event: signaling.EventJoinRoom, RoomID: "alpha"}); err != nil {
		t.Fatalf("WriteJSON join: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	msg, err := signaling.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage(%s): %v", data, err)
	}
	if msg.Event != signaling.EventRoomUsers || len(msg.Members) != 0 {
		t.Fatalf("message=%+v, want empty room-users", msg)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)
	s.Mux().HandleFunc("GET /boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	rec := getJSON(t, s.Handler(), "/boom", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}
