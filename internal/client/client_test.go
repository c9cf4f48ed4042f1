package client_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tacnet/comms/internal/client"
	"github.com/tacnet/comms/internal/peer"
	"github.com/tacnet/comms/internal/signaling"
)

type fakeTransport struct {
	mu      sync.Mutex
	offers  int
	answers int
	remote  []signaling.SDP
	closed  bool

	negotiationNeeded func()
	onCandidate       func(signaling.Candidate)
	onConnectivity    func(peer.Connectivity)
}

func (t *fakeTransport) CreateOffer(opts peer.OfferOptions) (signaling.SDP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	return signaling.SDP{Type: "offer", SDP: "v=0 fake offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (signaling.SDP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers++
	return signaling.SDP{Type: "answer", SDP: "v=0 fake answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(signaling.SDP) error { return nil }

func (t *fakeTransport) SetRemoteDescription(desc signaling.SDP) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = append(t.remote, desc)
	return nil
}

func (t *fakeTransport) AddICECandidate(signaling.Candidate) error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) OnNegotiationNeeded(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.negotiationNeeded = f
}

func (t *fakeTransport) OnICECandidate(f func(signaling.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = f
}

func (t *fakeTransport) OnConnectivityChange(f func(peer.Connectivity)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnectivity = f
}

func (t *fakeTransport) connectivity(c peer.Connectivity) {
	t.mu.Lock()
	f := t.onConnectivity
	t.mu.Unlock()
	if f != nil {
		f(c)
	}
}

func (t *fakeTransport) offerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// transportHub hands out one fake transport per remote and counts factory
// calls, so tests can assert rediscovery does not rebuild transports.
type transportHub struct {
	mu       sync.Mutex
	byRemote map[string]*fakeTransport
	calls    map[string]int
}

func newTransportHub() *transportHub {
	return &transportHub{
		byRemote: make(map[string]*fakeTransport),
		calls:    make(map[string]int),
	}
}

func (h *transportHub) factory(remote string) (peer.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[remote]++
	tr := &fakeTransport{}
	h.byRemote[remote] = tr
	return tr, nil
}

func (h *transportHub) get(remote string) *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byRemote[remote]
}

func (h *transportHub) callCount(remote string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[remote]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T) string {
	t.Helper()
	relay := signaling.NewRelay(signaling.Config{Logger: quietLogger()})
	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url, room string, hub *transportHub) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{
		URL:          url,
		Room:         room,
		NewTransport: hub.factory,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func onlyPeer(t *testing.T, c *client.Client) string {
	t.Helper()
	waitFor(t, "peer discovery", func() bool { return len(c.Peers()) == 1 })
	return c.Peers()[0]
}

func TestNewcomerNegotiatesWithExistingMember(t *testing.T) {
	url := newTestRelay(t)
	aHub, bHub := newTransportHub(), newTransportHub()

	a := dialClient(t, url, "alpha", aHub)
	b := dialClient(t, url, "alpha", bHub)

	// B joined second, so B initiates toward A; A only answers.
	aID := onlyPeer(t, b)
	bID := onlyPeer(t, a)

	bSession, ok := b.Session(aID)
	if !ok {
		t.Fatalf("newcomer has no session toward %s", aID)
	}
	if got := bSession.Role(); got != peer.RoleInitiator {
		t.Fatalf("newcomer session role=%v, want initiator", got)
	}
	aSession, ok := a.Session(bID)
	if !ok {
		t.Fatalf("existing member has no session toward %s", bID)
	}
	if got := aSession.Role(); got != peer.RoleAnswerer {
		t.Fatalf("existing member session role=%v, want answerer", got)
	}

	// Offer/answer completes through the relay.
	waitFor(t, "initiator connected", func() bool {
		return bSession.State() == peer.StateConnected
	})
	if got := aHub.get(bID).offerCount(); got != 0 {
		t.Fatalf("answerer created %d offers, want 0", got)
	}

	// A was discovered twice (user-joined, then B's offer); the transport
	// must have been built exactly once.
	if got := aHub.callCount(bID); got != 1 {
		t.Fatalf("answerer transport built %d times, want 1", got)
	}

	// Media-path confirmation completes the answerer side too.
	aHub.get(bID).connectivity(peer.ConnectivityUp)
	waitFor(t, "answerer connected", func() bool {
		return aSession.State() == peer.StateConnected
	})
}

func TestTransmissionStatePropagates(t *testing.T) {
	url := newTestRelay(t)
	aHub, bHub := newTransportHub(), newTransportHub()

	a := dialClient(t, url, "bravo", aHub)
	b := dialClient(t, url, "bravo", bHub)
	bID := onlyPeer(t, a)
	onlyPeer(t, b)

	b.SetTransmitting(true)
	waitFor(t, "remote ptt on", func() bool { return a.PTT().Transmitting(bID) })

	if b.PTT().Transmitting(bID) {
		t.Fatalf("sender sees its own broadcast")
	}
	if !b.PTT().LocalTransmitting() {
		t.Fatalf("local gate not set")
	}

	b.SetTransmitting(false)
	waitFor(t, "remote ptt off", func() bool { return !a.PTT().Transmitting(bID) })
}

func TestPeerDepartureReleasesSession(t *testing.T) {
	url := newTestRelay(t)
	aHub, bHub := newTransportHub(), newTransportHub()

	a := dialClient(t, url, "charlie", aHub)
	b := dialClient(t, url, "charlie", bHub)
	bID := onlyPeer(t, a)
	onlyPeer(t, b)

	b.SetTransmitting(true)
	waitFor(t, "remote ptt on", func() bool { return a.PTT().Transmitting(bID) })

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-b.Done()
	if err := b.Err(); err != nil {
		t.Fatalf("deliberate close reported error: %v", err)
	}

	waitFor(t, "peer removal", func() bool { return len(a.Peers()) == 0 })
	if !aHub.get(bID).isClosed() {
		t.Fatalf("departed peer's transport not closed")
	}
	if a.PTT().Transmitting(bID) {
		t.Fatalf("departed peer still marked transmitting")
	}
}

func TestThreeMemberMesh(t *testing.T) {
	url := newTestRelay(t)
	hubs := []*transportHub{newTransportHub(), newTransportHub(), newTransportHub()}

	clients := make([]*client.Client, 3)
	for i := range clients {
		clients[i] = dialClient(t, url, "delta", hubs[i])
		waitFor(t, "mesh discovery", func() bool { return len(clients[i].Peers()) == i })
	}

	// The newest member initiated toward both others and should converge.
	for _, remote := range clients[2].Peers() {
		s, _ := clients[2].Session(remote)
		if s.Role() != peer.RoleInitiator {
			t.Fatalf("newcomer session toward %s is %v, want initiator", remote, s.Role())
		}
		waitFor(t, "mesh negotiation", func() bool { return s.State() == peer.StateConnected })
	}

	// The first member answers everyone.
	for _, remote := range clients[0].Peers() {
		s, _ := clients[0].Session(remote)
		if s.Role() != peer.RoleAnswerer {
			t.Fatalf("first member session toward %s is %v, want answerer", remote, s.Role())
		}
	}
}
