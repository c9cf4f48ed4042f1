// Package client implements the relay-facing side of a mission channel
// participant: it joins a room, keeps one negotiation session per remote
// member, and carries push-to-talk state. Media transports are injected,
// so the same client drives real pion connections or in-memory fakes.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tacnet/comms/internal/peer"
	"github.com/tacnet/comms/internal/ptt"
	"github.com/tacnet/comms/internal/signaling"
)

const wsWriteWait = time.Second

// TransportFactory builds the media transport for one remote member. It is
// called at most once per remote per session.
type TransportFactory func(remote string) (peer.Transport, error)

type Config struct {
	// URL is the relay's websocket endpoint (ws:// or wss://).
	URL string
	// Room is the mission channel to join.
	Room string

	NewTransport TransportFactory

	Logger *slog.Logger

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the upgrade request (Origin and the like).
	Header http.Header

	// OnPeerState, if set, observes session state transitions. Called from
	// session internals; must not call back into the session.
	OnPeerState func(remote string, state peer.State)
}

// Client is one connected participant.
type Client struct {
	room         string
	newTransport TransportFactory
	log          *slog.Logger
	onPeerState  func(string, peer.State)

	conn    *websocket.Conn
	writeMu sync.Mutex

	gate *ptt.Coordinator

	mu       sync.Mutex
	sessions map[string]*peer.Session
	closed   bool

	done     chan struct{}
	downOnce sync.Once
	err      error
}

// Dial connects to the relay and requests room membership. The membership
// snapshot and peer discovery happen asynchronously on the read loop; use
// Peers and Session to observe progress, and Done to watch for teardown.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("room is required")
	}
	if cfg.NewTransport == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		room:         cfg.Room,
		newTransport: cfg.NewTransport,
		log:          log.With("room", cfg.Room),
		onPeerState:  cfg.OnPeerState,
		conn:         conn,
		sessions:     make(map[string]*peer.Session),
		done:         make(chan struct{}),
	}
	c.gate = ptt.NewCoordinator(c.broadcastTransmission, c.log)

	if err := c.send(signaling.Message{
		Event:  signaling.EventJoinRoom,
		RoomID: cfg.Room,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// PTT exposes the transmission coordinator.
func (c *Client) PTT() *ptt.Coordinator { return c.gate }

// SetTransmitting toggles the local transmission gate and announces it to
// the room.
func (c *Client) SetTransmitting(active bool) {
	c.gate.SetLocalTransmitting(active)
}

// Peers returns the remote member ids with a session, in no particular
// order.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// Session returns the session for a remote member, if one exists.
func (c *Client) Session(remote string) (*peer.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[remote]
	return s, ok
}

// Done is closed when the client has shut down, deliberately or not.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client went down. Nil after a deliberate Close.
// Only meaningful once Done is closed.
func (c *Client) Err() error { return c.err }

// Close leaves the room and releases every session. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.shutdown(nil)
	return err
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		msg, err := signaling.ParseServerMessage(data)
		if err != nil {
			// The relay speaks a fixed protocol; anything unparseable is
			// logged and skipped rather than fatal.
			c.log.Warn("unparseable relay message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg signaling.Message) {
	switch msg.Event {
	case signaling.EventRoomUsers:
		// We are the newcomer: initiate toward every existing member.
		for _, remote := range msg.Members {
			s, err := c.ensureSession(remote, peer.RoleInitiator)
			if err != nil {
				c.log.Error("create session failed", "remote", remote, "err", err)
				continue
			}
			s.Negotiate()
		}
	case signaling.EventUserJoined:
		// The newcomer initiates; we only prepare to answer.
		if _, err := c.ensureSession(msg.ID, peer.RoleAnswerer); err != nil {
			c.log.Error("create session failed", "remote", msg.ID, "err", err)
		}
	case signaling.EventSignal:
		s, err := c.ensureSession(msg.From, peer.RoleAnswerer)
		if err != nil {
			c.log.Error("create session failed", "remote", msg.From, "err", err)
			return
		}
		s.HandleSignal(*msg.Signal)
	case signaling.EventUserLeft:
		c.dropSession(msg.ID)
	case signaling.EventPeerPTT:
		if msg.Active != nil {
			c.gate.HandleRemoteTransmission(msg.ID, *msg.Active)
		}
	case signaling.EventError:
		c.log.Warn("relay error", "code", msg.Code, "message", msg.Message)
	}
}

// ensureSession returns the session for a remote member, creating it on
// first discovery. Rediscovering a known member (user-joined racing an
// early signal, say) is a no-op and keeps the existing session.
func (c *Client) ensureSession(remote string, role peer.Role) (*peer.Session, error) {
	if remote == "" {
		return nil, fmt.Errorf("empty remote member id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client closed")
	}
	if s, ok := c.sessions[remote]; ok {
		return s, nil
	}

	tr, err := c.newTransport(remote)
	if err != nil {
		return nil, fmt.Errorf("transport for %s: %w", remote, err)
	}

	var onState func(peer.State)
	if c.onPeerState != nil {
		cb := c.onPeerState
		onState = func(st peer.State) { cb(remote, st) }
	}

	s, err := peer.NewSession(peer.SessionConfig{
		Remote:    remote,
		Role:      role,
		Transport: tr,
		Sender: peer.SignalSenderFunc(func(to string, payload signaling.Payload) error {
			return c.send(signaling.Message{
				Event:  signaling.EventSignal,
				To:     to,
				Signal: &payload,
			})
		}),
		Logger:        c.log,
		OnStateChange: onState,
	})
	if err != nil {
		tr.Close()
		return nil, err
	}
	c.sessions[remote] = s
	c.log.Info("peer discovered", "remote", remote, "role", role.String())
	return s, nil
}

func (c *Client) dropSession(remote string) {
	c.mu.Lock()
	s, ok := c.sessions[remote]
	delete(c.sessions, remote)
	c.mu.Unlock()

	c.gate.Forget(remote)
	if ok {
		s.Close()
		c.log.Info("peer left", "remote", remote)
	}
}

func (c *Client) broadcastTransmission(active bool) error {
	return c.send(signaling.Message{
		Event:  signaling.EventPTTStatus,
		RoomID: c.room,
		Active: &active,
	})
}

func (c *Client) send(msg signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// shutdown releases all sessions exactly once. err is recorded only for
// unexpected teardown; a deliberate Close reports nil.
func (c *Client) shutdown(err error) {
	c.downOnce.Do(func() {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
			c.err = err
		}
		sessions := make([]*peer.Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessions = make(map[string]*peer.Session)
		c.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
		c.conn.Close()
		close(c.done)
	})
}
