// Package signaling implements the relay between mission channel members:
// room membership notifications, opaque negotiation payload forwarding and
// transmission state fan-out.
package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tacnet/comms/internal/metrics"
	"github.com/tacnet/comms/internal/ratelimit"
	"github.com/tacnet/comms/internal/roster"
)

const wsWriteWait = 1 * time.Second

const (
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
)

// Config wires together the runtime dependencies of the relay.
type Config struct {
	// Registry holds room membership. If nil, a fresh registry is used.
	Registry *roster.Registry

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// CheckOrigin gates the websocket upgrade. If nil, all origins are
	// accepted (unit tests; production wires the origin allowlist here).
	CheckOrigin func(r *http.Request) bool

	// MaxClients bounds concurrent connections. Zero means unlimited.
	MaxClients int

	// Inbound signaling hardening.
	MaxMessageBytes   int64
	MessagesPerSecond int

	// Clock drives the per-connection rate limiter; nil means wall clock.
	Clock ratelimit.Clock
}

// Relay is the signaling hub. Each websocket connection is one member; the
// member identifier is assigned on upgrade and never reused.
//
// Discovery is deliberately one-directional: a joiner receives the existing
// member list (room-users) and is the only side that initiates negotiation;
// existing members only learn the newcomer's identifier (user-joined) and
// wait for an inbound signal. This is what prevents double-offer glare, so
// both notifications must never be sent to the same side.
type Relay struct {
	reg *roster.Registry
	m   *metrics.Metrics
	log *slog.Logger

	maxClients        int
	maxMessageBytes   int64
	messagesPerSecond int
	clock             ratelimit.Clock

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func NewRelay(cfg Config) *Relay {
	reg := cfg.Registry
	if reg == nil {
		reg = roster.NewRegistry()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = DefaultMessagesPerSecond
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Relay{
		reg:               reg,
		m:                 cfg.Metrics,
		log:               log,
		maxClients:        cfg.MaxClients,
		maxMessageBytes:   maxBytes,
		messagesPerSecond: perSecond,
		clock:             cfg.Clock,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		clients: make(map[string]*client),
	}
}

// Registry exposes the membership table (read-only use expected).
func (s *Relay) Registry() *roster.Registry {
	return s.reg
}

func (s *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
	}

	if !s.addClient(c) {
		s.m.Inc(metrics.TooManyClients)
		_ = c.sendError("too_many_clients", "relay is at capacity")
		closeWith(conn, websocket.ClosePolicyViolation, "too many clients")
		_ = conn.Close()
		return
	}

	s.log.Info("member connected", "member", c.id, "remote_addr", r.RemoteAddr)
	s.readLoop(c)
	s.disconnect(c)
}

func (s *Relay) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.maxClients > 0 && len(s.clients) >= s.maxClients {
		return false
	}
	s.clients[c.id] = c
	return true
}

func (s *Relay) lookup(id string) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

func (s *Relay) readLoop(c *client) {
	c.conn.SetReadLimit(s.maxMessageBytes)
	limiter := ratelimit.NewBucket(s.clock, int64(s.messagesPerSecond), int64(s.messagesPerSecond))

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow() {
			s.m.Inc(metrics.RateLimited)
			_ = c.sendError("rate_limited", "rate limit exceeded")
			closeWith(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			closeWith(c.conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			s.m.Inc(metrics.BadMessages)
			_ = c.sendError("bad_message", err.Error())
			closeWith(c.conn, websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Event {
		case EventJoinRoom:
			if err := s.handleJoin(c, msg.RoomID); err != nil {
				_ = c.sendError("already_joined", err.Error())
				closeWith(c.conn, websocket.ClosePolicyViolation, "already joined")
				return
			}
		case EventSignal:
			s.forward(c, msg)
		case EventPTTStatus:
			s.broadcastTransmission(c, msg.RoomID, *msg.Active)
		}
	}
}

// handleJoin registers the member and performs the two-sided notification:
// the joiner gets the full existing list, existing members get exactly the
// newcomer's identifier.
func (s *Relay) handleJoin(c *client, roomID string) error {
	existing, err := s.reg.Join(roomID, c.id)
	if err != nil {
		// Joining twice is a client programming error, not a race we paper
		// over; the connection is torn down by the caller.
		return err
	}
	s.m.Inc(metrics.Joins)
	s.log.Info("member joined room", "member", c.id, "room", roster.NormalizeRoomID(roomID), "peers", len(existing))

	if err := c.send(Message{Event: EventRoomUsers, Members: existing}); err != nil {
		return nil
	}
	for _, id := range existing {
		if peer := s.lookup(id); peer != nil {
			_ = peer.send(Message{Event: EventUserJoined, ID: c.id})
		}
	}
	return nil
}

// forward delivers a negotiation payload to its target, stamping the sender.
// A missing target is a normal transient condition: the payload is dropped
// silently and only a counter records it.
func (s *Relay) forward(c *client, msg Message) {
	target := s.lookup(msg.To)
	if target == nil {
		s.m.Inc(metrics.DeliveryMiss)
		s.log.Debug("dropping signal for unknown member", "from", c.id, "to", msg.To)
		return
	}
	_ = target.send(Message{
		Event:  EventSignal,
		From:   c.id,
		Signal: msg.Signal,
	})
	s.m.Inc(metrics.SignalsRelayed)
}

// broadcastTransmission fans a member's talk/idle state out to every other
// member of the room. The registry's view of the sender's room wins over the
// claimed roomId, so a member cannot broadcast into a room it never joined.
func (s *Relay) broadcastTransmission(c *client, roomID string, active bool) {
	room, ok := s.reg.RoomOf(c.id)
	if !ok || room != roster.NormalizeRoomID(roomID) {
		s.log.Debug("dropping ptt-status for mismatched room", "member", c.id, "room", roomID)
		return
	}
	s.m.Inc(metrics.PTTBroadcasts)
	for _, id := range s.reg.MembersOf(room) {
		if id == c.id {
			continue
		}
		if peer := s.lookup(id); peer != nil {
			_ = peer.send(Message{Event: EventPeerPTT, ID: c.id, Active: &active})
		}
	}
}

// disconnect removes the member and notifies its room, if it was in one.
func (s *Relay) disconnect(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	_ = c.conn.Close()

	room, err := s.reg.Leave(c.id)
	if errors.Is(err, roster.ErrNotFound) {
		// Never joined a room; nothing to announce.
		s.log.Info("member disconnected", "member", c.id)
		return
	}
	s.m.Inc(metrics.Leaves)
	s.log.Info("member left room", "member", c.id, "room", room)

	for _, id := range s.reg.MembersOf(room) {
		if peer := s.lookup(id); peer != nil {
			_ = peer.send(Message{Event: EventUserLeft, ID: c.id})
		}
	}
}

// Close tears down every connection. Room state is not persisted; a relay
// restart starts from an empty registry.
func (s *Relay) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.closed = true
	s.mu.Unlock()

	for _, c := range clients {
		closeWith(c.conn, websocket.CloseGoingAway, "relay shutting down")
		_ = c.conn.Close()
	}
}

func (c *client) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) sendError(code, message string) error {
	return c.send(Message{Event: EventError, Code: code, Message: message})
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
