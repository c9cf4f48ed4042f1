// Package peer implements the per-remote-member negotiation state machine.
//
// One Session exists per (local, remote) pair. It tolerates out-of-order
// signaling by buffering ICE candidates that arrive before the remote
// description, avoids glare through a fixed initiator role assigned at
// discovery time, and recovers from connectivity failures with an in-place
// ICE restart instead of tearing the session down.
package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tacnet/comms/internal/signaling"
)

// State is the connection lifecycle of a session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Role decides which side produces offers. It is fixed for the life of the
// session: the side that discovered the other through the room-users list
// (the newcomer) initiates; the side notified via user-joined answers.
type Role int

const (
	RoleInitiator Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "answerer"
}

// SignalSender delivers a negotiation payload toward the remote member,
// best effort. Implementations must not block on the remote side.
type SignalSender interface {
	SendSignal(to string, payload signaling.Payload) error
}

// SignalSenderFunc adapts a function to SignalSender.
type SignalSenderFunc func(to string, payload signaling.Payload) error

func (f SignalSenderFunc) SendSignal(to string, payload signaling.Payload) error {
	return f(to, payload)
}

type SessionConfig struct {
	// Remote is the relay-assigned identifier of the remote member.
	Remote string
	Role   Role

	Transport Transport
	Sender    SignalSender

	Logger *slog.Logger

	// OnStateChange, if set, observes every transition. Called with the
	// session's own lock held; observers must not call back into the
	// session.
	OnStateChange func(State)
}

// Session drives negotiation with one remote member.
//
// All event handling is serialized: transitions, candidate flushes and
// restarts are strictly ordered relative to each other, while sessions for
// different remote members progress independently.
type Session struct {
	remote string
	role   Role
	tr     Transport
	sender SignalSender
	log    *slog.Logger

	onState func(State)

	mu        sync.Mutex
	state     State
	remoteSet bool                  // a remote description has been accepted
	pending   []signaling.Candidate // candidates received before remoteSet, receipt order
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Remote == "" {
		return nil, fmt.Errorf("remote member id is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("signal sender is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		remote:  cfg.Remote,
		role:    cfg.Role,
		tr:      cfg.Transport,
		sender:  cfg.Sender,
		log:     log.With("remote", cfg.Remote, "role", cfg.Role.String()),
		onState: cfg.OnStateChange,
		state:   StateIdle,
	}

	s.tr.OnNegotiationNeeded(s.handleNegotiationNeeded)
	s.tr.OnICECandidate(s.handleLocalCandidate)
	s.tr.OnConnectivityChange(s.handleConnectivityChange)

	return s, nil
}

func (s *Session) Remote() string { return s.remote }
func (s *Session) Role() Role     { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.log.Debug("session state change", "from", s.state.String(), "to", next.String())
	s.state = next
	if s.onState != nil {
		s.onState(next)
	}
}

// Negotiate kicks off the first offer. Only the initiator reacts; the
// answerer waiting for the remote offer instead of producing its own is
// the glare avoidance mechanism, so the role check must stay. Safe to call
// alongside the transport's own negotiation-needed event: only the first
// trigger leaves IDLE, later ones are ignored.
func (s *Session) Negotiate() {
	s.handleNegotiationNeeded()
}

func (s *Session) handleNegotiationNeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != RoleInitiator || s.state != StateIdle {
		return
	}
	s.setStateLocked(StateNegotiating)
	s.sendOfferLocked(OfferOptions{})
}

func (s *Session) sendOfferLocked(opts OfferOptions) {
	offer, err := s.tr.CreateOffer(opts)
	if err != nil {
		s.log.Error("create offer failed", "err", err)
		s.closeLocked()
		return
	}
	if err := s.tr.SetLocalDescription(offer); err != nil {
		s.log.Error("set local offer failed", "err", err)
		s.closeLocked()
		return
	}
	if err := s.sender.SendSignal(s.remote, signaling.Payload{SDP: &offer}); err != nil {
		// Best effort; the relay drops toward disconnected peers anyway.
		s.log.Debug("send offer failed", "err", err)
	}
}

// HandleSignal processes a negotiation payload received from the remote
// member via the relay.
func (s *Session) HandleSignal(payload signaling.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}

	switch {
	case payload.SDP != nil && payload.SDP.Type == "offer":
		s.handleRemoteOfferLocked(*payload.SDP)
	case payload.SDP != nil && payload.SDP.Type == "answer":
		s.handleRemoteAnswerLocked(*payload.SDP)
	case payload.Candidate != nil:
		s.handleRemoteCandidateLocked(*payload.Candidate)
	}
}

func (s *Session) handleRemoteOfferLocked(offer signaling.SDP) {
	if s.role != RoleAnswerer {
		// The remote side must never offer toward the initiator; both
		// sides offering means the discovery protocol broke. Log loudly
		// and ignore rather than negotiate into glare.
		s.log.Warn("dropping offer received by initiator")
		return
	}
	if s.state == StateIdle {
		s.setStateLocked(StateNegotiating)
	}

	if err := s.tr.SetRemoteDescription(offer); err != nil {
		// A malformed description will not self-correct; give up on this
		// session only.
		s.log.Error("remote offer rejected", "err", err)
		s.closeLocked()
		return
	}
	s.remoteSet = true

	answer, err := s.tr.CreateAnswer()
	if err != nil {
		s.log.Error("create answer failed", "err", err)
		s.closeLocked()
		return
	}
	if err := s.tr.SetLocalDescription(answer); err != nil {
		s.log.Error("set local answer failed", "err", err)
		s.closeLocked()
		return
	}
	if err := s.sender.SendSignal(s.remote, signaling.Payload{SDP: &answer}); err != nil {
		s.log.Debug("send answer failed", "err", err)
	}

	s.flushPendingLocked()
}

func (s *Session) handleRemoteAnswerLocked(answer signaling.SDP) {
	if s.role != RoleInitiator {
		s.log.Warn("dropping answer received by answerer")
		return
	}

	if err := s.tr.SetRemoteDescription(answer); err != nil {
		s.log.Error("remote answer rejected", "err", err)
		s.closeLocked()
		return
	}
	s.remoteSet = true
	s.flushPendingLocked()

	// Logically connected; the transport's own connectivity event confirms
	// (or, during recovery, re-confirms) the media path.
	if s.state == StateNegotiating {
		s.setStateLocked(StateConnected)
	}
}

func (s *Session) handleRemoteCandidateLocked(cand signaling.Candidate) {
	if !s.remoteSet {
		s.pending = append(s.pending, cand)
		return
	}
	if err := s.tr.AddICECandidate(cand); err != nil {
		s.log.Warn("add ice candidate failed", "err", err)
	}
}

// flushPendingLocked applies candidates buffered before the remote
// description arrived, in receipt order.
func (s *Session) flushPendingLocked() {
	for _, cand := range s.pending {
		if err := s.tr.AddICECandidate(cand); err != nil {
			s.log.Warn("add buffered ice candidate failed", "err", err)
		}
	}
	s.pending = nil
}

// handleLocalCandidate forwards a locally discovered candidate.
func (s *Session) handleLocalCandidate(cand signaling.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	if err := s.sender.SendSignal(s.remote, signaling.Payload{Candidate: &cand}); err != nil {
		s.log.Debug("send candidate failed", "err", err)
	}
}

func (s *Session) handleConnectivityChange(c Connectivity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c {
	case ConnectivityUp:
		if s.state == StateNegotiating || s.state == StateRecovering {
			s.setStateLocked(StateConnected)
		}
	case ConnectivityFailed:
		if s.state != StateConnected && s.state != StateRecovering {
			return
		}
		s.setStateLocked(StateRecovering)
		s.log.Info("connectivity lost, attempting ice restart")
		if s.role == RoleInitiator {
			// Restart in place with the roles negotiated originally; the
			// answerer recovers by answering the restart offer. A failure
			// during a restart triggers another restart; there is no retry
			// ceiling here, callers decide when to give up.
			s.sendOfferLocked(OfferOptions{ICERestart: true})
		}
	case ConnectivityClosed:
		if s.state != StateClosed {
			s.log.Info("transport closed", "state", s.state.String())
			s.closeLocked()
		}
	}
}

// Close releases the session: in-flight negotiation is abandoned, buffered
// candidates are discarded and the transport is closed. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.setStateLocked(StateClosed)
	s.pending = nil
	if err := s.tr.Close(); err != nil {
		s.log.Debug("transport close failed", "err", err)
	}
}
