package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Event is the tag of a signaling message. The relay dispatches on it and
// never looks deeper into negotiation payloads than the SDP/candidate split.
type Event string

const (
	// Client -> relay.
	EventJoinRoom  Event = "join-room"
	EventSignal    Event = "signal"
	EventPTTStatus Event = "ptt-status"

	// Relay -> client.
	EventRoomUsers  Event = "room-users"
	EventUserJoined Event = "user-joined"
	EventUserLeft   Event = "user-left"
	EventPeerPTT    Event = "peer-ptt"
	EventError      Event = "error"
)

// SDP is a session description on the wire.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is a trickled ICE candidate on the wire.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Payload is a negotiation payload: exactly one of SDP or Candidate is set.
// The relay forwards it verbatim.
type Payload struct {
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func (p Payload) validate() error {
	switch {
	case p.SDP == nil && p.Candidate == nil:
		return fmt.Errorf("signal payload is empty")
	case p.SDP != nil && p.Candidate != nil:
		return fmt.Errorf("signal payload has both sdp and candidate")
	case p.SDP != nil && p.SDP.Type != "offer" && p.SDP.Type != "answer":
		return fmt.Errorf("signal payload has sdp.type=%q", p.SDP.Type)
	case p.Candidate != nil && p.Candidate.Candidate == "":
		return fmt.Errorf("signal payload has empty candidate")
	}
	return nil
}

// Message is the envelope for every event on a signaling connection.
type Message struct {
	Event Event `json:"event"`

	RoomID  string   `json:"roomId,omitempty"`  // join-room, ptt-status
	Members []string `json:"members,omitempty"` // room-users
	ID      string   `json:"id,omitempty"`      // user-joined, user-left, peer-ptt
	To      string   `json:"to,omitempty"`      // signal, client -> relay
	From    string   `json:"from,omitempty"`    // signal, relay -> client (relay-stamped)
	Signal  *Payload `json:"signal,omitempty"`  // signal
	Active  *bool    `json:"active,omitempty"`  // ptt-status, peer-ptt

	Code    string `json:"code,omitempty"`    // error
	Message string `json:"message,omitempty"` // error
}

// ParseClientMessage decodes and validates a message received by the relay.
// Unknown fields and trailing data are rejected.
func ParseClientMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validateClient(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validateClient() error {
	switch m.Event {
	case EventJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room missing roomId")
		}
		if m.Members != nil || m.ID != "" || m.To != "" || m.From != "" || m.Signal != nil || m.Active != nil {
			return fmt.Errorf("join-room has unexpected fields")
		}
	case EventSignal:
		if m.To == "" {
			return fmt.Errorf("signal missing to")
		}
		if m.From != "" {
			// The relay stamps from; clients must not supply it.
			return fmt.Errorf("signal must not set from")
		}
		if m.Signal == nil {
			return fmt.Errorf("signal missing payload")
		}
		if err := m.Signal.validate(); err != nil {
			return err
		}
		if m.RoomID != "" || m.Members != nil || m.ID != "" || m.Active != nil {
			return fmt.Errorf("signal has unexpected fields")
		}
	case EventPTTStatus:
		if m.RoomID == "" {
			return fmt.Errorf("ptt-status missing roomId")
		}
		if m.Active == nil {
			return fmt.Errorf("ptt-status missing active")
		}
		if m.Members != nil || m.ID != "" || m.To != "" || m.From != "" || m.Signal != nil {
			return fmt.Errorf("ptt-status has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported event %q", m.Event)
	}
	return nil
}

// ParseServerMessage decodes a message received by a client from the relay.
func ParseServerMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	switch msg.Event {
	case EventRoomUsers, EventUserJoined, EventUserLeft, EventPeerPTT, EventError:
	case EventSignal:
		if msg.From == "" {
			return Message{}, fmt.Errorf("signal missing from")
		}
		if msg.Signal == nil {
			return Message{}, fmt.Errorf("signal missing payload")
		}
		if err := msg.Signal.validate(); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, fmt.Errorf("unsupported event %q", msg.Event)
	}
	return msg, nil
}
