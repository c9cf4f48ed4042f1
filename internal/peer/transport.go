package peer

import "github.com/tacnet/comms/internal/signaling"

// Connectivity is the transport's view of the media path, reduced to the
// three states the session reacts to.
type Connectivity int

const (
	// ConnectivityUp: a connectivity check succeeded and media can flow.
	ConnectivityUp Connectivity = iota
	// ConnectivityFailed: connectivity checks failed; the path may be
	// recoverable via an ICE restart.
	ConnectivityFailed
	// ConnectivityClosed: the transport is gone for good (retry budget
	// exhausted or locally closed).
	ConnectivityClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityUp:
		return "up"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	}
	return "unknown"
}

// OfferOptions controls offer creation. ICERestart re-runs path negotiation
// without tearing the transport down.
type OfferOptions struct {
	ICERestart bool
}

// Transport is the media-transport boundary of a peer session. The session
// is defined purely in terms of these calls and the three event hooks; any
// implementation (pion, a fake) works.
//
// Event hooks must be installed before the first call that can trigger
// negotiation, and implementations may invoke them from their own
// goroutines.
type Transport interface {
	CreateOffer(opts OfferOptions) (signaling.SDP, error)
	CreateAnswer() (signaling.SDP, error)
	SetLocalDescription(desc signaling.SDP) error
	SetRemoteDescription(desc signaling.SDP) error
	AddICECandidate(cand signaling.Candidate) error
	Close() error

	OnNegotiationNeeded(f func())
	OnICECandidate(f func(signaling.Candidate))
	OnConnectivityChange(f func(Connectivity))
}
