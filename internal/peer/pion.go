package peer

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/tacnet/comms/internal/signaling"
)

// NewAPI builds the pion API used for all peer transports, routing pion's
// internal logging through slog.
func NewAPI(logger *slog.Logger) *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: &slogLoggerFactory{logger: logger},
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// PionTransport adapts a pion PeerConnection to the Transport interface.
type PionTransport struct {
	pc *webrtc.PeerConnection
}

// NewPionTransport constructs a PeerConnection for one remote member. The
// caller adds tracks or transceivers before negotiation starts.
func NewPionTransport(api *webrtc.API, iceServers []webrtc.ICEServer) (*PionTransport, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &PionTransport{pc: pc}, nil
}

func (t *PionTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

func (t *PionTransport) CreateOffer(opts OfferOptions) (signaling.SDP, error) {
	var pionOpts *webrtc.OfferOptions
	if opts.ICERestart {
		pionOpts = &webrtc.OfferOptions{ICERestart: true}
	}
	desc, err := t.pc.CreateOffer(pionOpts)
	if err != nil {
		return signaling.SDP{}, err
	}
	return signaling.SDPFromPion(desc), nil
}

func (t *PionTransport) CreateAnswer() (signaling.SDP, error) {
	desc, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, err
	}
	return signaling.SDPFromPion(desc), nil
}

func (t *PionTransport) SetLocalDescription(desc signaling.SDP) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	return t.pc.SetLocalDescription(pionDesc)
}

func (t *PionTransport) SetRemoteDescription(desc signaling.SDP) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(pionDesc)
}

func (t *PionTransport) AddICECandidate(cand signaling.Candidate) error {
	return t.pc.AddICECandidate(cand.ToPion())
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

func (t *PionTransport) OnNegotiationNeeded(f func()) {
	t.pc.OnNegotiationNeeded(f)
}

func (t *PionTransport) OnICECandidate(f func(signaling.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering; candidates trickle, so there is nothing to
			// tell the remote side.
			return
		}
		f(signaling.CandidateFromPion(c.ToJSON()))
	})
}

func (t *PionTransport) OnConnectivityChange(f func(Connectivity)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			f(ConnectivityUp)
		case webrtc.PeerConnectionStateFailed:
			f(ConnectivityFailed)
		case webrtc.PeerConnectionStateClosed:
			f(ConnectivityClosed)
		}
	})
}
