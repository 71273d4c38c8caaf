package transport

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// dataChannelLabel matches the label browser agents use, so a pion client
// and a browser client can talk to each other.
const dataChannelLabel = "p2p-channel"

// NewAPI builds a pion API whose internal logs go through the agent logger.
func NewAPI() *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// newPeerConnection creates a PeerConnection configured with the given STUN servers.
func newPeerConnection(api *webrtc.API, stunServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates the ordered, in-band negotiated DataChannel on the
// initiator side. The responder receives it through OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}

func toPionDescription(d protocol.SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

func fromPionDescription(d webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPionCandidate(c protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionCandidate(c webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
