// Package protocol defines the JSON messages exchanged with the tracker over
// the control channel and the envelope carried on peer data channels.
package protocol

import "errors"

// Type is the mandatory "type" tag of every control-channel message.
type Type string

// Outbound types.
const (
	TypeRegister          Type = "register"
	TypeHeartbeat         Type = "heartbeat"
	TypeConnectionRequest Type = "connection_request"
	TypeConnectionAnswer  Type = "connection_answer"
	TypeICECandidate      Type = "ice_candidate"
	TypeGetPeerList       Type = "get_peer_list"
)

// Inbound-only types.
const (
	TypeRegistered   Type = "registered"
	TypePeerOnline   Type = "peer_online"
	TypePeerOffline  Type = "peer_offline"
	TypePeerList     Type = "peer_list"
	TypeRequestSent  Type = "request_sent"
	TypeHeartbeatAck Type = "heartbeat_ack"
	TypeError        Type = "error"
)

// ErrProtocol marks a malformed or unexpected message.
var ErrProtocol = errors.New("protocol error")

// SessionDescription mirrors the browser's RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors the browser's RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerInfo is one entry of a peer_list response.
type PeerInfo struct {
	Username string `json:"username"`
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Registration is what the agent announces about itself. It is built once at
// startup and replayed on every (re)connect.
type Registration struct {
	Username     string   `json:"username"`
	Address      string   `json:"ip"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// wire is the flat JSON shape shared by every control-channel message. Fields
// irrelevant to a given type are left empty.
type wire struct {
	Type Type `json:"type"`

	Username string        `json:"username,omitempty"`
	PeerInfo *Registration `json:"peer_info,omitempty"`

	To           string `json:"to_username,omitempty"`
	From         string `json:"from_username,omitempty"`
	FromFallback string `json:"from,omitempty"`

	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`

	Peers   []PeerInfo `json:"peers,omitempty"`
	Message string     `json:"message,omitempty"`
}

func (w wire) sender() string {
	if w.From != "" {
		return w.From
	}
	return w.FromFallback
}
