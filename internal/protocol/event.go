package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event is a decoded inbound control-channel message. The set of
// implementations is closed; unrecognized tags decode to Unknown.
type Event interface {
	Kind() Type
}

type Registered struct {
	Username string
	Message  string
}

type ConnectionRequest struct {
	From  string
	Offer SessionDescription
}

type ConnectionAnswer struct {
	From   string
	Answer SessionDescription
}

type ICECandidate struct {
	From      string
	Candidate Candidate
}

type PeerOnline struct{ Username string }

type PeerOffline struct{ Username string }

type PeerList struct{ Peers []PeerInfo }

type RequestSent struct{ To string }

type HeartbeatAck struct{}

type ServerError struct{ Message string }

// Unknown carries a message whose type tag is not recognized.
type Unknown struct {
	Type Type
	Raw  []byte
}

func (Registered) Kind() Type        { return TypeRegistered }
func (ConnectionRequest) Kind() Type { return TypeConnectionRequest }
func (ConnectionAnswer) Kind() Type  { return TypeConnectionAnswer }
func (ICECandidate) Kind() Type      { return TypeICECandidate }
func (PeerOnline) Kind() Type        { return TypePeerOnline }
func (PeerOffline) Kind() Type       { return TypePeerOffline }
func (PeerList) Kind() Type          { return TypePeerList }
func (RequestSent) Kind() Type       { return TypeRequestSent }
func (HeartbeatAck) Kind() Type      { return TypeHeartbeatAck }
func (ServerError) Kind() Type       { return TypeError }
func (u Unknown) Kind() Type         { return u.Type }

// Decode turns one control-channel payload into an Event. Structural problems
// (invalid JSON, missing type, missing required fields) wrap ErrProtocol.
func Decode(data []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(bytes.TrimSpace(data), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrProtocol)
	}

	switch w.Type {
	case TypeRegistered:
		return Registered{Username: w.Username, Message: w.Message}, nil

	case TypeConnectionRequest:
		if w.sender() == "" || w.Offer == nil {
			return nil, fmt.Errorf("%w: connection_request missing sender or offer", ErrProtocol)
		}
		return ConnectionRequest{From: w.sender(), Offer: *w.Offer}, nil

	case TypeConnectionAnswer:
		if w.sender() == "" || w.Answer == nil {
			return nil, fmt.Errorf("%w: connection_answer missing sender or answer", ErrProtocol)
		}
		return ConnectionAnswer{From: w.sender(), Answer: *w.Answer}, nil

	case TypeICECandidate:
		if w.sender() == "" || w.Candidate == nil {
			return nil, fmt.Errorf("%w: ice_candidate missing sender or candidate", ErrProtocol)
		}
		return ICECandidate{From: w.sender(), Candidate: *w.Candidate}, nil

	case TypePeerOnline, TypePeerOffline:
		if w.Username == "" {
			return nil, fmt.Errorf("%w: %s missing username", ErrProtocol, w.Type)
		}
		if w.Type == TypePeerOnline {
			return PeerOnline{Username: w.Username}, nil
		}
		return PeerOffline{Username: w.Username}, nil

	case TypePeerList:
		return PeerList{Peers: w.Peers}, nil

	case TypeRequestSent:
		return RequestSent{To: w.To}, nil

	case TypeHeartbeatAck:
		return HeartbeatAck{}, nil

	case TypeError:
		return ServerError{Message: w.Message}, nil

	default:
		return Unknown{Type: w.Type, Raw: append([]byte(nil), data...)}, nil
	}
}
