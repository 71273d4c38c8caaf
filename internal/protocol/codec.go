package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound is a message the agent writes to the control channel.
type Outbound struct {
	w wire
}

// Type returns the message's type tag.
func (o Outbound) Type() Type { return o.w.Type }

// To returns the addressed peer, if any.
func (o Outbound) To() string { return o.w.To }

// Encode serializes an outbound message to its JSON text form.
func Encode(o Outbound) ([]byte, error) {
	if o.w.Type == "" {
		return nil, fmt.Errorf("%w: outbound message without type", ErrProtocol)
	}
	return json.Marshal(o.w)
}

// Register announces this client and its address to the tracker.
func Register(reg Registration) Outbound {
	return Outbound{w: wire{Type: TypeRegister, Username: reg.Username, PeerInfo: &reg}}
}

// Heartbeat keeps the control channel alive.
func Heartbeat() Outbound {
	return Outbound{w: wire{Type: TypeHeartbeat}}
}

// OfferTo addresses a connection request carrying offer to the named peer.
func OfferTo(to string, offer SessionDescription) Outbound {
	return Outbound{w: wire{Type: TypeConnectionRequest, To: to, Offer: &offer}}
}

// AnswerTo answers the named peer's connection request.
func AnswerTo(to string, answer SessionDescription) Outbound {
	return Outbound{w: wire{Type: TypeConnectionAnswer, To: to, Answer: &answer}}
}

// CandidateTo relays one local candidate to the named peer.
func CandidateTo(to string, c Candidate) Outbound {
	return Outbound{w: wire{Type: TypeICECandidate, To: to, Candidate: &c}}
}

// GetPeerList requests the tracker's list of registered peers.
func GetPeerList() Outbound {
	return Outbound{w: wire{Type: TypeGetPeerList}}
}

// UnmarshalJSON accepts either a bare username string or a peer object.
func (p *PeerInfo) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = PeerInfo{Username: name}
		return nil
	}
	type plain PeerInfo
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = PeerInfo(v)
	return nil
}

// ---------------------------------------------------------------------------
// Peer payload envelope
// ---------------------------------------------------------------------------

// TypeMessage tags application payloads sent directly between peers.
const TypeMessage Type = "message"

// AppMessage is the envelope carried on a peer data channel.
type AppMessage struct {
	Type      Type            `json:"type"`
	From      string          `json:"from"`
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// Time returns the sender's timestamp.
func (m AppMessage) Time() time.Time { return time.UnixMilli(m.Timestamp) }

// EncodeApp wraps an arbitrary JSON-serializable payload for a peer.
func EncodeApp(from string, payload any, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(AppMessage{
		Type:      TypeMessage,
		From:      from,
		Message:   raw,
		Timestamp: now.UnixMilli(),
	})
}

// DecodeApp parses a peer data-channel payload.
func DecodeApp(data []byte) (AppMessage, error) {
	var m AppMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return AppMessage{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if m.Type != "" && m.Type != TypeMessage {
		return AppMessage{}, fmt.Errorf("%w: unexpected payload type %q", ErrProtocol, m.Type)
	}
	return m, nil
}
