// Package transport provides the peer data channel capability a signaling
// session drives: it produces and applies session descriptions, accepts
// remote candidates, reports readiness and carries application payloads.
package transport

import (
	"context"
	"errors"

	"github.com/1ureka/peerlink/internal/protocol"
)

var (
	// ErrNotOpen is returned by Send before the channel opens or after it closes.
	ErrNotOpen = errors.New("transport: channel not open")
	// ErrQueueFull is returned by Send when the outgoing buffer is saturated.
	ErrQueueFull = errors.New("transport: send queue full")
)

// Role selects which side creates the data channel.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Callbacks receive the handle's asynchronous signals. Each may be nil.
// OnCandidate, OnConnecting, OnReady and OnClosed are fired at most once per
// event; OnMessage is fired once per inbound payload, in arrival order.
type Callbacks struct {
	OnCandidate  func(protocol.Candidate)
	OnConnecting func()
	OnReady      func()
	OnClosed     func()
	OnMessage    func([]byte)
}

// Handle is an exclusive, opaque peer channel. Close releases every resource
// and is safe to call more than once.
type Handle interface {
	CreateOffer() (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetLocalDescription(protocol.SessionDescription) error
	SetRemoteDescription(protocol.SessionDescription) error
	AddICECandidate(protocol.Candidate) error
	Open() bool
	Send(data []byte) error
	Close() error
}

// Factory creates a Handle for one peer session.
type Factory func(ctx context.Context, role Role, cb Callbacks) (Handle, error)
