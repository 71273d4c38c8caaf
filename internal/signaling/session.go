package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
)

// Role is fixed when a session is created.
type Role = transport.Role

const (
	Initiator = transport.RoleInitiator
	Responder = transport.RoleResponder
)

// State is a peer session's negotiation state.
type State int

const (
	Idle State = iota
	OfferSent
	OfferReceived
	AnswerSent
	AnswerReceived
	TransportConnecting
	Connected
	Closed
	Failed
)

var stateNames = [...]string{
	Idle:                "idle",
	OfferSent:           "offer-sent",
	OfferReceived:       "offer-received",
	AnswerSent:          "answer-sent",
	AnswerReceived:      "answer-received",
	TransportConnecting: "transport-connecting",
	Connected:           "connected",
	Closed:              "closed",
	Failed:              "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Closed || s == Failed }

// transitions lists the legal forward moves per role. Closed and Failed are
// reachable from every non-terminal state and are not listed.
var transitions = map[Role]map[State][]State{
	Initiator: {
		Idle:                {OfferSent},
		OfferSent:           {AnswerReceived},
		AnswerReceived:      {TransportConnecting, Connected},
		TransportConnecting: {Connected},
	},
	Responder: {
		Idle:                {OfferReceived},
		OfferReceived:       {AnswerSent},
		AnswerSent:          {TransportConnecting, Connected},
		TransportConnecting: {Connected},
	},
}

func legal(role Role, from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, s := range transitions[role][from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one negotiation with a remote peer. Its mutating methods are
// only called from the manager's event loop; State and Info are safe from
// any goroutine.
type Session struct {
	PeerID    string
	Role      Role
	CreatedAt time.Time

	handle transport.Handle

	mu             sync.RWMutex
	state          State
	lastActivityAt time.Time
	trail          []State

	remoteSet bool
	pending   []protocol.Candidate
}

func newSession(peerID string, role Role, now time.Time) *Session {
	return &Session{
		PeerID:         peerID,
		Role:           role,
		CreatedAt:      now,
		state:          Idle,
		lastActivityAt: now,
		trail:          []State{Idle},
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Trail returns every state the session has been in, oldest first.
func (s *Session) Trail() []State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]State(nil), s.trail...)
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	PeerID         string
	Role           Role
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		PeerID:         s.PeerID,
		Role:           s.Role,
		State:          s.state,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
	}
}

// transition moves the session to next, rejecting illegal moves.
func (s *Session) transition(next State, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !legal(s.Role, s.state, next) {
		return fmt.Errorf("%w: %s session for %s cannot go %s -> %s",
			ErrProtocol, s.Role, s.PeerID, s.state, next)
	}
	s.state = next
	s.lastActivityAt = now
	s.trail = append(s.trail, next)
	return nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivityAt = now
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Negotiation steps
// ---------------------------------------------------------------------------

// startOffer runs the initiator's first step: produce and apply a local
// offer. The caller sends it and then moves the session to OfferSent.
func (s *Session) startOffer() (protocol.SessionDescription, error) {
	offer, err := s.handle.CreateOffer()
	if err != nil {
		return offer, fmt.Errorf("create offer: %w", err)
	}
	if err := s.handle.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// acceptOffer runs the responder's steps: apply the remote offer, then
// produce and apply the local answer.
func (s *Session) acceptOffer(offer protocol.SessionDescription, now time.Time) (protocol.SessionDescription, error) {
	if err := s.applyRemote(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := s.transition(OfferReceived, now); err != nil {
		return protocol.SessionDescription{}, err
	}

	answer, err := s.handle.CreateAnswer()
	if err != nil {
		return answer, fmt.Errorf("create answer: %w", err)
	}
	if err := s.handle.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// acceptAnswer applies the remote answer on the initiator side.
func (s *Session) acceptAnswer(answer protocol.SessionDescription, now time.Time) error {
	if s.Role != Initiator || s.State() != OfferSent {
		return fmt.Errorf("%w: unexpected answer from %s in %s/%s", ErrProtocol, s.PeerID, s.Role, s.State())
	}
	if err := s.applyRemote(answer); err != nil {
		return err
	}
	return s.transition(AnswerReceived, now)
}

// applyRemote sets the remote description and flushes candidates that
// arrived before it.
func (s *Session) applyRemote(d protocol.SessionDescription) error {
	if err := s.handle.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("set remote %s: %w", d.Type, err)
	}
	s.remoteSet = true

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.handle.AddICECandidate(c); err != nil {
			peerLog(s.PeerID).Warn("buffered candidate rejected: %v", err)
		}
	}
	return nil
}

// addCandidate applies a remote candidate, buffering it until the remote
// description exists. It reports whether the candidate was buffered.
func (s *Session) addCandidate(c protocol.Candidate, now time.Time) (bool, error) {
	s.touch(now)
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return true, nil
	}
	if err := s.handle.AddICECandidate(c); err != nil {
		return false, fmt.Errorf("add candidate: %w", err)
	}
	return false, nil
}

// release closes the transport handle. Safe to call more than once.
func (s *Session) release() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		peerLog(s.PeerID).Debug("close handle: %v", err)
	}
}

// sendable reports whether application payloads can go to this peer.
func (s *Session) sendable() bool {
	return s.State() == Connected && s.handle != nil && s.handle.Open()
}
