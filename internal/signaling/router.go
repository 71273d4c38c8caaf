package signaling

import (
	"fmt"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// routeRaw decodes one control-channel payload and dispatches it. Malformed
// payloads are logged and dropped.
func (m *Manager) routeRaw(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		util.LogWarning("dropping control message: %v", err)
		return
	}
	m.route(ev)
}

// route dispatches one decoded event. It runs on the event loop only.
func (m *Manager) route(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.Registered:
		util.LogSuccess("registered with tracker as %s", e.Username)

	case protocol.ConnectionRequest:
		m.onOffer(e)

	case protocol.ConnectionAnswer:
		m.onAnswer(e)

	case protocol.ICECandidate:
		m.onRemoteCandidate(e)

	case protocol.PeerOnline:
		util.LogInfo("peer online: %s", e.Username)
		m.status.emit(e.Username, StatusOnline)

	case protocol.PeerOffline:
		util.LogInfo("peer offline: %s", e.Username)
		m.status.emit(e.Username, StatusOffline)
		if s, ok := m.table.Live(e.Username); ok {
			m.closeSession(s, "peer went offline")
		}

	case protocol.PeerList:
		if m.pending.resolve(e) == 0 {
			util.LogInfo("peer list: %d peers", len(e.Peers))
		}

	case protocol.RequestSent:
		util.LogDebug("tracker relayed request to %s", e.To)

	case protocol.HeartbeatAck:
		util.LogDebug("heartbeat acknowledged")

	case protocol.ServerError:
		util.LogWarning("tracker error: %s", e.Message)

	case protocol.Unknown:
		util.LogWarning("ignoring unknown message type %q", e.Type)

	default:
		util.LogWarning("unhandled event %T", ev)
	}
}

// onOffer creates (or replaces) the responder session for the sender and
// answers it.
func (m *Manager) onOffer(e protocol.ConnectionRequest) {
	peer := e.From
	if peer == m.cfg.Username {
		util.LogWarning("ignoring connection request from self")
		return
	}

	if old, ok := m.table.Live(peer); ok {
		// Both sides offered at once: the lower username keeps its offer.
		if old.Role == Initiator && old.State() == OfferSent && m.cfg.Username < peer {
			peerLog(peer).Info("offer collision, keeping own offer")
			return
		}
		peerLog(peer).Info("replacing %s session in state %s", old.Role, old.State())
		m.replaceSession(old)
	}

	s, err := m.openSession(peer, Responder)
	if err != nil {
		peerLog(peer).Error("cannot accept request: %v", err)
		m.status.emit(peer, StatusError)
		return
	}

	answer, err := s.acceptOffer(e.Offer, m.now())
	if err != nil {
		m.failSession(s, err)
		return
	}
	if !m.channel.Send(protocol.AnswerTo(peer, answer)) {
		m.failSession(s, fmt.Errorf("send answer: %w", ErrTransport))
		return
	}
	if err := s.transition(AnswerSent, m.now()); err != nil {
		m.failSession(s, err)
		return
	}
	peerLog(peer).Info("answer sent")
}

// onAnswer completes the initiator's description exchange.
func (m *Manager) onAnswer(e protocol.ConnectionAnswer) {
	s, ok := m.table.Live(e.From)
	if !ok || s.Role != Initiator {
		peerLog(e.From).Warn("dropping answer: no initiator session")
		return
	}
	if st := s.State(); st != OfferSent {
		peerLog(e.From).Warn("dropping duplicate answer in state %s", st)
		return
	}
	if err := s.acceptAnswer(e.Answer, m.now()); err != nil {
		m.failSession(s, err)
		return
	}
	peerLog(e.From).Info("answer applied")
}

// onRemoteCandidate applies or buffers a candidate for an existing session.
// A rejected candidate is logged; the session keeps negotiating.
func (m *Manager) onRemoteCandidate(e protocol.ICECandidate) {
	s, ok := m.table.Live(e.From)
	if !ok {
		peerLog(e.From).Warn("dropping candidate: no session")
		return
	}
	buffered, err := s.addCandidate(e.Candidate, m.now())
	if err != nil {
		peerLog(e.From).Warn("candidate rejected: %v", err)
		return
	}
	if buffered {
		peerLog(e.From).Debug("candidate buffered until remote description")
	}
}
