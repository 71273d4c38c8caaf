package rendezvous

import (
	"encoding/json"
	"sort"
	"time"
)

// handleMessage reacts to one control-channel message from c.
func (s *Server) handleMessage(c *client, data []byte) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.deliver(c, map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	var typ string
	json.Unmarshal(msg["type"], &typ)
	s.log.Debug().Str("from", c.username).Str("type", typ).Msg("Message")

	switch typ {
	case "heartbeat":
		s.deliver(c, map[string]any{"type": "heartbeat_ack", "timestamp": time.Now().Unix()})

	case "register":
		var info peerInfo
		if err := json.Unmarshal(msg["peer_info"], &info); err == nil {
			info.Username = c.username
			s.mu.Lock()
			if cur, ok := s.clients[c.username]; ok && cur == c {
				s.peers[c.username] = info
			}
			s.mu.Unlock()
		}

	case "connection_request", "connection_answer", "ice_candidate":
		s.relay(c, typ, msg)

	case "get_peer_list":
		peers := s.peerList(c.username)
		s.deliver(c, map[string]any{"type": "peer_list", "peers": peers, "count": len(peers)})

	default:
		s.deliver(c, map[string]any{"type": "error", "message": "Unknown message type: " + typ})
	}
}

// relay forwards a peer-addressed message, replacing to_username with the
// sender's from_username.
func (s *Server) relay(from *client, typ string, msg map[string]json.RawMessage) {
	var to string
	json.Unmarshal(msg["to_username"], &to)
	if to == "" {
		s.deliver(from, map[string]any{"type": "error", "message": "to_username required"})
		return
	}

	target, ok := s.lookup(to)
	if !ok {
		if typ != "ice_candidate" {
			s.deliver(from, map[string]any{"type": "error", "message": "Peer " + to + " is offline"})
		}
		return
	}

	delete(msg, "to_username")
	sender, _ := json.Marshal(from.username)
	msg["from_username"] = sender
	s.deliver(target, msg)

	if typ == "connection_request" {
		s.deliver(from, map[string]any{"type": "request_sent", "to_username": to})
	}
}

// peerList returns every registered peer except exclude, ordered by name.
func (s *Server) peerList(exclude string) []peerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]peerInfo, 0, len(s.peers))
	for name, p := range s.peers {
		if name != exclude {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
