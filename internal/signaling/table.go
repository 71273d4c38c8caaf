package signaling

import (
	"sort"
	"sync"

	"github.com/1ureka/peerlink/internal/util"
)

// Table maps peer identity to its session and holds at most one entry per
// peer. Writes come from the manager's event loop; reads may come from any
// goroutine.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Get returns the session for peerID, if any.
func (t *Table) Get(peerID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[peerID]
	return s, ok
}

// Live returns the session for peerID only if it is not terminal.
func (t *Table) Live(peerID string) (*Session, bool) {
	s, ok := t.Get(peerID)
	if !ok || s.State().Terminal() {
		return nil, false
	}
	return s, true
}

// Put stores s and returns the session it displaced, if any.
func (t *Table) Put(s *Session) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.sessions[s.PeerID]
	t.sessions[s.PeerID] = s
	return old
}

// Remove deletes the entry for s.PeerID only if it still points at s, so a
// late teardown of a replaced session never evicts its successor.
func (t *Table) Remove(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.sessions[s.PeerID]; ok && cur == s {
		delete(t.sessions, s.PeerID)
		return true
	}
	return false
}

// Drain empties the table and returns what it held.
func (t *Table) Drain() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for id, s := range t.sessions {
		out = append(out, s)
		delete(t.sessions, id)
	}
	return out
}

// Connected returns every session currently in the Connected state, ordered
// by peer identity.
func (t *Table) Connected() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Session
	for _, s := range t.sessions {
		if s.State() == Connected {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Snapshot returns an info record per session, ordered by peer identity.
func (t *Table) Snapshot() []SessionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func peerLog(peerID string) util.Logger {
	return util.With("peer", peerID)
}
