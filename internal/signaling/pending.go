package signaling

import (
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// pendingRequest is a one-shot waiter for a query-style response.
type pendingRequest struct {
	id    string
	kind  protocol.Type
	reply chan protocol.Event
	log   util.Logger
}

// pendingTable correlates outbound queries with their responses. The
// tracker does not echo request ids, so a response satisfies every waiter
// of its kind.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]*pendingRequest)}
}

func (p *pendingTable) add(kind protocol.Type) *pendingRequest {
	id := uuid.NewString()
	req := &pendingRequest{
		id:    id,
		kind:  kind,
		reply: make(chan protocol.Event, 1),
		log:   util.With("request", id, "kind", string(kind)),
	}
	p.mu.Lock()
	p.waiters[req.id] = req
	p.mu.Unlock()
	req.log.Debug("waiting for response")
	return req
}

func (p *pendingTable) remove(req *pendingRequest) {
	p.mu.Lock()
	delete(p.waiters, req.id)
	p.mu.Unlock()
}

// resolve delivers ev to every waiter of its kind and forgets them. It
// reports how many waiters were satisfied.
func (p *pendingTable) resolve(ev protocol.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for id, req := range p.waiters {
		if req.kind != ev.Kind() {
			continue
		}
		req.reply <- ev
		req.log.Debug("response received")
		delete(p.waiters, id)
		n++
	}
	return n
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
