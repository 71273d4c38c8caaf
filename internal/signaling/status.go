package signaling

import (
	"sync"

	"github.com/1ureka/peerlink/internal/util"
)

// SelfID is the identity used for status events about the agent itself.
const SelfID = "self"

// StatusKind is the kind of a status transition.
type StatusKind string

const (
	StatusOnline       StatusKind = "online"
	StatusOffline      StatusKind = "offline"
	StatusConnecting   StatusKind = "connecting"
	StatusConnected    StatusKind = "connected"
	StatusDisconnected StatusKind = "disconnected"
	StatusError        StatusKind = "error"
)

// Status is one status-change notification.
type Status struct {
	PeerID string
	Kind   StatusKind
}

const subscriberBuffer = 64

// statusBus fans status events out to every subscriber. A subscriber that
// falls behind loses events rather than blocking the agent.
type statusBus struct {
	mu     sync.Mutex
	subs   map[int]chan Status
	nextID int
	closed bool
}

func newStatusBus() *statusBus {
	return &statusBus{subs: make(map[int]chan Status)}
}

// subscribe returns a receive channel and a function that cancels it.
func (b *statusBus) subscribe() (<-chan Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Status, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *statusBus) emit(peerID string, kind StatusKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{PeerID: peerID, Kind: kind}
	for _, ch := range b.subs {
		select {
		case ch <- st:
		default:
			util.LogWarning("status subscriber is full, dropping %s/%s", peerID, kind)
		}
	}
}

// close ends every subscription.
func (b *statusBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// reopen allows subscriptions again after a restart.
func (b *statusBus) reopen() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
}
