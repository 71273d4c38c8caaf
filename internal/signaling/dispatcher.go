package signaling

import (
	"fmt"
	"sync"

	"github.com/1ureka/peerlink/internal/protocol"
)

// Handler receives one application payload from a connected peer.
type Handler func(from string, msg protocol.AppMessage) error

// Dispatcher fans inbound application payloads out to registered handlers,
// in registration order. A failing handler never stops the ones after it.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register appends h to the handler list.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Dispatch decodes data received from peerID and runs every handler. It
// returns how many handlers completed without error.
func (d *Dispatcher) Dispatch(peerID string, data []byte) int {
	msg, err := protocol.DecodeApp(data)
	if err != nil {
		peerLog(peerID).Warn("dropping payload: %v", err)
		return 0
	}
	if msg.From != "" && msg.From != peerID {
		peerLog(peerID).Debug("payload claims sender %q", msg.From)
	}

	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	ok := 0
	for i, h := range handlers {
		if err := invoke(h, peerID, msg); err != nil {
			peerLog(peerID).Error("message handler %d failed: %v", i, err)
			continue
		}
		ok++
	}
	return ok
}

func invoke(h Handler, from string, msg protocol.AppMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(from, msg)
}
