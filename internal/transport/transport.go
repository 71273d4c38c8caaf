package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Transport wraps a single PeerConnection + DataChannel pair and implements
// Handle. The initiator creates the DataChannel; the responder adopts the
// first one the remote side opens.
//
// Its lifecycle is governed by the DataChannel state, the PeerConnection
// reaching failed/closed, and the context passed at construction time.
type Transport struct {
	pc   *webrtc.PeerConnection
	role Role
	cb   Callbacks

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	dc         *webrtc.DataChannel
	connecting sync.Once
	opened     sync.Once
	closed     sync.Once
}

var _ Handle = (*Transport)(nil)

// NewFactory returns a Factory producing pion-backed Transports.
func NewFactory(api *webrtc.API, stunServers []string) Factory {
	return func(ctx context.Context, role Role, cb Callbacks) (Handle, error) {
		return NewTransport(ctx, api, stunServers, role, cb)
	}
}

// NewTransport creates a Transport backed by a new PeerConnection. The caller
// drives the description exchange through the Handle methods.
func NewTransport(ctx context.Context, api *webrtc.API, stunServers []string, role Role, cb Callbacks) (*Transport, error) {
	if api == nil {
		api = NewAPI()
	}

	pc, err := newPeerConnection(api, stunServers)
	if err != nil {
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		role:       role,
		cb:         cb,
		sender:     newSender(),
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// A nil candidate signals the end of gathering.
		if c == nil || t.cb.OnCandidate == nil {
			return
		}
		t.cb.OnCandidate(fromPionCandidate(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())

		switch state {
		case webrtc.PeerConnectionStateConnecting:
			t.connecting.Do(func() {
				if t.cb.OnConnecting != nil {
					t.cb.OnConnecting()
				}
			})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.shutdown()
		}
	})

	switch role {
	case RoleInitiator:
		dc, err := newDataChannel(pc)
		if err != nil {
			tCancel()
			pc.Close()
			return nil, err
		}
		t.adopt(dc)

	case RoleResponder:
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t.mu.RLock()
			taken := t.dc != nil
			t.mu.RUnlock()
			if taken {
				util.LogWarning("ignoring extra DataChannel %q", dc.Label())
				dc.Close()
				return
			}
			t.adopt(dc)
		})
	}

	go func() {
		<-tCtx.Done()
		t.shutdown()
	}()

	return t, nil
}

// adopt binds dc as this transport's single data channel.
func (t *Transport) adopt(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.opened.Do(func() {
			close(t.openSignal)
			if t.cb.OnReady != nil {
				t.cb.OnReady()
			}
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.cb.OnMessage == nil {
			return
		}
		// Copy because pion reuses internal buffers.
		t.cb.OnMessage(append([]byte(nil), msg.Data...))
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel %q closed", dc.Label())
		t.shutdown()
	})

	t.sender.attach(t.ctx, dc, t.openSignal, t.shutdown)
}

// shutdown cancels the transport context and fires OnClosed exactly once.
func (t *Transport) shutdown() {
	t.closed.Do(func() {
		t.cancel()
		if t.cb.OnClosed != nil {
			t.cb.OnClosed()
		}
	})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Open reports whether the DataChannel is open and the transport alive.
func (t *Transport) Open() bool {
	select {
	case <-t.openSignal:
	default:
		return false
	}
	return t.ctx.Err() == nil
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.shutdown()

	t.mu.RLock()
	dc := t.dc
	t.mu.RUnlock()

	var dcErr error
	if dc != nil {
		dcErr = dc.Close()
	}
	return errors.Join(dcErr, t.pc.Close())
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (protocol.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (t *Transport) SetLocalDescription(d protocol.SessionDescription) error {
	sdp, err := toPionDescription(d)
	if err != nil {
		return err
	}
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(d protocol.SessionDescription) error {
	sdp, err := toPionDescription(d)
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(sdp)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(c protocol.Candidate) error {
	return t.pc.AddICECandidate(toPionCandidate(c))
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues one application message.
func (t *Transport) Send(data []byte) error {
	if !t.Open() {
		return ErrNotOpen
	}
	return t.sender.send(t.ctx, data)
}
