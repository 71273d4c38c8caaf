package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// channelWriter is the part of a DataChannel the send loop writes through.
type channelWriter interface {
	SendText(s string) error
	BufferedAmount() uint64
	Label() string
}

// sender is a goroutine-based writer that serializes all writes to a single
// DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender and starts the background loop once dc is known.
// The loop exits when ctx is cancelled.
func newSender() *sender {
	return &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}
}

// attach wires the backpressure callbacks on dc and starts the loop. onFail
// runs once if a write fails; the loop has already stopped by then.
func (s *sender) attach(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, onFail func()) {
	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal, onFail)
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc channelWriter, openSignal <-chan struct{}, onFail func()) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send with backpressure.
	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.SendText(string(data)); err != nil {
				util.LogError("failed to send %d bytes on %s: %v", len(data), dc.Label(), err)
				if onFail != nil {
					onFail()
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues data without blocking.
func (s *sender) send(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return ErrNotOpen
	}
	select {
	case s.inbox <- data:
		return nil
	default:
		return ErrQueueFull
	}
}
