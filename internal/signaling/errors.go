package signaling

import (
	"errors"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/tracker"
)

var (
	// ErrTransport marks a failure of the control channel or a peer handle.
	ErrTransport = errors.New("transport error")
	// ErrTimeout marks an awaited event that did not occur within budget.
	ErrTimeout = errors.New("timeout")
	// ErrNotConnected is returned for operations against a peer without a
	// Connected session, or while the control channel is down.
	ErrNotConnected = errors.New("not connected")
	// ErrSessionExists is returned by ConnectToPeer when a live session to
	// that peer already exists.
	ErrSessionExists = errors.New("session already exists")
	// ErrStopped is returned by operations on a manager that is not running.
	ErrStopped = errors.New("manager stopped")

	// ErrProtocol marks a malformed or unexpected message.
	ErrProtocol = protocol.ErrProtocol
	// ErrRegistration marks a tracker that rejected or could not be reached.
	ErrRegistration = tracker.ErrRegistration
)
