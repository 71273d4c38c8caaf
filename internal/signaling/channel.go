package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	wsWriteWait = 1 * time.Second
	// maxControlMessage bounds one inbound control message; larger frames
	// fail the read and close the connection.
	maxControlMessage = 1 << 20
)

// ChannelState is the control channel's connection state.
type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	}
	return fmt.Sprintf("channel(%d)", int(s))
}

// Conn is the subset of *websocket.Conn the control channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Dialer opens control channel connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// timer is the part of *time.Timer the reconnect policy needs.
type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

// ChannelConfig parameterizes a ControlChannel.
type ChannelConfig struct {
	Endpoint             string
	Registration         protocol.Registration
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

// ControlChannel keeps one logical connection to the tracker. It registers
// on every (re)connect, sends heartbeats while open and reconnects with
// linear backoff after an unexpected close.
type ControlChannel struct {
	cfg       ChannelConfig
	dialer    Dialer
	afterFunc func(time.Duration, func()) timer
	onMessage func([]byte)
	onGiveUp  func()
	stats     *util.Stats

	mu            sync.Mutex
	state         ChannelState
	started       bool
	ctx           context.Context
	cancel        context.CancelFunc
	conn          Conn
	gen           uint64
	attempts      int
	retry         timer
	heartbeatStop chan struct{}

	writeMu sync.Mutex
}

// NewControlChannel creates a channel in the Disconnected state. onMessage
// receives every inbound payload in arrival order from a single goroutine;
// onGiveUp runs once the reconnect budget is exhausted.
func NewControlChannel(cfg ChannelConfig, dialer Dialer, stats *util.Stats, onMessage func([]byte), onGiveUp func()) *ControlChannel {
	if dialer == nil {
		dialer = WSDialer{}
	}
	if stats == nil {
		stats = &util.Stats{}
	}
	return &ControlChannel{
		cfg:       cfg,
		dialer:    dialer,
		afterFunc: realAfterFunc,
		onMessage: onMessage,
		onGiveUp:  onGiveUp,
		stats:     stats,
		state:     ChannelDisconnected,
	}
}

// State returns the current connection state.
func (c *ControlChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start enters the started lifecycle and makes the first connection attempt.
// A failed first attempt is returned to the caller and does not reconnect.
func (c *ControlChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.attempts = 0
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.cancel()
		if c.state == ChannelConnecting {
			c.state = ChannelDisconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// connect dials once, bounded by ConnectTimeout, and on success registers and
// starts the reader and heartbeat goroutines.
func (c *ControlChannel) connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrStopped
	}
	lifetime := c.ctx
	c.state = ChannelConnecting
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(lifetime, cancel)
	defer stop()

	util.LogDebug("dialing control channel %s", c.cfg.Endpoint)
	conn, err := c.dialer.Dial(dctx, c.cfg.Endpoint)
	if err != nil {
		c.mu.Lock()
		if c.state == ChannelConnecting {
			c.state = ChannelDisconnected
		}
		c.mu.Unlock()

		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("connect %s: %w after %s", c.cfg.Endpoint, ErrTimeout, c.cfg.ConnectTimeout)
		}
		return fmt.Errorf("connect %s: %w: %v", c.cfg.Endpoint, ErrTransport, err)
	}

	c.mu.Lock()
	if !c.started || lifetime.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	conn.SetReadLimit(maxControlMessage)
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = ChannelOpen
	c.attempts = 0
	hb := make(chan struct{})
	c.heartbeatStop = hb
	c.mu.Unlock()

	util.LogInfo("control channel open: %s", c.cfg.Endpoint)

	go c.readLoop(conn, gen)

	if !c.Send(protocol.Register(c.cfg.Registration)) {
		util.LogWarning("failed to send register message")
	}

	go c.heartbeat(hb)
	return nil
}

// readLoop delivers inbound messages until the connection fails.
func (c *ControlChannel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.stats.AddControlRecv()
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

// handleClose reacts to the reader of connection gen ending.
func (c *ControlChannel) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		// Stale connection or explicit stop.
		c.mu.Unlock()
		return
	}
	c.conn.Close()
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.state = ChannelDisconnected

	if !c.started {
		c.mu.Unlock()
		return
	}

	util.LogWarning("control channel closed: %v", cause)
	gaveUp := c.scheduleLocked()
	c.mu.Unlock()

	if gaveUp && c.onGiveUp != nil {
		c.onGiveUp()
	}
}

// scheduleLocked arms the next reconnect attempt, or gives up once the cap
// is reached. It reports whether it gave up.
func (c *ControlChannel) scheduleLocked() bool {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		util.LogError("max reconnection attempts reached (%d)", c.cfg.MaxReconnectAttempts)
		c.started = false
		c.state = ChannelDisconnected
		if c.cancel != nil {
			c.cancel()
		}
		return true
	}

	c.attempts++
	delay := time.Duration(c.attempts) * c.cfg.ReconnectBaseDelay
	util.LogInfo("reconnecting control channel in %s (attempt %d/%d)", delay, c.attempts, c.cfg.MaxReconnectAttempts)
	c.stats.AddReconnect()
	c.retry = c.afterFunc(delay, c.reconnect)
	return false
}

// reconnect runs one scheduled attempt. A failure consumes the next slot.
func (c *ControlChannel) reconnect() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	lifetime := c.ctx
	c.mu.Unlock()

	err := c.connect(lifetime)
	if err == nil {
		return
	}
	util.LogWarning("reconnect failed: %v", err)

	c.mu.Lock()
	if !c.started || c.conn != nil {
		c.mu.Unlock()
		return
	}
	gaveUp := c.scheduleLocked()
	c.mu.Unlock()

	if gaveUp && c.onGiveUp != nil {
		c.onGiveUp()
	}
}

// heartbeat sends a keep-alive every HeartbeatInterval until stop closes.
func (c *ControlChannel) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.Send(protocol.Heartbeat()) {
				util.LogDebug("heartbeat not sent")
			}
		case <-stop:
			return
		}
	}
}

// Send writes one message. It returns false, without raising, when the
// channel is not open or the write fails; the message is then dropped.
func (c *ControlChannel) Send(msg protocol.Outbound) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		util.LogError("encode %s: %v", msg.Type(), err)
		return false
	}

	c.mu.Lock()
	conn := c.conn
	open := c.state == ChannelOpen
	c.mu.Unlock()

	if !open || conn == nil {
		util.LogWarning("control channel not open, dropping %s", msg.Type())
		return false
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		util.LogWarning("failed to send %s: %v", msg.Type(), err)
		return false
	}
	c.stats.AddControlSent()
	return true
}

// Stop closes the channel without triggering reconnection. It is idempotent.
func (c *ControlChannel) Stop() {
	c.mu.Lock()
	c.started = false
	if c.cancel != nil {
		c.cancel()
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.state = ChannelClosing
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()
	conn.Close()
}
