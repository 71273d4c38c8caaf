package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/transport"
)

const waitTimeout = 2 * time.Second

// ---------------------------------------------------------------------------
// Transport handle
// ---------------------------------------------------------------------------

type fakeHandle struct {
	role transport.Role
	cb   transport.Callbacks

	mu         sync.Mutex
	local      *protocol.SessionDescription
	remote     *protocol.SessionDescription
	candidates []protocol.Candidate
	sent       [][]byte
	open       bool
	closed     bool
	sendErr    error
	closeOnce  sync.Once
}

func (h *fakeHandle) CreateOffer() (protocol.SessionDescription, error) {
	return protocol.SessionDescription{Type: "offer", SDP: "fake-offer"}, nil
}

func (h *fakeHandle) CreateAnswer() (protocol.SessionDescription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remote == nil {
		return protocol.SessionDescription{}, errors.New("no remote offer")
	}
	return protocol.SessionDescription{Type: "answer", SDP: "fake-answer"}, nil
}

func (h *fakeHandle) SetLocalDescription(d protocol.SessionDescription) error {
	h.mu.Lock()
	h.local = &d
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) SetRemoteDescription(d protocol.SessionDescription) error {
	if d.SDP == "bad" {
		return errors.New("malformed description")
	}
	h.mu.Lock()
	h.remote = &d
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) AddICECandidate(c protocol.Candidate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remote == nil {
		return errors.New("remote description not set")
	}
	h.candidates = append(h.candidates, c)
	return nil
}

func (h *fakeHandle) Open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open && !h.closed
}

func (h *fakeHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open || h.closed {
		return transport.ErrNotOpen
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, data)
	return nil
}

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.open = false
		h.mu.Unlock()
		if h.cb.OnClosed != nil {
			h.cb.OnClosed()
		}
	})
	return nil
}

// ready simulates the data channel opening.
func (h *fakeHandle) ready() {
	h.mu.Lock()
	h.open = true
	h.mu.Unlock()
	if h.cb.OnReady != nil {
		h.cb.OnReady()
	}
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *fakeHandle) lastSent() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sent) == 0 {
		return nil
	}
	return h.sent[len(h.sent)-1]
}

func (h *fakeHandle) candidateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.candidates)
}

type handleFactory struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (f *handleFactory) factory(_ context.Context, role transport.Role, cb transport.Callbacks) (transport.Handle, error) {
	h := &fakeHandle{role: role, cb: cb}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *handleFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// ---------------------------------------------------------------------------
// Control channel connection
// ---------------------------------------------------------------------------

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	out       [][]byte
	onWrite   func([]byte)
	readLimit int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		c.mu.Lock()
		limit := c.readLimit
		c.mu.Unlock()
		if limit > 0 && int64(len(data)) > limit {
			c.Close()
			return 0, nil, websocket.ErrReadLimit
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	if mt != websocket.TextMessage {
		return nil
	}

	c.mu.Lock()
	c.out = append(c.out, data)
	hook := c.onWrite
	c.mu.Unlock()

	if hook != nil {
		hook(data)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetReadLimit(limit int64) {
	c.mu.Lock()
	c.readLimit = limit
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push injects one inbound message.
func (c *fakeConn) push(msg string) {
	c.in <- []byte(msg)
}

// drop simulates the tracker closing the connection.
func (c *fakeConn) drop() { c.Close() }

func (c *fakeConn) setOnWrite(f func([]byte)) {
	c.mu.Lock()
	c.onWrite = f
	c.mu.Unlock()
}

// sentTypes returns the type tag of every outbound message, in order.
func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.out))
	for _, data := range c.out {
		var m struct {
			Type string `json:"type"`
		}
		json.Unmarshal(data, &m)
		types = append(types, m.Type)
	}
	return types
}

func (c *fakeConn) countType(typ string) int {
	n := 0
	for _, t := range c.sentTypes() {
		if t == typ {
			n++
		}
	}
	return n
}

func (c *fakeConn) message(i int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var m map[string]any
	json.Unmarshal(c.out[i], &m)
	return m
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	block bool
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	block, err := d.block, d.err
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ---------------------------------------------------------------------------
// Scheduler and tracker
// ---------------------------------------------------------------------------

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// fakeScheduler records reconnect timers instead of arming them.
type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (s *fakeScheduler) afterFunc(d time.Duration, f func()) timer {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, f)
	s.mu.Unlock()
	return fakeTimer{}
}

func (s *fakeScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

func (s *fakeScheduler) fire(i int) {
	s.mu.Lock()
	f := s.fns[i]
	s.mu.Unlock()
	f()
}

type fakeRegistrar struct {
	err error
}

func (r fakeRegistrar) Resolve(context.Context, []string) (string, error) {
	return "http://tracker.test:9001", nil
}

func (r fakeRegistrar) Register(context.Context, string, protocol.Registration) error {
	return r.err
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type testEnv struct {
	m       *Manager
	handles *handleFactory
	dialer  *fakeDialer
	sched   *fakeScheduler
}

// newTestManager builds a stopped manager wired to fakes.
func newTestManager(t *testing.T, username string) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Username = username

	env := &testEnv{
		m:       NewManager(cfg),
		handles: &handleFactory{},
		dialer:  &fakeDialer{},
		sched:   &fakeScheduler{},
	}
	env.m.tracker = fakeRegistrar{}
	env.m.discover = func(context.Context) string { return "10.0.0.1" }
	env.m.dialer = env.dialer
	env.m.newHandle = env.handles.factory
	env.m.afterFunc = env.sched.afterFunc
	env.m.pickPort = func() int { return 50001 }
	return env
}

// startTestManager builds and starts a manager; it is stopped at cleanup.
func startTestManager(t *testing.T, username string) *testEnv {
	t.Helper()
	env := newTestManager(t, username)
	if err := env.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(env.m.Stop)
	return env
}

func (e *testEnv) conn() *fakeConn { return e.dialer.last() }

// handle returns the fake handle of the current session for peer.
func (e *testEnv) handle(t *testing.T, peer string) *fakeHandle {
	t.Helper()
	s, ok := e.m.table.Get(peer)
	if !ok {
		t.Fatalf("no session for %s", peer)
	}
	return s.handle.(*fakeHandle)
}

// state returns the current state of peer's session, or -1 without one.
func (e *testEnv) state(peer string) State {
	s, ok := e.m.table.Get(peer)
	if !ok {
		return -1
	}
	return s.State()
}

// acceptFrom drives an inbound session from peer all the way to Connected.
func (e *testEnv) acceptFrom(t *testing.T, peer string) *fakeHandle {
	t.Helper()
	e.conn().push(`{"type":"connection_request","from_username":"` + peer + `","offer":{"type":"offer","sdp":"v=0"}}`)
	waitFor(t, "answer sent to "+peer, func() bool { return e.state(peer) == AnswerSent })

	h := e.handle(t, peer)
	h.ready()
	waitFor(t, peer+" connected", func() bool { return e.state(peer) == Connected })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// expectStatus reads ch until it sees {peer, kind}.
func expectStatus(t *testing.T, ch <-chan Status, peer string, kind StatusKind) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				t.Fatalf("status channel closed before %s/%s", peer, kind)
			}
			if st.PeerID == peer && st.Kind == kind {
				return
			}
		case <-timeout:
			t.Fatalf("no %s/%s status", peer, kind)
		}
	}
}

// relay forwards peer-addressed messages written by sender to target's
// connection, the way the tracker does.
func relay(sender, targetName string, target *fakeConn) func([]byte) {
	return func(data []byte) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		if m["to_username"] != targetName {
			return
		}
		delete(m, "to_username")
		m["from_username"] = sender
		out, _ := json.Marshal(m)
		target.in <- out
	}
}
