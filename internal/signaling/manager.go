// Package signaling implements the signaling session manager: it keeps the
// tracker control channel alive, negotiates peer sessions over it and
// delivers application payloads once a peer's transport is ready.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/tracker"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	eventBuffer = 1024

	// Local ports advertised to the tracker are picked from [minPort, maxPort).
	minPort = 50000
	maxPort = 60000
)

// registrar is the part of the tracker client the manager needs.
type registrar interface {
	Resolve(ctx context.Context, trackers []string) (string, error)
	Register(ctx context.Context, base string, reg protocol.Registration) error
}

// Loop events. Everything that reads and then mutates the session table is
// funnelled through them.
type (
	loopEvent interface{}

	inboundMessage struct{ data []byte }
	channelLost    struct{}

	localCandidate struct {
		s *Session
		c protocol.Candidate
	}
	sessionConnecting struct{ s *Session }
	sessionReady      struct{ s *Session }
	sessionClosed     struct{ s *Session }

	connectCmd struct {
		peer  string
		reply chan error
	}
	disconnectCmd struct {
		peer  string
		reply chan error
	}
)

// Manager is one signaling agent. The zero value is not usable; create it
// with NewManager. Several managers may run in the same process.
type Manager struct {
	cfg config.Config

	tracker   registrar
	newHandle transport.Factory
	discover  func(ctx context.Context) string
	dialer    Dialer
	afterFunc func(time.Duration, func()) timer
	now       func() time.Time
	pickPort  func() int

	table      *Table
	pending    *pendingTable
	status     *statusBus
	dispatcher *Dispatcher
	stats      *util.Stats

	lifeMu  sync.Mutex // serializes Start and Stop
	running bool

	mu      sync.Mutex
	channel *ControlChannel
	events  chan loopEvent
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	reg     protocol.Registration
}

// NewManager creates a stopped manager for cfg.
func NewManager(cfg config.Config) *Manager {
	api := transport.NewAPI()
	return &Manager{
		cfg:       cfg,
		tracker:   tracker.NewClient(nil),
		newHandle: transport.NewFactory(api, cfg.STUNServers),
		discover: func(ctx context.Context) string {
			return transport.DiscoverLocalAddress(ctx, api, cfg.STUNServers, cfg.DiscoveryTimeout)
		},
		dialer:     WSDialer{},
		afterFunc:  realAfterFunc,
		now:        time.Now,
		pickPort:   func() int { return minPort + rand.Intn(maxPort-minPort) },
		table:      NewTable(),
		pending:    newPendingTable(),
		status:     newStatusBus(),
		dispatcher: NewDispatcher(),
		stats:      &util.Stats{},
	}
}

// Username returns the identity this manager registers with.
func (m *Manager) Username() string { return m.cfg.Username }

// Registration returns what was announced to the tracker by the last Start.
func (m *Manager) Registration() protocol.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg
}

// Stats returns the manager's traffic counters.
func (m *Manager) Stats() *util.Stats { return m.stats }

// Start registers with a tracker and opens the control channel. Calling it
// on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.running {
		return nil
	}
	if err := m.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	base, err := m.tracker.Resolve(ctx, m.cfg.Trackers)
	if err != nil {
		return err
	}

	addr := m.discover(ctx)
	reg := protocol.Registration{
		Username:     m.cfg.Username,
		Address:      addr,
		Port:         m.pickPort(),
		Capabilities: m.cfg.Capabilities,
	}
	util.LogInfo("local address %s:%d", reg.Address, reg.Port)

	if err := m.tracker.Register(ctx, base, reg); err != nil {
		return err
	}

	endpoint, err := tracker.ControlEndpoint(base, m.cfg.Username)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	ch := NewControlChannel(ChannelConfig{
		Endpoint:             endpoint,
		Registration:         reg,
		ConnectTimeout:       m.cfg.ConnectTimeout,
		HeartbeatInterval:    m.cfg.HeartbeatInterval,
		ReconnectBaseDelay:   m.cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: m.cfg.MaxReconnectAttempts,
	}, m.dialer, m.stats,
		func(data []byte) { m.post(context.Background(), inboundMessage{data: data}) },
		func() { m.post(context.Background(), channelLost{}) },
	)
	ch.afterFunc = m.afterFunc

	loopCtx, cancel := context.WithCancel(context.Background())
	events := make(chan loopEvent, eventBuffer)
	done := make(chan struct{})

	m.status.reopen()
	m.mu.Lock()
	m.channel = ch
	m.events = events
	m.ctx = loopCtx
	m.cancel = cancel
	m.done = done
	m.reg = reg
	m.mu.Unlock()

	go m.run(loopCtx, events, done)

	if err := ch.Start(ctx); err != nil {
		cancel()
		<-done
		m.mu.Lock()
		m.events = nil
		m.mu.Unlock()
		return err
	}

	m.running = true
	return nil
}

// Stop closes the control channel without reconnecting, tears down every
// session and ends all status subscriptions. It is idempotent.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	m.mu.Lock()
	ch, cancel, done := m.channel, m.cancel, m.done
	m.mu.Unlock()

	ch.Stop()
	cancel()
	<-done

	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()

	m.status.close()
	util.LogInfo("signaling stopped")
}

// ChannelState returns the control channel state.
func (m *Manager) ChannelState() ChannelState {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch == nil {
		return ChannelDisconnected
	}
	return ch.State()
}

// Subscribe returns a channel of status changes and a function that ends
// the subscription. The channel is closed on Stop.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	return m.status.subscribe()
}

// OnMessage registers a handler for application payloads.
func (m *Manager) OnMessage(h Handler) {
	m.dispatcher.Register(h)
}

// Sessions returns a snapshot of every session.
func (m *Manager) Sessions() []SessionInfo {
	return m.table.Snapshot()
}

// ConnectToPeer starts negotiating a session with peer as initiator. It
// returns once the offer is sent; completion is reported as a connected
// status event.
func (m *Manager) ConnectToPeer(ctx context.Context, peer string) error {
	reply := make(chan error, 1)
	return m.call(ctx, connectCmd{peer: peer, reply: reply}, reply)
}

// Disconnect closes the session with peer.
func (m *Manager) Disconnect(ctx context.Context, peer string) error {
	reply := make(chan error, 1)
	return m.call(ctx, disconnectCmd{peer: peer, reply: reply}, reply)
}

// SendToPeer sends payload to a connected peer. Without a Connected session
// and an open handle it fails with ErrNotConnected and sends nothing.
func (m *Manager) SendToPeer(peer string, payload any) error {
	s, ok := m.table.Get(peer)
	if !ok || !s.sendable() {
		return fmt.Errorf("send to %s: %w", peer, ErrNotConnected)
	}

	now := m.now()
	data, err := protocol.EncodeApp(m.cfg.Username, payload, now)
	if err != nil {
		return err
	}
	return m.sendData(s, data, now)
}

// Broadcast sends payload to every connected peer and returns how many
// deliveries succeeded.
func (m *Manager) Broadcast(payload any) int {
	now := m.now()
	data, err := protocol.EncodeApp(m.cfg.Username, payload, now)
	if err != nil {
		util.LogError("broadcast: %v", err)
		return 0
	}

	n := 0
	for _, s := range m.table.Connected() {
		if !s.sendable() {
			continue
		}
		if err := m.sendData(s, data, now); err != nil {
			peerLog(s.PeerID).Warn("broadcast: %v", err)
			continue
		}
		n++
	}
	return n
}

func (m *Manager) sendData(s *Session, data []byte, now time.Time) error {
	if err := s.handle.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w: %v", s.PeerID, ErrTransport, err)
	}
	s.touch(now)
	m.stats.AddSent(len(data))
	return nil
}

// GetPeerList asks the tracker for the registered peers, excluding this
// client. It fails with ErrTimeout after RequestTimeout.
func (m *Manager) GetPeerList(ctx context.Context) ([]protocol.PeerInfo, error) {
	m.mu.Lock()
	ch, done := m.channel, m.done
	running := m.events != nil
	m.mu.Unlock()
	if !running {
		return nil, ErrStopped
	}

	req := m.pending.add(protocol.TypePeerList)
	defer m.pending.remove(req)

	if !ch.Send(protocol.GetPeerList()) {
		return nil, fmt.Errorf("get peer list: %w", ErrNotConnected)
	}

	tctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	select {
	case ev := <-req.reply:
		list, _ := ev.(protocol.PeerList)
		peers := make([]protocol.PeerInfo, 0, len(list.Peers))
		for _, p := range list.Peers {
			if p.Username != "" && p.Username != m.cfg.Username {
				peers = append(peers, p)
			}
		}
		return peers, nil
	case <-done:
		return nil, ErrStopped
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req.log.Warn("no response within %s", m.cfg.RequestTimeout)
		return nil, fmt.Errorf("get peer list (request %s): %w after %s", req.id, ErrTimeout, m.cfg.RequestTimeout)
	}
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// post hands ev to the event loop. It fails with ErrStopped when no loop is
// running.
func (m *Manager) post(ctx context.Context, ev loopEvent) error {
	m.mu.Lock()
	events, done := m.events, m.done
	m.mu.Unlock()
	if events == nil {
		return ErrStopped
	}

	select {
	case events <- ev:
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call posts a command and waits for its reply.
func (m *Manager) call(ctx context.Context, ev loopEvent, reply <-chan error) error {
	if err := m.post(ctx, ev); err != nil {
		return err
	}

	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	select {
	case err := <-reply:
		return err
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, events <-chan loopEvent, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			m.teardownAll()
			return
		case ev := <-events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev loopEvent) {
	switch e := ev.(type) {
	case inboundMessage:
		m.routeRaw(e.data)

	case channelLost:
		util.LogError("control channel lost, giving up")
		m.status.emit(SelfID, StatusDisconnected)

	case localCandidate:
		if !m.current(e.s) {
			return
		}
		if !m.channel.Send(protocol.CandidateTo(e.s.PeerID, e.c)) {
			peerLog(e.s.PeerID).Warn("local candidate dropped")
		}

	case sessionConnecting:
		if !m.current(e.s) {
			return
		}
		if err := e.s.transition(TransportConnecting, m.now()); err != nil {
			peerLog(e.s.PeerID).Debug("connecting signal ignored: %v", err)
		}

	case sessionReady:
		if !m.current(e.s) {
			return
		}
		if err := e.s.transition(Connected, m.now()); err != nil {
			m.failSession(e.s, err)
			return
		}
		peerLog(e.s.PeerID).Info("session connected")
		m.stats.AddSessionOpened()
		m.status.emit(e.s.PeerID, StatusConnected)

	case sessionClosed:
		if !m.current(e.s) {
			return
		}
		m.closeSession(e.s, "transport closed")

	case connectCmd:
		e.reply <- m.connect(e.peer)

	case disconnectCmd:
		s, ok := m.table.Live(e.peer)
		if !ok {
			e.reply <- fmt.Errorf("disconnect %s: %w", e.peer, ErrNotConnected)
			return
		}
		m.closeSession(s, "disconnect requested")
		e.reply <- nil

	default:
		util.LogWarning("unhandled loop event %T", ev)
	}
}

// current reports whether s is still the live table entry for its peer.
func (m *Manager) current(s *Session) bool {
	cur, ok := m.table.Get(s.PeerID)
	return ok && cur == s && !s.State().Terminal()
}

// connect runs the initiator's first step for peer.
func (m *Manager) connect(peer string) error {
	if peer == "" || peer == m.cfg.Username {
		return fmt.Errorf("connect %q: %w: invalid peer", peer, ErrProtocol)
	}
	if _, ok := m.table.Live(peer); ok {
		return fmt.Errorf("connect %s: %w", peer, ErrSessionExists)
	}
	if m.channel.State() != ChannelOpen {
		return fmt.Errorf("connect %s: %w: control channel %s", peer, ErrNotConnected, m.channel.State())
	}

	s, err := m.openSession(peer, Initiator)
	if err != nil {
		m.status.emit(peer, StatusError)
		return fmt.Errorf("connect %s: %w: %v", peer, ErrTransport, err)
	}

	offer, err := s.startOffer()
	if err != nil {
		m.failSession(s, err)
		return fmt.Errorf("connect %s: %w: %v", peer, ErrTransport, err)
	}
	if !m.channel.Send(protocol.OfferTo(peer, offer)) {
		m.failSession(s, errors.New("offer not sent"))
		return fmt.Errorf("connect %s: %w: offer not sent", peer, ErrTransport)
	}
	if err := s.transition(OfferSent, m.now()); err != nil {
		m.failSession(s, err)
		return err
	}

	peerLog(peer).Info("offer sent")
	return nil
}

// openSession acquires a handle and inserts a new session for peer.
func (m *Manager) openSession(peer string, role Role) (*Session, error) {
	s := newSession(peer, role, m.now())

	h, err := m.newHandle(m.ctx, role, m.callbacks(s))
	if err != nil {
		return nil, err
	}
	s.handle = h

	if old := m.table.Put(s); old != nil && old != s {
		old.release()
	}
	m.status.emit(peer, StatusConnecting)
	peerLog(peer).Debug("%s session opened", role)
	return s, nil
}

// callbacks routes a handle's signals for s back into the event loop.
func (m *Manager) callbacks(s *Session) transport.Callbacks {
	bg := context.Background()
	return transport.Callbacks{
		OnCandidate:  func(c protocol.Candidate) { m.post(bg, localCandidate{s: s, c: c}) },
		OnConnecting: func() { m.post(bg, sessionConnecting{s: s}) },
		OnReady:      func() { m.post(bg, sessionReady{s: s}) },
		// Close may fire this from inside the loop.
		OnClosed:  func() { go m.post(bg, sessionClosed{s: s}) },
		OnMessage: func(data []byte) { m.deliver(s, data) },
	}
}

// deliver runs on the handle's own goroutine.
func (m *Manager) deliver(s *Session, data []byte) {
	m.stats.AddRecv(len(data))
	s.touch(m.now())
	m.dispatcher.Dispatch(s.PeerID, data)
}

// finish moves s to a terminal state, removes it and releases its handle.
func (m *Manager) finish(s *Session, final State) {
	if err := s.transition(final, m.now()); err != nil {
		peerLog(s.PeerID).Debug("%v", err)
	}
	m.table.Remove(s)
	s.release()
	m.stats.AddSessionClosed()
}

// closeSession ends s normally and reports it disconnected.
func (m *Manager) closeSession(s *Session, reason string) {
	peerLog(s.PeerID).Info("closing session: %s", reason)
	m.finish(s, Closed)
	m.status.emit(s.PeerID, StatusDisconnected)
}

// replaceSession ends s ahead of a new session to the same peer. Listeners
// only hear about it if s had reached Connected.
func (m *Manager) replaceSession(s *Session) {
	if s.State() == Connected {
		m.closeSession(s, "replaced by inbound request")
		return
	}
	peerLog(s.PeerID).Info("closing session: replaced by inbound request")
	m.finish(s, Closed)
}

// failSession ends s after a negotiation error.
func (m *Manager) failSession(s *Session, err error) {
	peerLog(s.PeerID).Error("negotiation failed: %v", err)
	m.finish(s, Failed)
	m.status.emit(s.PeerID, StatusError)
}

func (m *Manager) teardownAll() {
	for _, s := range m.table.Drain() {
		if s.State().Terminal() {
			continue
		}
		if err := s.transition(Closed, m.now()); err != nil {
			peerLog(s.PeerID).Debug("%v", err)
		}
		s.release()
		m.stats.AddSessionClosed()
		m.status.emit(s.PeerID, StatusDisconnected)
	}
}
