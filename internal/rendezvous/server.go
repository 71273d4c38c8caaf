// Package rendezvous is a small in-memory tracker for local development: it
// answers the HTTP registration endpoints and relays signaling messages
// between WebSocket clients by username.
package rendezvous

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendBuffer = 64
	writeWait  = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Development server: accept any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peerInfo is what the tracker knows about one registered client.
type peerInfo struct {
	Username     string   `json:"username"`
	IP           string   `json:"ip,omitempty"`
	Port         int      `json:"port,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type client struct {
	username string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Server holds the connected clients and submitted peer info.
type Server struct {
	log zerolog.Logger

	mu        sync.RWMutex
	clients   map[string]*client
	peers     map[string]peerInfo
	submitted int
}

// NewServer creates an empty tracker.
func NewServer(log zerolog.Logger) *Server {
	return &Server{
		log:     log,
		clients: make(map[string]*client),
		peers:   make(map[string]peerInfo),
	}
}

// HTTPRouter serves GET /ping and POST /submit-info.
func (s *Server) HTTPRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().Unix()})
	})
	r.Post("/submit-info", s.handleSubmit)
	return r
}

// WSRouter serves the control channel at /ws/p2p?username=<id>.
func (s *Server) WSRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws/p2p", s.serveWS)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var info peerInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil || info.IP == "" || info.Port == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":  http.StatusBadRequest,
			"message": "ip and port are required",
		})
		return
	}

	s.mu.Lock()
	s.submitted++
	total := s.submitted
	s.mu.Unlock()

	s.log.Info().Str("ip", info.IP).Int("port", info.Port).Strs("capabilities", info.Capabilities).
		Int("total", total).Msg("Peer info submitted")
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "peer registered"})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	if username == "" {
		conn.WriteJSON(map[string]any{"type": "error", "message": "Username required"})
		conn.Close()
		return
	}

	c := &client{
		username: username,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	l := s.log.With().Str("username", username).Logger()

	if old := s.attach(c); old != nil {
		l.Warn().Msg("Replacing existing connection")
		old.close()
	}
	l.Info().Msg("Client connected")

	go s.writePump(c)

	s.deliver(c, map[string]any{
		"type":     "registered",
		"username": username,
		"message":  "WebSocket connected successfully",
	})
	s.broadcast(username, map[string]any{
		"type":      "peer_online",
		"username":  username,
		"timestamp": time.Now().Unix(),
	})

	defer func() {
		c.close()
		if s.detach(c) {
			s.broadcast(username, map[string]any{
				"type":      "peer_offline",
				"username":  username,
				"timestamp": time.Now().Unix(),
			})
		}
		l.Info().Msg("Client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		s.handleMessage(c, data)
	}
}

// attach stores c and returns the connection it displaced, if any.
func (s *Server) attach(c *client) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.clients[c.username]
	s.clients[c.username] = c
	if _, ok := s.peers[c.username]; !ok {
		s.peers[c.username] = peerInfo{Username: c.username}
	}
	return old
}

// detach removes c if it is still the registered connection for its name.
func (s *Server) detach(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.clients[c.username]; !ok || cur != c {
		return false
	}
	delete(s.clients, c.username)
	delete(s.peers, c.username)
	return true
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn().Err(err).Str("username", c.username).Msg("Write failed")
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// deliver queues msg for c, dropping it when c is saturated.
func (s *Server) deliver(c *client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("Encode failed")
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		s.log.Warn().Str("username", c.username).Msg("Send buffer full, dropping message")
	}
}

func (s *Server) lookup(username string) (*client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[username]
	return c, ok
}

// broadcast sends msg to every client except the one named exclude.
func (s *Server) broadcast(exclude string, msg any) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for name, c := range s.clients {
		if name != exclude {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.deliver(c, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
