// Package tracker talks to the rendezvous ("tracker") HTTP service: it picks
// a live tracker, submits this client's address and derives the control
// channel endpoint.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// ErrRegistration is returned when no tracker is reachable or the tracker
// rejects the submitted info.
var ErrRegistration = errors.New("registration failed")

// defaultPort is assumed when a tracker URL carries no explicit port.
const defaultPort = 9001

// wsPortOffset is the distance between a tracker's HTTP port and its
// WebSocket port.
const wsPortOffset = 100

// Client is a tracker HTTP client.
type Client struct {
	http *http.Client
}

// NewClient returns a Client using hc, or http.DefaultClient when nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{http: hc}
}

// Resolve pings each tracker in order and returns the first that answers
// GET /ping with a 2xx status.
func (c *Client) Resolve(ctx context.Context, trackers []string) (string, error) {
	for _, base := range trackers {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ping", nil)
		if err != nil {
			util.LogWarning("tracker %s: %v", base, err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			util.LogWarning("tracker %s unavailable: %v", base, err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			util.LogInfo("connected to tracker %s", base)
			return base, nil
		}
		util.LogWarning("tracker %s answered %s", base, resp.Status)
	}
	return "", fmt.Errorf("%w: no tracker reachable", ErrRegistration)
}

type submitRequest struct {
	IP           string   `json:"ip"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
}

// submitResponse tolerates the tracker's framework envelope, where "status"
// may be the numeric HTTP code and "body" a JSON-encoded string.
type submitResponse struct {
	Status  json.RawMessage `json:"status"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body"`
}

func (r submitResponse) status() string {
	var s string
	if err := json.Unmarshal(r.Status, &s); err == nil {
		return s
	}
	return string(r.Status)
}

// Register posts the client's address to base/submit-info.
func (c *Client) Register(ctx context.Context, base string, reg protocol.Registration) error {
	payload, err := json.Marshal(submitRequest{
		IP:           reg.Address,
		Port:         reg.Port,
		Capabilities: reg.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/submit-info", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrRegistration, err)
	}

	status, message, err := parseSubmitResponse(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	if status != "success" {
		return fmt.Errorf("%w: tracker answered status=%q message=%q", ErrRegistration, status, message)
	}
	return nil
}

// parseSubmitResponse reads the status field, unwrapping one level of nested
// encoding when the tracker returns {"body": "<json string>"}.
func parseSubmitResponse(data []byte) (status, message string, err error) {
	var outer submitResponse
	if err := json.Unmarshal(data, &outer); err != nil {
		return "", "", fmt.Errorf("parse response: %w", err)
	}

	var nested string
	if len(outer.Body) > 0 && json.Unmarshal(outer.Body, &nested) == nil {
		var inner submitResponse
		if err := json.Unmarshal([]byte(nested), &inner); err != nil {
			return "", "", fmt.Errorf("parse body: %w", err)
		}
		return inner.status(), inner.Message, nil
	}
	return outer.status(), outer.Message, nil
}

// ControlEndpoint derives the control channel URL from a tracker base URL:
// same host, ws(s) scheme, HTTP port + 100, path /ws/p2p, username in the query.
func ControlEndpoint(base, username string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid tracker URL: %q", base)
	}

	var scheme string
	switch u.Scheme {
	case "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("invalid tracker port %q", p)
		}
	}

	ws := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(u.Hostname(), strconv.Itoa(port+wsPortOffset)),
		Path:     "/ws/p2p",
		RawQuery: url.Values{"username": {username}}.Encode(),
	}
	return ws.String(), nil
}
