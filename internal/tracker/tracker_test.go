package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/1ureka/peerlink/internal/protocol"
)

func TestParseSubmitResponse(t *testing.T) {
	testCases := []struct {
		name       string
		input      string
		wantStatus string
		wantErr    bool
	}{
		{"flat success", `{"status":"success"}`, "success", false},
		{"nested success", `{"body": "{\"status\":\"success\"}"}`, "success", false},
		{"nested error", `{"status":409,"body":"{\"status\":\"error\",\"message\":\"dup\"}"}`, "error", false},
		{"object body is not unwrapped", `{"status":"success","body":{"status":"error"}}`, "success", false},
		{"nested garbage", `{"body":"not json"}`, "", true},
		{"garbage", `<html>`, "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, _, err := parseSubmitResponse([]byte(tc.input))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if status != tc.wantStatus {
				t.Errorf("status = %q, want %q", status, tc.wantStatus)
			}
		})
	}
}

func TestRegisterUnwrapsNestedBody(t *testing.T) {
	var got submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/submit-info" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"body": "{\"status\":\"success\"}"}`))
	}))
	defer srv.Close()

	reg := protocol.Registration{Username: "alice", Address: "10.0.0.1", Port: 50123, Capabilities: []string{"webrtc", "websocket"}}
	if err := NewClient(srv.Client()).Register(context.Background(), srv.URL, reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got.IP != "10.0.0.1" || got.Port != 50123 || len(got.Capabilities) != 2 {
		t.Fatalf("submitted %+v", got)
	}
}

func TestRegisterRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"not logged in"}`))
	}))
	defer srv.Close()

	err := NewClient(nil).Register(context.Background(), srv.URL, protocol.Registration{Username: "alice"})
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("err = %v, want ErrRegistration", err)
	}
}

func TestResolvePicksFirstLiveTracker(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer live.Close()

	got, err := NewClient(nil).Resolve(context.Background(), []string{"http://127.0.0.1:1", dead.URL, live.URL})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != live.URL {
		t.Errorf("Resolve = %q, want %q", got, live.URL)
	}
}

func TestResolveNoneAlive(t *testing.T) {
	_, err := NewClient(nil).Resolve(context.Background(), []string{"http://127.0.0.1:1"})
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("err = %v, want ErrRegistration", err)
	}
}

func TestControlEndpoint(t *testing.T) {
	testCases := []struct {
		base    string
		user    string
		want    string
		wantErr bool
	}{
		{"http://127.0.0.1:9001", "alice", "ws://127.0.0.1:9101/ws/p2p?username=alice", false},
		{"https://tracker.example.com:8443", "bob", "wss://tracker.example.com:8543/ws/p2p?username=bob", false},
		{"http://tracker.local", "carol", "ws://tracker.local:9101/ws/p2p?username=carol", false},
		{"http://[::1]:9001", "dave", "ws://[::1]:9101/ws/p2p?username=dave", false},
		{"http://h:9001", "a b&c", "ws://h:9101/ws/p2p?username=a+b%26c", false},
		{"ftp://h:21", "x", "", true},
		{"::bad", "x", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.base, func(t *testing.T) {
			got, err := ControlEndpoint(tc.base, tc.user)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ControlEndpoint = %q, want %q", got, tc.want)
			}
		})
	}
}
