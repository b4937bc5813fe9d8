// Package realtimetest provides an in-process fake of the remote realtime
// endpoint for tests.
package realtimetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Remote is a websocket server that speaks enough of the realtime protocol
// for the bridge: it announces session.created on connect, acknowledges
// session.update with session.updated, and records every client event.
type Remote struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	events   []map[string]any
	header   http.Header
	sessions int

	silentConnect bool
	dropUpdates   int
}

func NewRemote(t testing.TB) *Remote {
	t.Helper()
	r := &Remote{}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

// SetSilentConnect suppresses session.created on new connections.
func (r *Remote) SetSilentConnect(silent bool) {
	r.mu.Lock()
	r.silentConnect = silent
	r.mu.Unlock()
}

// SetDropUpdates leaves the next n session.update events unacknowledged.
func (r *Remote) SetDropUpdates(n int) {
	r.mu.Lock()
	r.dropUpdates = n
	r.mu.Unlock()
}

// URL is the ws:// address to configure the client with.
func (r *Remote) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *Remote) Close() {
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.mu.Unlock()
	r.server.Close()
}

func (r *Remote) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	r.mu.Lock()
	r.conn = conn
	r.header = req.Header.Clone()
	r.sessions++
	id := fmt.Sprintf("sess_%d", r.sessions)
	silent := r.silentConnect
	r.mu.Unlock()

	if !silent {
		_ = r.write(conn, map[string]any{"type": "session.created", "session": map[string]any{"id": id}})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev map[string]any
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		r.mu.Lock()
		r.events = append(r.events, ev)
		ack := false
		if ev["type"] == "session.update" {
			if r.dropUpdates > 0 {
				r.dropUpdates--
			} else {
				ack = true
			}
		}
		r.mu.Unlock()

		if ack {
			_ = r.write(conn, map[string]any{"type": "session.updated", "session": map[string]any{"id": id}})
		}
	}
}

func (r *Remote) write(conn *websocket.Conn, v any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Push sends an event to the most recent client connection.
func (r *Remote) Push(ev map[string]any) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	return r.write(conn, ev)
}

// Drop closes the current client connection from the server side.
func (r *Remote) Drop() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Types lists the received event types in arrival order.
func (r *Remote) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		t, _ := ev["type"].(string)
		out = append(out, t)
	}
	return out
}

// Events returns the received events of the given type.
func (r *Remote) Events(typ string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, ev := range r.events {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events of typ were received.
func (r *Remote) Count(typ string) int {
	return len(r.Events(typ))
}

// Reset forgets recorded events.
func (r *Remote) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Header returns the handshake headers of the latest connection.
func (r *Remote) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

// Connections counts accepted client connections.
func (r *Remote) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// WaitForCount polls until at least n events of typ arrived.
func (r *Remote) WaitForCount(typ string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.Count(typ) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.Count(typ) >= n
}

// WaitForTypes polls until the recorded type sequence has at least n entries.
func (r *Remote) WaitForTypes(n int, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if types := r.Types(); len(types) >= n {
			return types
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.Types()
}
