package internal

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestLivenessEvictsSilentConnections(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{PingInterval: 50 * time.Millisecond})
	token := signupUser(t, ts, "alice")
	roomID := createTestRoom(t, ts, token, "quiet")

	conn := dialRoom(t, ts, token, fmt.Sprintf("%d", roomID))
	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("expected connected frame: %v", frame)
	}
	if srv.registry.Len() != 1 {
		t.Fatalf("expected 1 registered connection")
	}

	// Never answer the pings; the monitor evicts after twice the interval.
	deadline := time.Now().Add(3 * time.Second)
	for srv.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("silent connection was never evicted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLivenessKeepsRespondingConnections(t *testing.T) {
	srv, ts := newTestServer(t, ServerConfig{PingInterval: 50 * time.Millisecond})
	token := signupUser(t, ts, "alice")
	roomID := createTestRoom(t, ts, token, "alive")

	conn := dialRoom(t, ts, token, fmt.Sprintf("%d", roomID))
	if frame := readFrame(t, conn); frame["type"] != "connected" {
		t.Fatalf("expected connected frame: %v", frame)
	}

	// Answer every ping frame with a pong for several eviction windows.
	stop := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(stop) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("connection dropped while responsive: %v", err)
		}
		var frame map[string]any
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		if frame["type"] == "ping" {
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				t.Fatalf("write pong: %v", err)
			}
		}
	}
	if srv.registry.Len() != 1 {
		t.Fatalf("responsive connection should survive, registry has %d", srv.registry.Len())
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for srv.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("voluntary disconnect never cleaned up")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
