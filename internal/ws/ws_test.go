package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshforge/maps/internal/bus"
)

func startServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	srv := NewServer("127.0.0.1", 0, opts...)
	// Port 0 lets the kernel pick; fallback logic is tested separately.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.listener = ln
	srv.Port = ln.Addr().(*net.TCPAddr).Port
	go srv.httpServer.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, "ws://127.0.0.1:" + strconv.Itoa(srv.Port) + "/"
}

func dial(t *testing.T, wsURL string, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return out
}

func TestHistoryReplayOnConnect(t *testing.T) {
	srv, url := startServer(t)
	srv.BroadcastJSON(map[string]any{"type": "data.refreshed", "seq": 1})
	srv.BroadcastJSON(map[string]any{"type": "data.refreshed", "seq": 2})

	conn := dial(t, url, "")
	for want := 1; want <= 2; want++ {
		msg := readJSON(t, conn)
		if msg["seq"] != float64(want) {
			t.Fatalf("replay message %d = %v", want, msg)
		}
	}

	srv.BroadcastJSON(map[string]any{"type": "data.refreshed", "seq": 3})
	if msg := readJSON(t, conn); msg["seq"] != float64(3) {
		t.Fatalf("live message = %v", msg)
	}
}

func TestHistoryBounded(t *testing.T) {
	srv, url := startServer(t, WithHistorySize(3))
	for i := 1; i <= 5; i++ {
		srv.BroadcastJSON(map[string]any{"seq": i})
	}

	conn := dial(t, url, "")
	if err := conn.WriteJSON(map[string]any{"type": "get_history"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Replay of the 3 retained messages, then the history reply.
	var last map[string]any
	for i := 0; i < 4; i++ {
		last = readJSON(t, conn)
	}
	if last["type"] != "history" || last["count"] != float64(3) {
		t.Fatalf("history reply = %v", last)
	}
	messages := last["messages"].([]any)
	if first := messages[0].(map[string]any); first["seq"] != float64(3) {
		t.Fatalf("oldest retained = %v, want seq 3", first)
	}
}

func TestPingAndStats(t *testing.T) {
	_, url := startServer(t)
	conn := dial(t, url, "")

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "pong" {
		t.Fatalf("ping reply = %v", msg)
	}

	if err := conn.WriteJSON(map[string]any{"type": "get_stats"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readJSON(t, conn)
	if msg["type"] != "stats" || msg["clients"] != float64(1) {
		t.Fatalf("stats reply = %v", msg)
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	_, url := startServer(t)
	conn := dial(t, url, "")

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteJSON(map[string]any{"type": "subscribe"})

	// The connection stays up and still answers ping.
	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "pong" {
		t.Fatalf("reply = %v", msg)
	}
}

func TestOriginAllowList(t *testing.T) {
	srv, url := startServer(t)

	conn := dial(t, url, "http://localhost:8808")
	conn.WriteJSON(map[string]any{"type": "ping"})
	if msg := readJSON(t, conn); msg["type"] != "pong" {
		t.Fatalf("localhost origin rejected: %v", msg)
	}

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("remote origin accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("remote origin response = %v", resp)
	}

	// The rejected handshake never became a client.
	deadline := time.Now().Add(time.Second)
	for srv.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := srv.ClientCount(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}
}

func TestBusBridge(t *testing.T) {
	srv, url := startServer(t)
	events := bus.New()
	if _, err := srv.BridgeTo(events); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	conn := dial(t, url, "")
	events.Publish(bus.EventNodePosition, "mqtt", map[string]any{
		"node_id": "!aabbccdd",
		"lat":     40.0,
		"lon":     -105.0,
		"snr":     7.5,
	})

	msg := readJSON(t, conn)
	if msg["type"] != "node.position" || msg["source"] != "mqtt" {
		t.Fatalf("bridged envelope = %v", msg)
	}
	if msg["node_id"] != "!aabbccdd" || msg["lat"] != float64(40) {
		t.Fatalf("node fields not lifted: %v", msg)
	}
	data := msg["data"].(map[string]any)
	if data["snr"] != 7.5 {
		t.Fatalf("data payload = %v", data)
	}
	if _, ok := msg["timestamp"].(float64); !ok {
		t.Fatalf("timestamp = %v", msg["timestamp"])
	}
}

func TestPortFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	srv := NewServer("127.0.0.1", taken)
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()
	if port == taken || port > taken+portFallbackAttempts {
		t.Fatalf("port = %d, taken = %d", port, taken)
	}
}
