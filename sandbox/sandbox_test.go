package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeEngine runs a minimal in-process stand-in for the container engine
// socket: it decodes every request and hands it to the test's handle
// callback, which writes whatever replies that test needs — enough to
// exercise the client's request/response correlation without a real engine.
func fakeEngine(t *testing.T, handle func(conn *websocket.Conn, msg map[string]any)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			handle(conn, msg)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientCreateStartStop(t *testing.T) {
	srv := fakeEngine(t, func(conn *websocket.Conn, msg map[string]any) {
		switch msg["type"] {
		case "create":
			conn.WriteJSON(map[string]any{"type": "result", "id": msg["id"], "handle": "sb-1", "state": "created"})
		case "start":
			conn.WriteJSON(map[string]any{"type": "result", "id": msg["id"], "handle": msg["handle"], "state": "running"})
		case "stop":
			conn.WriteJSON(map[string]any{"type": "result", "id": msg["id"], "handle": msg["handle"], "state": "exited"})
		}
	})

	client := NewClient(wsURL(srv.URL), Handler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitConnected(t, client)

	handle, err := client.Create(context.Background(), "VEA-a", "ref://a", Limits{CPUShare: 1, MemoryBytes: 64 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if handle != "sb-1" {
		t.Fatalf("Create: handle = %q, want sb-1", handle)
	}

	if err := client.Start(context.Background(), handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := client.Stop(context.Background(), handle, 5000); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestClientCallError(t *testing.T) {
	srv := fakeEngine(t, func(conn *websocket.Conn, msg map[string]any) {
		conn.WriteJSON(map[string]any{"type": "error", "id": msg["id"], "message": "artifact not found"})
	})

	client := NewClient(wsURL(srv.URL), Handler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitConnected(t, client)

	_, err := client.Create(context.Background(), "VEA-a", "ref://missing", Limits{})
	if err == nil {
		t.Fatal("Create: want error, got nil")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	srv := fakeEngine(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["type"] == "remove" {
			conn.WriteJSON(map[string]any{"type": "error", "id": msg["id"], "message": "no such sandbox"})
		}
	})

	client := NewClient(wsURL(srv.URL), Handler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitConnected(t, client)

	if err := client.Remove(context.Background(), "sb-gone"); err != nil {
		t.Fatalf("Remove of an already-absent handle should be a no-op, got: %v", err)
	}
}

func TestOnExitedCallback(t *testing.T) {
	srv := fakeEngine(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["type"] == "trigger_exit" {
			code := 1
			conn.WriteJSON(map[string]any{"type": "exited", "handle": "sb-z", "exit_code": code})
		}
	})

	exited := make(chan int, 1)
	client := NewClient(wsURL(srv.URL), Handler{
		OnExited: func(handle string, exitCode int, ts time.Time) {
			exited <- exitCode
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitConnected(t, client)

	if err := client.send(map[string]any{"type": "trigger_exit"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnExited")
	}
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if c.IsConnected() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("client never connected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
