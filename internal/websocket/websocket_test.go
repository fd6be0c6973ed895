package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torquehook/internal/coordinator"
	"github.com/torquehook/internal/entity"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, hub.GetClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func state(account, name, value string) entity.State {
	return entity.State{
		AccountID: account,
		UniqueID:  account + "_" + name,
		PID:       0x0d,
		Name:      name,
		Value:     value,
		HasValue:  true,
	}
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	st := state("me@example.com", "Speed", "42")
	hub.Listener(coordinator.Update{
		AccountID: "me@example.com",
		Received:  time.UnixMilli(1700000000000),
		Created:   []entity.State{st},
		Sensors:   []entity.State{st},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Invalid message %q: %v", data, err)
	}
	if msg.Sensor.UniqueID != st.UniqueID || msg.Sensor.Value != "42" || !msg.Created {
		t.Errorf("Unexpected message %+v", msg)
	}
}

func TestHub_AccountFilter(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "?account=b@example.com")
	waitForClients(t, hub, 1)

	hub.Listener(coordinator.Update{Sensors: []entity.State{state("a@example.com", "Speed", "1")}})
	hub.Listener(coordinator.Update{Sensors: []entity.State{state("b@example.com", "Speed", "2")}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	// messages may be coalesced into one frame
	for _, line := range strings.Split(string(data), "\n") {
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("Invalid message %q: %v", line, err)
		}
		if msg.Sensor.AccountID != "b@example.com" {
			t.Errorf("Received message for another account: %+v", msg)
		}
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}
