package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dispatchd/dispatchd/internal/daemon"
	"github.com/dispatchd/dispatchd/internal/events"
)

func startTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWS(w, r); err != nil {
			t.Errorf("ServeWS: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesConnectedClient(t *testing.T) {
	hub, url := startTestHub(t)
	conn := dial(t, url)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for client registration")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(Message{Type: "poll:start", Payload: daemon.PollOrphanRecovery, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "poll:start" {
		t.Errorf("expected type poll:start, got %s", msg.Type)
	}
}

func TestSubscribeForwardsDaemonEvents(t *testing.T) {
	hub, url := startTestHub(t)
	subject := events.NewSubject()
	hub.Subscribe(subject)

	conn := dial(t, url)
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for client registration")
		}
		time.Sleep(10 * time.Millisecond)
	}

	result := daemon.PollResult{PollType: daemon.PollInbox, Processed: 3}
	events.Emit(context.Background(), subject, events.TopicPollComplete, result)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "poll:complete" {
		t.Errorf("expected type poll:complete, got %s", msg.Type)
	}
}

func TestClientCountDecreasesAfterDisconnect(t *testing.T) {
	hub, url := startTestHub(t)
	conn := dial(t, url)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for client registration")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for client deregistration")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
