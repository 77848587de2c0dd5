package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mediafetch/mediafetch/internal/download"
	"github.com/mediafetch/mediafetch/internal/metrics"
)

func startHub(t *testing.T, lookup SnapshotFunc) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(metrics.New())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, lookup, nil).ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.TotalClients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.TotalClients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_DeliversToSubscribers(t *testing.T) {
	hub, srv := startHub(t, nil)
	watcher := dial(t, srv, "?task_id=t1")
	other := dial(t, srv, "?task_id=t2")
	waitClients(t, hub, 2)
	// subscriptions are processed after registration; give the hub a moment
	time.Sleep(20 * time.Millisecond)

	hub.Publish(download.Snapshot{ID: "t1", State: download.StateRunning, Progress: 40})

	msg := readMessage(t, watcher)
	if msg.Type != "task" || msg.Task.ID != "t1" || msg.Task.Progress != 40 {
		t.Errorf("message = %+v", msg)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("client subscribed to t2 should not receive t1")
	}
}

func TestHub_SubscribeCommandReplaysState(t *testing.T) {
	lookup := func(id string) (download.Snapshot, bool) {
		if id == "t9" {
			return download.Snapshot{ID: "t9", State: download.StateQueued}, true
		}
		return download.Snapshot{}, false
	}
	hub, srv := startHub(t, lookup)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	if err := conn.WriteJSON(command{Action: "subscribe", TaskID: "t9"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Task.ID != "t9" || msg.Task.State != download.StateQueued {
		t.Errorf("replayed message = %+v", msg)
	}
}

func TestHub_WildcardAndTerminalCleanup(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, "?task_id=*,t1")
	waitClients(t, hub, 1)
	time.Sleep(20 * time.Millisecond)

	hub.Publish(download.Snapshot{ID: "t1", State: download.StateFinished, Progress: 100})
	hub.Publish(download.Snapshot{ID: "t5", State: download.StateRunning})

	first := readMessage(t, conn)
	second := readMessage(t, conn)
	if first.Task.ID != "t1" || second.Task.ID != "t5" {
		t.Errorf("got %s then %s, want t1 then t5 without duplicates", first.Task.ID, second.Task.ID)
	}
}

func TestHub_UnregisterOnClose(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}
