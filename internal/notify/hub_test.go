package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parisxmas/oxiwarehouse/internal/logging"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/notify"
)

func dial(t *testing.T, srv *httptest.Server, owner string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?owner=" + owner
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *notify.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDeliversToOwnerAndAdmins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := notify.NewHub(logging.Discard())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		hub.Serve(w, r, owner, owner == "admin")
	}))
	defer srv.Close()

	owner := dial(t, srv, "u1")
	stranger := dial(t, srv, "u2")
	admin := dial(t, srv, "admin")
	waitForClients(t, hub, 3)

	ev := notify.Event{
		Kind:       notify.KindProcessing,
		Submission: models.Submission{ID: "s1", OwnerID: "u1", Status: models.StatusProcessing, Version: 2},
	}
	if err := hub.Notify(ctx, ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"owner": owner, "admin": admin} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s read: %v", name, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("%s decode: %v", name, err)
		}
		if msg["submissionId"] != "s1" || msg["event"] != "processing" || msg["type"] != "submission_update" {
			t.Fatalf("%s unexpected message %v", name, msg)
		}
	}

	stranger.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := stranger.ReadMessage(); err == nil {
		t.Fatal("stranger must not receive another owner's events")
	}
}

func TestHubNotifyAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := notify.NewHub(logging.Discard())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	for i := 0; i < 100; i++ {
		if err := hub.Notify(context.Background(), notify.Event{Kind: notify.KindSubmitted}); err != nil {
			t.Fatalf("Notify after shutdown: %v", err)
		}
	}
}
