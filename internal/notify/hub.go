package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type client struct {
	conn    *websocket.Conn
	ownerID string
	admin   bool
	send    chan []byte
}

type envelope struct {
	ownerID string
	payload []byte
}

// Hub streams submission events to websocket subscribers. A subscriber sees
// events for its own submissions; admin subscribers see every event.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	mu         sync.RWMutex
	done       chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run dispatches registrations and events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "owner", c.ownerID, "clients", total)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "owner", c.ownerID, "clients", total)
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.admin && c.ownerID != msg.ownerID {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow consumer; drop it rather than block the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type eventMessage struct {
	Type      string    `json:"type"`
	Event     Kind      `json:"event"`
	ID        string    `json:"submissionId"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Notify queues ev for the owner's subscribers.
func (h *Hub) Notify(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = ev.Submission.UpdatedAt
	}
	payload, err := json.Marshal(eventMessage{
		Type:      "submission_update",
		Event:     ev.Kind,
		ID:        ev.Submission.ID,
		Title:     ev.Submission.Title,
		Status:    string(ev.Submission.Status),
		Version:   ev.Submission.Version,
		Timestamp: at,
	})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- envelope{ownerID: ev.Submission.OwnerID, payload: payload}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve upgrades the request and streams events until the peer leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ownerID string, admin bool) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, ownerID: ownerID, admin: admin, send: make(chan []byte, 16)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	case <-r.Context().Done():
		conn.Close()
		return r.Context().Err()
	}

	go h.writePump(c)
	h.readPump(c)
	return nil
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("websocket write failed", "owner", c.ownerID, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
