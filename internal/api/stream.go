package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamMessage is pushed to stream subscribers after every committed cycle.
type StreamMessage struct {
	Type      string           `json:"type"`
	Region    string           `json:"region"`
	FetchedAt time.Time        `json:"fetchedAt"`
	Aircraft  int              `json:"aircraft"`
	Findings  []models.Finding `json:"findings"`
}

type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans committed cycles out to websocket subscribers. It is a pipeline sink.
type Hub struct {
	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		clients:    make(map[*streamClient]struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			logger.Info("Alert stream client %s connected (%d total)", c.id, n)

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			var slow []*streamClient
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				logger.Warn("Dropping slow alert stream client %s", c.id)
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		logger.Info("Alert stream client %s disconnected (%d total)", c.id, len(h.clients))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues one cycle for every subscriber. It never blocks the pipeline; a full
// broadcast queue drops the message.
func (h *Hub) Publish(ctx context.Context, snap *models.Snapshot, findings []models.Finding) error {
	if h.ClientCount() == 0 {
		return nil
	}
	if findings == nil {
		findings = []models.Finding{}
	}
	msg, err := json.Marshal(StreamMessage{
		Type:      "cycle",
		Region:    snap.Region,
		FetchedAt: snap.FetchedAt,
		Aircraft:  len(snap.Aircraft),
		Findings:  findings,
	})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- msg:
	default:
		logger.Warn("Alert stream queue full, dropping cycle for %s", snap.Region)
	}
	return nil
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Alert stream upgrade failed: %v", err)
		return
	}
	c := &streamClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump only handles control frames; subscribers never send data.
func (h *Hub) readPump(c *streamClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Alert stream client %s read error: %v", c.id, err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
