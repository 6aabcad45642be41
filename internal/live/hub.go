// Package live pushes server-side attendance state to open views.
package live

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel carrying attendance events.
const Channel = "attendance:records"

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is one message sent to a view.
type Frame struct {
	Type string `json:"type"` // snapshot | event
	Data any    `json:"data"`
}

// SnapshotFunc returns the full server state a view starts from.
type SnapshotFunc func(ctx context.Context) (any, error)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans attendance events out to websocket views. A view never ticks
// state of its own: it gets a snapshot on connect and events afterwards, and
// reconnects to re-derive after being hidden.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	redis    *redis.Client
	snapshot SnapshotFunc
}

// NewHub creates a hub. With a nil redis client events only flow in-process.
func NewHub(rdb *redis.Client, snapshot SnapshotFunc) *Hub {
	return &Hub{
		clients:  make(map[*client]struct{}),
		redis:    rdb,
		snapshot: snapshot,
	}
}

// Run relays Redis pub/sub events to the local views until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		<-ctx.Done()
		return
	}
	pubsub := h.redis.Subscribe(ctx, Channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast([]byte(msg.Payload))
		}
	}
}

// Clients returns the number of connected views.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams frames to the view.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	if h.snapshot != nil {
		state, err := h.snapshot(r.Context())
		if err != nil {
			log.Printf("live snapshot failed: %v", err)
			state = []any{}
		}
		if data, err := json.Marshal(Frame{Type: "snapshot", Data: state}); err == nil {
			c.send <- data
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump only watches for disconnects; views never send state.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
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
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// broadcast queues data for every view, dropping views that cannot keep up.
func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("dropping slow live view")
			delete(h.clients, c)
			close(c.send)
		}
	}
}
