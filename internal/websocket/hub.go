package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coderoom/pkg/logger"
)

// Hub tracks the open sockets of the process so they can be counted and
// closed together on shutdown. Room membership lives in the room package.
type Hub struct {
	mutex   sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		c.conn.Close()
		return
	}
	h.clients[c] = struct{}{}
}

func (h *Hub) Unregister(c *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.clients, c)
}

func (h *Hub) Count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Shutdown sends a going-away close to every socket and refuses new ones.
func (h *Hub) Shutdown() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()
	}
	logger.Info("Closed %d websocket connections", len(h.clients))
}
