package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientSendBuffer is the per-client event queue. A client that cannot
// drain it fast enough is disconnected rather than allowed to stall the
// hub.
const clientSendBuffer = 32

const writeTimeout = 10 * time.Second

// hub fans broadcast events out to every connected websocket client.
type hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

func (h *hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast queues an event on every client. A full send buffer drops the
// client on the spot; one slow UI must not delay the rest.
func (h *hub) broadcast(ev Event) {
	h.mu.Lock()
	var dropped []*client
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range dropped {
		h.log.Warn("Dropping slow websocket client", "remote", c.conn.RemoteAddr())
		c.conn.Close()
	}
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// shutdown disconnects every client and refuses new registrations.
func (h *hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// upgrader accepts any origin. The bridge binds to localhost; the local UI
// is the only expected peer.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, clientSendBuffer)}
	if !h.register(c) {
		conn.Close()
		return
	}
	h.log.Debug("Websocket client connected", "remote", conn.RemoteAddr())

	go h.writePump(c)
	go h.readPump(c)
}

func (h *hub) writePump(c *client) {
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(ev); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readPump discards inbound frames; the bridge is publish-only. Reading is
// still required to notice the peer closing.
func (h *hub) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
	c.conn.Close()
}
