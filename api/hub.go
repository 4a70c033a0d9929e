package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"bookflow/logger"
	"bookflow/models"
	"bookflow/writer"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type client struct {
	send   chan []byte
	filter map[string]struct{}
}

func (c *client) wants(key string) bool {
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[key]
	return ok
}

// Hub broadcasts wire records to websocket subscribers. It is attached to the
// writer fanout as a sink; a subscriber that cannot keep up is disconnected.
type Hub struct {
	depth    int
	queue    int
	upgrader websocket.Upgrader
	log      *logger.Log

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(depth, clientQueue int) *Hub {
	if clientQueue <= 0 {
		clientQueue = 256
	}
	return &Hub{
		depth: depth,
		queue: clientQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logger.GetLogger(),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Write(_ context.Context, quotes []models.Quote) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return nil
	}
	for _, q := range quotes {
		w := writer.NewWire(q, h.depth)
		data, err := w.Marshal()
		if err != nil {
			return err
		}
		key := w.Key()
		for c := range h.clients {
			if !c.wants(key) {
				continue
			}
			select {
			case c.send <- data:
				logger.IncrementQuotePublished(h.Name(), len(data))
			default:
				h.log.WithComponent("ws_hub").Warn("subscriber too slow, disconnecting")
				delete(h.clients, c)
				close(c.send)
			}
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS upgrades the request and streams quotes. The optional symbols query
// parameter is a comma separated list of exchange:symbol keys.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithComponent("ws_hub").WithError(err).Debug("websocket upgrade failed")
		return
	}

	cl := &client{send: make(chan []byte, h.queue), filter: parseFilter(c.Query("symbols"))}
	if !h.register(cl) {
		_ = conn.Close()
		return
	}
	go h.writePump(conn, cl)
	go h.readPump(conn, cl)
}

func parseFilter(raw string) map[string]struct{} {
	if raw == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		exchange, symbol, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || exchange == "" || symbol == "" {
			continue
		}
		out[strings.ToLower(exchange)+":"+strings.ToUpper(symbol)] = struct{}{}
	}
	return out
}

func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer func() {
		h.unregister(c)
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
