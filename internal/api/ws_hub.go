package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/events"
	"github.com/atmx/energy-ledger/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var errHubFull = errors.New("ws hub: broadcast buffer full")

// WSHub streams ledger events to WebSocket clients. It is an events.Sink;
// delivery never blocks the ledger, and a slow client is dropped.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan events.Event
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	log        *zap.Logger
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	kinds map[events.Kind]bool // empty means every kind
}

func (c *wsClient) wants(k events.Kind) bool {
	return len(c.kinds) == 0 || c.kinds[k]
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *zap.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing all
// client connections.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", zap.Int("total", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("ws marshal failed", zap.Error(err))
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(ev.Kind) {
					continue
				}
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Deliver queues an event for broadcast.
func (h *WSHub) Deliver(_ context.Context, ev events.Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	default:
		return errHubFull
	}
}

// ClientCount reports connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origins are enforced by the CORS layer
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// ?kinds=traded,listed restricts the stream to those event kinds.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64), kinds: parseKinds(r.URL.Query().Get("kinds"))}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(c)
	go h.writePump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
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

// writePump is the only writer on the connection.
func (h *WSHub) writePump(c *wsClient) {
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

func parseKinds(s string) map[events.Kind]bool {
	if s == "" {
		return nil
	}
	kinds := make(map[events.Kind]bool)
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[events.Kind(k)] = true
		}
	}
	return kinds
}
