// Package websocket pushes order change signals to boards over a websocket
// and lets a board subscribe to them from the other end.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/orderboard/internal/auth"
	"github.com/jogardn/orderboard/internal/realtime"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	MessageOrderChanged = "order_changed"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 512
)

// Message is one frame sent to a board.
type Message struct {
	Type      string             `json:"type"`
	Data      models.ChangeEvent `json:"data"`
	Timestamp string             `json:"timestamp"`
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	tenantID string
	sub      realtime.Subscription
}

// Hub serves /ws. Each connection is bound to the tenant of its token and
// fed from that tenant's realtime subscription.
type Hub struct {
	source     realtime.Subscriber
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

func NewHub(source realtime.Subscriber, logger *logrus.Logger) *Hub {
	return &Hub{
		source: source,
		upgrader: websocket.Upgrader{
			// Tokens, not origins, scope access.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run tracks connections until ctx is cancelled, then closes them all.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithFields(logrus.Fields{
				"tenant_id":    c.tenantID,
				"client_count": count,
			}).Info("Board connected")

		case c := <-h.unregister:
			h.mutex.Lock()
			if h.clients[c] {
				delete(h.clients, c)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			c.sub.Close()
			h.logger.WithFields(logrus.Fields{
				"tenant_id":    c.tenantID,
				"client_count": count,
			}).Info("Board disconnected")

		case <-ctx.Done():
			h.mutex.Lock()
			for c := range h.clients {
				c.sub.Close()
				delete(h.clients, c)
			}
			h.mutex.Unlock()
			h.logger.Info("Websocket hub stopped")
			return
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "missing tenant", http.StatusUnauthorized)
		return
	}

	// The subscription outlives the upgrade request.
	sub, err := h.source.Subscribe(context.WithoutCancel(r.Context()), tenantID)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to subscribe to order changes")
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	c := &client{hub: h, conn: conn, tenantID: tenantID, sub: sub}
	select {
	case h.register <- c:
	case <-h.done:
		sub.Close()
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// readPump only watches for the board going away; boards never send data.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.sub.Close()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Warn("WebSocket error")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"))
				return
			}

			data, err := json.Marshal(Message{
				Type:      MessageOrderChanged,
				Data:      event,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				c.hub.logger.WithError(err).Error("Failed to marshal WebSocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
