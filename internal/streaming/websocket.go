package streaming

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tiace/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WebSocketHub streams a tenant's change feed to WebSocket clients
type WebSocketHub struct {
	feed     *ChangeFeed
	buffer   int
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[*WebSocketClient]struct{}
}

// WebSocketClient is one connected client and its subscription
type WebSocketClient struct {
	hub    *WebSocketHub
	conn   *websocket.Conn
	sub    *Subscription
	filter atomic.Pointer[ChangeFilter]
	logger *logger.Logger
}

// WebSocketMessage is a frame sent to clients. Type is "change" or "lagged".
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewWebSocketHub creates a hub over feed; buffer bounds each client's backlog
func NewWebSocketHub(feed *ChangeFeed, buffer int, log *logger.Logger) *WebSocketHub {
	return &WebSocketHub{
		feed:   feed,
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  log.WithComponent("websocket-hub"),
		clients: make(map[*WebSocketClient]struct{}),
	}
}

// ServeChanges upgrades the request and streams tenantID's changes after
// fromWatermark. The caller has already authorized the tenant.
func (h *WebSocketHub) ServeChanges(w http.ResponseWriter, r *http.Request, tenantID string, fromWatermark uint64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &WebSocketClient{
		hub:    h,
		conn:   conn,
		sub:    h.feed.Subscribe(tenantID, fromWatermark, h.buffer),
		logger: h.logger.WithTenant(tenantID),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *WebSocketHub) register(c *WebSocketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Info().Int("clients", len(h.clients)).Msg("client connected")
}

func (h *WebSocketHub) unregister(c *WebSocketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.sub.Close()
		h.logger.Info().Int("clients", len(h.clients)).Msg("client disconnected")
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	clients := make([]*WebSocketClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

// readPump accepts filter updates until the connection fails
func (c *WebSocketClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var f ChangeFilter
		if err := json.Unmarshal(message, &f); err == nil {
			c.filter.Store(&f)
			c.logger.Debug().Msg("filter updated")
		}
	}
}

// writePump forwards feed items until the subscription ends
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case item, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			frame, send := c.frame(item)
			if !send {
				continue
			}
			if err := c.conn.WriteJSON(frame); err != nil {
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

func (c *WebSocketClient) frame(item FeedItem) (*WebSocketMessage, bool) {
	var (
		typ     string
		payload any
	)
	switch {
	case item.Lagged != nil:
		typ, payload = "lagged", item.Lagged
	case item.Event != nil:
		msg := NewChangeMessage(*item.Event)
		if !c.filter.Load().Matches(msg) {
			return nil, false
		}
		typ, payload = "change", msg
	default:
		return nil, false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal frame")
		return nil, false
	}
	return &WebSocketMessage{Type: typ, Payload: data}, true
}
