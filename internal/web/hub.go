package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vkuzmin/entitytrack/internal/domain"
	"github.com/vkuzmin/entitytrack/internal/metrics"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// envelope is the frame pushed to every websocket subscriber.
type envelope struct {
	Event string                `json:"event"`
	Data  *domain.CurrentResult `json:"data"`
}

// Hub fans broadcast payloads out to connected websocket subscribers.
// Slow consumers are disconnected rather than allowed to block a broadcast.
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:  logger,
		metrics: m,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast pushes the payload to every connected subscriber, dropping
// clients whose send queue is full.
func (h *Hub) Broadcast(res *domain.CurrentResult) {
	frame, err := json.Marshal(envelope{Event: "update", Data: res})
	if err != nil {
		h.logger.Error("marshal broadcast payload", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			// slow consumer; readPump cleanup follows the close
			close(client.send)
			go client.conn.Close()
			delete(h.clients, client)
		}
	}
}

// ConnectionCount reports the number of live subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the peer. The latest payload,
// when one exists, is queued immediately so a fresh subscriber does not wait
// a full tick for state.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, latest *domain.CurrentResult) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}

	if latest != nil {
		if frame, err := json.Marshal(envelope{Event: "update", Data: latest}); err == nil {
			client.send <- frame
		}
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.setClientGauge(count)

	h.logger.Info("client connected",
		zap.String("socketId", client.id),
		zap.Int("connections", count))

	go client.writePump()
	go client.readPump()
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.setClientGauge(count)

	h.logger.Info("client disconnected",
		zap.String("socketId", client.id),
		zap.Int("connections", count))
}

func (h *Hub) setClientGauge(count int) {
	if h.metrics != nil {
		h.metrics.BroadcastClients.Set(float64(count))
	}
}

// wsClient is a single websocket peer.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// subscribers only listen; inbound frames are drained for control flow
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
