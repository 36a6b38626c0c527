package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

const (
	sendBuffer      = 32
	metricFrameGap  = time.Second
	wsSubscriberTag = "ws-hub"
)

// streamChannels are the bus channels mirrored to websocket observers.
var streamChannels = []string{
	models.ChannelHealth,
	models.ChannelAlerts,
	models.ChannelMetrics,
	models.ChannelRepairCompleted,
	models.ChannelPredictions,
	models.ChannelSecurity,
}

// Hub fans bus events out to connected websocket observers. Metric frames
// are throttled per series so a busy collector cannot flood the stream.
type Hub struct {
	broker   Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu         sync.Mutex
	clients    map[*wsClient]struct{}
	subs       []string
	lastMetric map[string]time.Time
}

type wsClient struct {
	conn *websocket.Conn
	send chan models.Event
}

// NewHub builds a hub over the given broker. Call Start to begin mirroring.
func NewHub(broker Broker, logger *slog.Logger) *Hub {
	return &Hub{
		broker: broker,
		logger: utils.ComponentLogger(logger, "ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now:        time.Now,
		clients:    make(map[*wsClient]struct{}),
		lastMetric: make(map[string]time.Time),
	}
}

// Start subscribes the hub to the streamed bus channels.
func (h *Hub) Start() {
	for _, channel := range streamChannels {
		h.subs = append(h.subs, h.broker.Subscribe(channel, wsSubscriberTag, h.broadcast))
	}
}

// Close unsubscribes from the bus and disconnects every observer.
func (h *Hub) Close() {
	for _, id := range h.subs {
		h.broker.Unsubscribe(id)
	}
	h.subs = nil

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

// Clients reports the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan models.Event, sendBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.AddWSClient(1)
	h.logger.Info("observer connected",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Int("clients", total))

	go client.writePump()
	client.readPump()
	h.drop(client)
}

// drop disconnects a client. Safe to call more than once per client.
func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		metrics.AddWSClient(-1)
	}
	h.mu.Unlock()
	client.conn.Close()
}

// broadcast delivers one bus event to every observer. Slow consumers lose
// frames rather than stalling the bus handler.
func (h *Hub) broadcast(ev models.Event) {
	if ev.Channel == models.ChannelMetrics && !h.admitMetric(ev) {
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// admitMetric enforces at most one frame per second per metric series.
func (h *Hub) admitMetric(ev models.Event) bool {
	sample, err := bus.DecodePayload[models.MetricSample](ev)
	if err != nil {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if last, ok := h.lastMetric[sample.Name]; ok && now.Sub(last) < metricFrameGap {
		return false
	}
	h.lastMetric[sample.Name] = now
	return true
}

func (c *wsClient) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
