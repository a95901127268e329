package marketdata

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openalpha/spot-core/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks connected clients and their channel subscriptions and fans
// envelopes out to them.
type Hub struct {
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu  sync.RWMutex
	mx  *metrics.Collector
	log *zap.Logger
}

type subscriptionRequest struct {
	client  *Client
	channel string
}

// NewHub builds a hub.
func NewHub(mx *metrics.Collector, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:     make(map[*Client]bool),
		channels:    make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan *subscriptionRequest, 256),
		unsubscribe: make(chan *subscriptionRequest, 256),
		mx:          mx,
		log:         logger.With(zap.String("component", "ws-hub")),
	}
}

// Run owns the client registry until done closes.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			h.log.Info("hub stopping")
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case req := <-h.subscribe:
			h.handleSubscribe(req)
		case req := <-h.unsubscribe:
			h.handleUnsubscribe(req)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	if h.mx != nil {
		h.mx.WSConnections.Set(float64(n))
	}
	h.log.Debug("client connected", zap.String("client", client.id))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for channel, clients := range h.channels {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	client.close()
	if h.mx != nil {
		h.mx.WSConnections.Set(float64(n))
	}
	h.log.Debug("client disconnected", zap.String("client", client.id))
}

func (h *Hub) handleSubscribe(req *subscriptionRequest) {
	h.mu.Lock()
	if _, ok := h.channels[req.channel]; !ok {
		h.channels[req.channel] = make(map[*Client]bool)
	}
	h.channels[req.channel][req.client] = true
	h.mu.Unlock()

	req.client.enqueue(&Message{Type: "subscribed", Channel: req.channel})
}

func (h *Hub) handleUnsubscribe(req *subscriptionRequest) {
	h.mu.Lock()
	if clients, ok := h.channels[req.channel]; ok {
		delete(clients, req.client)
		if len(clients) == 0 {
			delete(h.channels, req.channel)
		}
	}
	h.mu.Unlock()

	req.client.enqueue(&Message{Type: "unsubscribed", Channel: req.channel})
}

// BroadcastToChannel delivers msg to every subscriber of channel. Slow
// clients with a full send buffer are skipped.
func (h *Hub) BroadcastToChannel(channel string, msg *Message) {
	h.mu.RLock()
	clients, ok := h.channels[channel]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for client := range clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal broadcast", zap.Error(err))
		return
	}
	for _, client := range targets {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request and attaches the client to the hub. The
// user id, when present, authorises the private user channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	var userID int64
	if v := r.Header.Get("X-User-Id"); v != "" {
		userID, _ = strconv.ParseInt(v, 10, 64)
	}

	client := newClient(h, conn, uuid.NewString(), userID)
	h.register <- client

	go client.writePump()
	go client.readPump()
}
