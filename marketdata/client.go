package marketdata

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openalpha/spot-core/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client is one websocket connection. Outbound messages go through a bounded
// send buffer; a full buffer means the message is skipped for this client.
// The mutex serialises sends against close so a broadcast racing a disconnect
// cannot hit a closed channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte

	id     string
	userID int64 // 0 for anonymous connections
}

// clientMessage is the inbound protocol: subscribe, unsubscribe, ping.
type clientMessage struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

func newClient(hub *Hub, conn *websocket.Conn, id string, userID int64) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		id:     id,
		userID: userID,
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid_message", "failed to parse message")
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) writePump() {
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
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(data)

			// Fold queued messages into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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

func (c *Client) handleMessage(msg *clientMessage) {
	switch msg.Op {
	case "subscribe":
		c.handleSubscribe(msg.Channel)
	case "unsubscribe":
		c.hub.unsubscribe <- &subscriptionRequest{client: c, channel: msg.Channel}
	case "ping":
		c.enqueue(&Message{Type: "pong", Data: map[string]int64{"timestamp": types.NowMillis()}})
	default:
		c.sendError("unknown_op", "unknown op: "+msg.Op)
	}
}

func (c *Client) handleSubscribe(channel string) {
	if channel == "" {
		c.sendError("invalid_channel", "channel cannot be empty")
		return
	}
	if !c.canAccess(channel) {
		c.sendError("unauthorized", "not authorized for channel: "+channel)
		return
	}
	c.hub.subscribe <- &subscriptionRequest{client: c, channel: channel}
}

// canAccess allows the public market channels to everyone and the private
// user channel only to its owner.
func (c *Client) canAccess(channel string) bool {
	for _, prefix := range []string{"orderbook:", "trades:", "ticker:"} {
		if strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	if channel == "alerts" {
		return true
	}
	if strings.HasPrefix(channel, "user:") {
		return c.userID != 0 && channel == userChannel(c.userID)
	}
	return false
}

func (c *Client) enqueue(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend never blocks; a full buffer or a closed client drops the message.
func (c *Client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// close marks the client dead before closing its buffer, ending writePump.
// Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) sendError(code, message string) {
	c.enqueue(&Message{Type: "error", Data: map[string]string{"code": code, "message": message}})
}
