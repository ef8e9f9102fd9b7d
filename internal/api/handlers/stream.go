package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamChannel is the Redis pub/sub channel shared by every instance's hub.
const StreamChannel = "tickerpulse:events"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is one frame sent to stream clients.
type StreamMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// StreamRequest is a client control frame: subscribe, unsubscribe or ping.
type StreamRequest struct {
	Action string   `json:"action"`
	Types  []string `json:"types,omitempty"`
}

type streamClient struct {
	conn  *websocket.Conn
	types map[string]bool
	send  chan StreamMessage
	hub   *StreamHub
	id    string
	mu    sync.Mutex
}

// wants reports whether the client receives msgType. No subscriptions means everything.
func (c *streamClient) wants(msgType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.types) == 0 || c.types[msgType]
}

// StreamHub pushes cycle events to websocket clients. With Redis, events published on
// any instance reach clients connected to every instance.
type StreamHub struct {
	redis      *redis.Client
	clients    map[*streamClient]bool
	unregister chan *streamClient
	broadcast  chan StreamMessage
	mu         sync.RWMutex
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	seq        atomic.Int64
}

// NewStreamHub starts the hub loop. redisClient may be nil.
func NewStreamHub(redisClient *redis.Client, logger *zap.Logger) (*StreamHub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &StreamHub{
		redis:      redisClient,
		clients:    make(map[*streamClient]bool),
		unregister: make(chan *streamClient, 64),
		broadcast:  make(chan StreamMessage, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if redisClient != nil {
		if err := h.subscribe(); err != nil {
			cancel()
			return nil, err
		}
	}
	go h.run()
	return h, nil
}

func (h *StreamHub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Stream client disconnected", zap.String("client_id", client.id))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message.Type) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Slow reader; drop it rather than stall every other client.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish sends an event to subscribed clients. It satisfies the cycle event publisher.
func (h *StreamHub) Publish(eventType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("Failed to marshal stream event", zap.String("type", eventType), zap.Error(err))
		return
	}
	msg := StreamMessage{Type: eventType, Data: raw, Timestamp: time.Now().UnixMilli()}
	if h.redis != nil {
		payload, err := json.Marshal(msg)
		if err == nil {
			err = h.redis.Publish(h.ctx, StreamChannel, payload).Err()
		}
		if err == nil {
			return
		}
		h.logger.Warn("Failed to publish stream event to Redis, delivering locally", zap.Error(err))
	}
	h.deliver(msg)
}

func (h *StreamHub) deliver(msg StreamMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Stream broadcast channel full, dropping event", zap.String("type", msg.Type))
	}
}

// subscribe relays the shared Redis channel into the local broadcast loop.
func (h *StreamHub) subscribe() error {
	pubsub := h.redis.Subscribe(h.ctx, StreamChannel)
	if _, err := pubsub.Receive(h.ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", StreamChannel, err)
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-h.ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg StreamMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					h.logger.Warn("Failed to unmarshal stream event", zap.Error(err))
					continue
				}
				h.deliver(msg)
			}
		}
	}()
	return nil
}

// Stop disconnects every client and ends the hub loop.
func (h *StreamHub) Stop() {
	h.cancel()
	<-h.done
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle upgrades the request and streams events until the client goes away.
func (h *StreamHub) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade stream connection", zap.Error(err))
		return
	}
	client := &streamClient{
		conn:  conn,
		types: make(map[string]bool),
		send:  make(chan StreamMessage, 64),
		hub:   h,
		id:    fmt.Sprintf("stream-%d", h.seq.Add(1)),
	}
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("Stream client connected", zap.String("client_id", client.id))

	go client.writePump()
	go client.readPump()
}

func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Stream read error", zap.Error(err))
			}
			return
		}
		var req StreamRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply("error", gin.H{"error": "invalid JSON"})
			continue
		}
		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, t := range req.Types {
				c.types[t] = true
			}
			c.mu.Unlock()
			c.reply("subscribed", gin.H{"types": req.Types})
		case "unsubscribe":
			c.mu.Lock()
			for _, t := range req.Types {
				delete(c.types, t)
			}
			c.mu.Unlock()
			c.reply("unsubscribed", gin.H{"types": req.Types})
		case "ping":
			c.reply("pong", nil)
		default:
			c.reply("error", gin.H{"error": "unknown action: " + req.Action})
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a control response without blocking the read loop.
func (c *streamClient) reply(msgType string, data interface{}) {
	msg := StreamMessage{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		msg.Data, _ = json.Marshal(data)
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
