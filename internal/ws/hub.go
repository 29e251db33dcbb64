package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/metrics"
	"github.com/hively/hively-backend/internal/store"
)

// TokenParser validates an access token and returns the user id it was
// issued to.
type TokenParser interface {
	ParseAccessToken(token string) (string, error)
}

// StaffChecker reports whether a user holds the staff flag.
type StaffChecker interface {
	IsStaff(ctx context.Context, userID string) (bool, error)
}

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	cache      *store.Cache
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	tokens     TokenParser
	staff      StaffChecker
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	userID     string
	isStaff    bool
	mu         sync.Mutex
	topics     map[string]bool
	lastActive time.Time
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type SubscriptionRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

func NewHub(cache *store.Cache, logger *zap.SugaredLogger, metrics *metrics.Metrics, tokens TokenParser, staff StaffChecker, allowedOrigins []string) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte),
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
		tokens:     tokens,
		staff:      staff,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Same-origin requests carry no Origin header
					return true
				}
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

func (h *Hub) Run(ctx context.Context) {
	// Fan in domain events published through the cache layer
	go h.startSubscription(ctx)

	// Start client cleanup routine
	go h.startClientCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.IncrementConnections(ctx)
			h.logger.Debugw("Client registered", "user_id", client.userID, "staff", client.isStaff)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.metrics.DecrementConnections(ctx)
			h.logger.Debugw("Client unregistered", "user_id", client.userID)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// startSubscription listens on every channel the service publishes on and
// fans messages out to subscribed clients.
func (h *Hub) startSubscription(ctx context.Context) {
	// Try Redis pubsub first
	pubsub := h.cache.SubscribePattern(ctx, store.ChannelPattern)
	if pubsub != nil {
		defer pubsub.Close()
		h.handleRedisPubSubMessages(ctx, pubsub)
		return
	}

	// Fall back to in-memory pubsub if available
	if h.cache.IsInMemoryMode() {
		local := h.cache.SubscribeInMemoryPattern(ctx, store.ChannelPattern)
		if local != nil {
			defer local.Close()
			h.logger.Debugw("Using in-memory PubSub for WebSocket hub", "pattern", store.ChannelPattern)
			h.handleLocalPubSubMessages(ctx, local)
			return
		}
	}

	h.logger.Warnw("No PubSub available; skipping WebSocket subscriptions")
}

func (h *Hub) dispatch(channel, payload string) {
	h.logger.Debugw("Received pubsub message", "channel", channel)

	wsMessage := Message{
		Type:      "update",
		Topic:     channel,
		Data:      json.RawMessage(payload),
		Timestamp: time.Now().Unix(),
	}

	messageBytes, err := json.Marshal(wsMessage)
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return
	}

	h.broadcastToClients(messageBytes, channel)
}

func (h *Hub) broadcastToClients(message []byte, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.isSubscribed(topic) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Client is slow or disconnected
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients()
		}
	}
}

func (h *Hub) cleanupInactiveClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-60 * time.Second) // 1 minute timeout

	for client := range h.clients {
		if client.active().Before(cutoff) {
			delete(h.clients, client)
			close(client.send)
			h.logger.Debugw("Cleaned up inactive client", "user_id", client.userID)
		}
	}
}

// HandleWebSocket authenticates the request and upgrades it to a WebSocket
// connection. The token is taken from the "token" query parameter or the
// Authorization header.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.tokens.ParseAccessToken(bearerToken(r))
	if err != nil {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	isStaff, err := h.staff.IsStaff(r.Context(), userID)
	if err != nil {
		h.logger.Warnw("Staff lookup failed", "user_id", userID, "error", err)
		isStaff = false
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		userID:  userID,
		isStaff: isStaff,
		// Every client receives their own ledger and delegation events
		topics: map[string]bool{
			store.PointsChannel(userID):      true,
			store.DelegationsChannel(userID): true,
		},
		lastActive: time.Now(),
	}

	client.hub.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}

		c.touch()
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var sub SubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	switch sub.Type {
	case "subscribe":
		c.mu.Lock()
		for _, topic := range sub.Topics {
			if !c.allowed(topic) {
				c.hub.logger.Debugw("Subscription denied", "user_id", c.userID, "topic", topic)
				continue
			}
			c.topics[topic] = true
		}
		c.mu.Unlock()
		c.hub.logger.Debugw("Client subscribed to topics", "user_id", c.userID, "topics", sub.Topics)

	case "unsubscribe":
		c.mu.Lock()
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
		c.mu.Unlock()
		c.hub.logger.Debugw("Client unsubscribed from topics", "user_id", c.userID, "topics", sub.Topics)
	}
}

// allowed gates which topics a client may subscribe to. Post feeds are open
// to everyone; ledger and delegation channels belong to their user; feedback
// events are staff only. Callers hold c.mu.
func (c *Client) allowed(topic string) bool {
	switch {
	case store.IsPostsChannel(topic):
		return true
	case topic == store.PointsChannel(c.userID):
		return true
	case topic == store.DelegationsChannel(c.userID):
		return true
	case topic == store.ChannelFeedback:
		return c.isStaff
	}
	return false
}

func (c *Client) isSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) active() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// handleRedisPubSubMessages handles Redis pubsub messages
func (h *Hub) handleRedisPubSubMessages(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg != nil {
				h.dispatch(msg.Channel, msg.Payload)
			}
		}
	}
}

// handleLocalPubSubMessages handles in-memory pubsub messages
func (h *Hub) handleLocalPubSubMessages(ctx context.Context, pubsub *store.LocalPubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg != nil {
				h.dispatch(msg.Channel, msg.Payload)
			}
		}
	}
}
