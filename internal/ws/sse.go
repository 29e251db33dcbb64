package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/store"
)

// SSEHandler streams the same domain events as the WebSocket hub over
// Server-Sent Events, for clients that cannot hold a socket open.
type SSEHandler struct {
	cache   *store.Cache
	logger  *zap.SugaredLogger
	tokens  TokenParser
	staff   StaffChecker
	origins []string
}

func NewSSEHandler(cache *store.Cache, logger *zap.SugaredLogger, tokens TokenParser, staff StaffChecker, allowedOrigins []string) *SSEHandler {
	return &SSEHandler{
		cache:   cache,
		logger:  logger,
		tokens:  tokens,
		staff:   staff,
		origins: allowedOrigins,
	}
}

func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
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

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	origin := r.Header.Get("Origin")
	for _, allowed := range h.origins {
		if origin == allowed {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			break
		}
	}
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control, Authorization")

	topics := parseTopics(r)

	h.logger.Debugw("SSE connection established", "user_id", userID, "topics", topics)

	// Create context that cancels when client disconnects
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	channels := h.mapTopicsToChannels(r, topics, userID, isStaff)
	if len(channels) == 0 {
		// Default to the caller's own channels if no topics requested
		channels = []string{
			store.PointsChannel(userID),
			store.DelegationsChannel(userID),
		}
	}

	// Try Redis pubsub first
	pubsub := h.cache.Subscribe(ctx, channels...)
	if pubsub != nil {
		defer pubsub.Close()
		h.handleRedisPubSub(ctx, w, pubsub)
		return
	}

	// Fall back to in-memory pubsub if available
	if h.cache.IsInMemoryMode() {
		local := h.cache.SubscribeInMemory(ctx, channels...)
		if local != nil {
			defer local.Close()
			h.logger.Debugw("Using in-memory PubSub for SSE", "channels", channels)
			h.handleLocalPubSub(ctx, w, local)
			return
		}
	}

	h.logger.Warnw("No PubSub available; SSE updates disabled for this connection")
	h.sendEvent(w, "connected", "SSE connection established (no pubsub)", nil)
}

func parseTopics(r *http.Request) []string {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		return nil
	}
	return strings.Split(topicsParam, ",")
}

func (h *SSEHandler) mapTopicsToChannels(r *http.Request, topics []string, userID string, isStaff bool) []string {
	channels := make([]string, 0)

	for _, topic := range topics {
		switch topic {
		case "points", "balance":
			channels = append(channels, store.PointsChannel(userID))
		case "delegations":
			channels = append(channels, store.DelegationsChannel(userID))
		case "posts":
			// Post feeds are keyed by community index
			for _, index := range strings.Split(r.URL.Query().Get("communities"), ",") {
				if index != "" {
					channels = append(channels, store.PostsChannel(index))
				}
			}
		case "feedback":
			if isStaff {
				channels = append(channels, store.ChannelFeedback)
			} else {
				h.logger.Debugw("Feedback topic denied", "user_id", userID)
			}
		}
	}

	return channels
}

func channelToEventType(channel string) string {
	switch {
	case strings.HasPrefix(channel, store.PointsChannel("")):
		return "balance_update"
	case store.IsPostsChannel(channel):
		return "post_created"
	case strings.HasPrefix(channel, store.DelegationsChannel("")):
		return "delegation_update"
	case channel == store.ChannelFeedback:
		return "feedback_update"
	default:
		return "update"
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType, id string, data interface{}) {
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			h.logger.Errorw("Failed to marshal SSE data", "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\n", eventType)
		fmt.Fprintf(w, "id: %s\n", id)
		fmt.Fprintf(w, "data: %s\n\n", dataBytes)
	} else {
		fmt.Fprintf(w, "event: %s\n", eventType)
		fmt.Fprintf(w, "id: %s\n", id)
		fmt.Fprintf(w, "data: {}\n\n")
	}

	// Flush the data to the client
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleRedisPubSub handles Redis pubsub messages for SSE
func (h *SSEHandler) handleRedisPubSub(ctx context.Context, w http.ResponseWriter, pubsub *redis.PubSub) {
	// Send initial heartbeat
	h.sendEvent(w, "connected", "SSE connection established", nil)

	// Start heartbeat routine
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	// Listen for messages
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg := <-ch:
			if msg == nil {
				continue
			}

			h.logger.Debugw("Sending SSE message", "channel", msg.Channel)

			// Parse message data
			var data interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				h.logger.Warnw("Failed to parse message payload", "error", err)
				continue
			}

			// Send SSE event
			h.sendEvent(w, channelToEventType(msg.Channel), msg.Channel, data)
		}
	}
}

// handleLocalPubSub handles in-memory pubsub messages for SSE
func (h *SSEHandler) handleLocalPubSub(ctx context.Context, w http.ResponseWriter, pubsub *store.LocalPubSub) {
	// Send initial heartbeat
	h.sendEvent(w, "connected", "SSE connection established (in-memory)", nil)

	// Start heartbeat routine
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	// Listen for messages
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg := <-ch:
			if msg == nil {
				continue
			}

			h.logger.Debugw("Sending SSE message", "channel", msg.Channel)

			// Parse message data
			var data interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				h.logger.Warnw("Failed to parse message payload", "error", err)
				continue
			}

			// Send SSE event
			h.sendEvent(w, channelToEventType(msg.Channel), msg.Channel, data)
		}
	}
}
