package store

import (
	"context"
	"strings"
	"sync"
)

// localPubSubBuffer bounds per-subscriber queues; slow consumers drop
// messages rather than block publishers.
const localPubSubBuffer = 100

// LocalMessage mirrors redis.Message for the in-process pubsub.
type LocalMessage struct {
	Channel string
	Payload string
}

// LocalPubSub is one subscription against the in-process hub, shaped like
// redis.PubSub where the websocket layer needs it. It carries either exact
// channel names or glob-style patterns with a trailing *.
type LocalPubSub struct {
	channels map[string]bool
	patterns []string
	msgChan  chan *LocalMessage
	closeCh  chan struct{}
	closed   bool
	mu       sync.RWMutex
}

func newLocalPubSub(channels, patterns []string) *LocalPubSub {
	channelMap := make(map[string]bool)
	for _, ch := range channels {
		channelMap[ch] = true
	}

	return &LocalPubSub{
		channels: channelMap,
		patterns: patterns,
		msgChan:  make(chan *LocalMessage, localPubSubBuffer),
		closeCh:  make(chan struct{}),
	}
}

// Channel returns the message channel.
func (p *LocalPubSub) Channel() <-chan *LocalMessage {
	return p.msgChan
}

// Close ends the subscription.
func (p *LocalPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.closeCh)
		close(p.msgChan)
	}
	return nil
}

func (p *LocalPubSub) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *LocalPubSub) matches(channel string) bool {
	if p.channels[channel] {
		return true
	}
	for _, pattern := range p.patterns {
		if matchPattern(pattern, channel) {
			return true
		}
	}
	return false
}

// send delivers without blocking; a full queue drops the message.
func (p *LocalPubSub) send(msg *LocalMessage) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.matches(msg.Channel) {
		return
	}

	select {
	case p.msgChan <- msg:
	default:
	}
}

// matchPattern supports the one glob shape Redis patterns are used
// for here: an exact name or a prefix ending in *.
func matchPattern(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// PubSubHub fans published messages out to in-process subscribers. It backs
// the cache's pubsub surface when Redis is unavailable.
type PubSubHub struct {
	subscribers map[string][]*LocalPubSub
	patternSubs []*LocalPubSub
	mu          sync.RWMutex
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{
		subscribers: make(map[string][]*LocalPubSub),
	}
}

// Subscribe registers a new subscription for exact channels. The
// subscription is removed when it is closed or the context ends.
func (h *PubSubHub) Subscribe(ctx context.Context, channels ...string) *LocalPubSub {
	pubsub := newLocalPubSub(channels, nil)

	h.mu.Lock()
	for _, channel := range channels {
		h.subscribers[channel] = append(h.subscribers[channel], pubsub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			pubsub.Close()
		case <-pubsub.closeCh:
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		for _, channel := range channels {
			subscribers := h.subscribers[channel]
			for i, sub := range subscribers {
				if sub == pubsub {
					h.subscribers[channel] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(h.subscribers[channel]) == 0 {
				delete(h.subscribers, channel)
			}
		}
	}()

	return pubsub
}

// SubscribePattern registers a subscription for channel patterns
// (prefix globs like "hively:*"), mirroring Redis PSUBSCRIBE.
func (h *PubSubHub) SubscribePattern(ctx context.Context, patterns ...string) *LocalPubSub {
	pubsub := newLocalPubSub(nil, patterns)

	h.mu.Lock()
	h.patternSubs = append(h.patternSubs, pubsub)
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			pubsub.Close()
		case <-pubsub.closeCh:
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		for i, sub := range h.patternSubs {
			if sub == pubsub {
				h.patternSubs = append(h.patternSubs[:i], h.patternSubs[i+1:]...)
				break
			}
		}
	}()

	return pubsub
}

// Publish sends a message to every subscriber whose channels or
// patterns cover it.
func (h *PubSubHub) Publish(channel, payload string) {
	h.mu.RLock()
	subscribers := make([]*LocalPubSub, 0, len(h.subscribers[channel])+len(h.patternSubs))
	subscribers = append(subscribers, h.subscribers[channel]...)
	subscribers = append(subscribers, h.patternSubs...)
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	msg := &LocalMessage{
		Channel: channel,
		Payload: payload,
	}

	for _, sub := range subscribers {
		if !sub.isClosed() {
			sub.send(msg)
		}
	}
}
