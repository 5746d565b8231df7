package realtime

import (
	"encoding/json"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

const defaultSubscriberBuffer = 16

const (
	// MessageWebhookEvent announces a freshly ingested webhook.
	MessageWebhookEvent = "webhook_event"
	// MessageOrderUpdate announces an order status change.
	MessageOrderUpdate = "order_update"
)

var Module = fx.Provide(NewHub)

// Message is one fan-out payload. Delivery is best effort and at most
// once; a slow subscriber silently misses messages rather than blocking
// the publisher.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Hub routes messages to the live subscriptions of each user. A user may
// hold several subscriptions at once (multiple tabs, devices); every one
// of them receives each published message independently.
type Hub struct {
	mu               sync.RWMutex
	users            map[snowflake.ID]*userStream
	subscriberBuffer int
	dropped          uint64
}

type userStream struct {
	subs   map[uint64]chan Message
	nextID uint64
}

// Subscription is one live consumer channel. Close is safe to call more
// than once and from any goroutine.
type Subscription struct {
	ch    chan Message
	once  sync.Once
	close func()
}

func NewHub() *Hub {
	return &Hub{
		users:            make(map[snowflake.ID]*userStream),
		subscriberBuffer: defaultSubscriberBuffer,
	}
}

// Subscribe registers a new consumer for the user's messages.
func (h *Hub) Subscribe(userID snowflake.ID) *Subscription {
	h.mu.Lock()
	stream, ok := h.users[userID]
	if !ok {
		stream = &userStream{subs: make(map[uint64]chan Message)}
		h.users[userID] = stream
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan Message, h.subscriberBuffer)
	stream.subs[id] = ch
	h.mu.Unlock()

	sub := &Subscription{ch: ch}
	sub.close = func() {
		h.unsubscribe(userID, id)
	}
	return sub
}

// Publish delivers the message to every live subscription of every listed
// user. Absent or closed recipients are skipped without error.
func (h *Hub) Publish(userIDs []snowflake.ID, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, userID := range userIDs {
		stream, ok := h.users[userID]
		if !ok {
			continue
		}
		for _, ch := range stream.subs {
			select {
			case ch <- msg:
			default:
				h.dropped++
			}
		}
	}
}

// Dropped reports how many messages were discarded on full subscriber
// buffers since the hub started.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Subscribers reports the number of live subscriptions across all users.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, stream := range h.users {
		total += len(stream.subs)
	}
	return total
}

func (h *Hub) unsubscribe(userID snowflake.ID, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.users[userID]
	if !ok {
		return
	}
	ch, ok := stream.subs[id]
	if !ok {
		return
	}
	delete(stream.subs, id)
	close(ch)
	if len(stream.subs) == 0 {
		delete(h.users, userID)
	}
}

// Events returns the subscription's receive channel. It is closed when the
// subscription closes.
func (s *Subscription) Events() <-chan Message {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(s.close)
}
