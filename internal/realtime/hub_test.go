package realtime

import (
	"encoding/json"
	"testing"

	"github.com/bwmarrin/snowflake"
)

func TestHubFanOutPerUser(t *testing.T) {
	hub := NewHub()
	userA := snowflake.ID(1)
	userB := snowflake.ID(2)

	// Two subscriptions for the same user, one for another.
	subA1 := hub.Subscribe(userA)
	subA2 := hub.Subscribe(userA)
	subB := hub.Subscribe(userB)
	defer subA1.Close()
	defer subA2.Close()
	defer subB.Close()

	if got := hub.Subscribers(); got != 3 {
		t.Fatalf("expected 3 subscribers, got %d", got)
	}

	msg := Message{Type: MessageOrderUpdate, Data: json.RawMessage(`{"order_id":1}`)}
	hub.Publish([]snowflake.ID{userA}, msg)

	for _, sub := range []*Subscription{subA1, subA2} {
		select {
		case got := <-sub.Events():
			if got.Type != MessageOrderUpdate {
				t.Fatalf("unexpected message type %q", got.Type)
			}
		default:
			t.Fatal("expected buffered message for user A subscription")
		}
	}
	select {
	case <-subB.Events():
		t.Fatal("user B must not receive user A messages")
	default:
	}
}

func TestHubPublishToAbsentUser(t *testing.T) {
	hub := NewHub()
	// No subscribers at all; must not panic or block.
	hub.Publish([]snowflake.ID{42}, Message{Type: MessageWebhookEvent})
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	hub.subscriberBuffer = 1
	sub := hub.Subscribe(7)
	defer sub.Close()

	hub.Publish([]snowflake.ID{7}, Message{Type: MessageWebhookEvent})
	hub.Publish([]snowflake.ID{7}, Message{Type: MessageWebhookEvent})

	if got := hub.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped message, got %d", got)
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(9)
	sub.Close()
	sub.Close()

	if got := hub.Subscribers(); got != 0 {
		t.Fatalf("expected no subscribers after close, got %d", got)
	}

	// Publishing after close is a no-op, not a panic on a closed channel.
	hub.Publish([]snowflake.ID{9}, Message{Type: MessageOrderUpdate})

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel to be closed")
	}
}
