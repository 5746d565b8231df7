package domain

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/orderpulse/orderpulse/internal/order/domain"
	"gorm.io/gorm"
)

var (
	ErrUnknownPartner   = errors.New("unknown_partner")
	ErrNoSecret         = errors.New("no_webhook_secret")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrMissingHeader    = errors.New("missing_header")

	// ErrTopicIgnored marks a topic the mapper does not handle. The
	// delivery is still acknowledged and recorded; nothing else happens.
	ErrTopicIgnored = errors.New("topic_ignored")
)

// Result reports what a mapper changed, so the ingestion service can fan
// out notifications and trigger downstream recomputation after commit.
type Result struct {
	OrderID         snowflake.ID
	OrderStatus     orderdomain.OrderStatus
	StatusChanged   bool
	RecomputeProfit bool
}

// Mapper translates one partner's webhook vocabulary into canonical domain
// mutations. Implementations must be idempotent per delivery: the natural
// external key decides whether a mutation already happened.
type Mapper interface {
	Partner() string

	// Resolve extracts the origin (shop domain, seller id, client id) and
	// topic from the delivery without trusting the payload further.
	Resolve(payload []byte, headers http.Header) (origin, topic string, err error)

	// Verify authenticates the raw payload bytes. It returns
	// ErrInvalidSignature when every candidate secret fails and
	// ErrNoSecret when there was nothing to try.
	Verify(ctx context.Context, origin string, payload []byte, headers http.Header) error

	// Handle applies the event inside the supplied transaction. Unknown
	// topics return ErrTopicIgnored.
	Handle(ctx context.Context, tx *gorm.DB, origin, topic string, payload []byte) (*Result, error)
}

// Service ingests one webhook delivery end to end.
type Service interface {
	IngestWebhook(ctx context.Context, partner string, payload []byte, headers http.Header) error
}
