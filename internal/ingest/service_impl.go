package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/orderpulse/orderpulse/internal/account/domain"
	eventdomain "github.com/orderpulse/orderpulse/internal/event/domain"
	"github.com/orderpulse/orderpulse/internal/ingest/domain"
	obsmetrics "github.com/orderpulse/orderpulse/internal/observability/metrics"
	orderdomain "github.com/orderpulse/orderpulse/internal/order/domain"
	"github.com/orderpulse/orderpulse/internal/profit"
	"github.com/orderpulse/orderpulse/internal/realtime"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Registry *Registry
	Events   eventdomain.Service
	Accounts accountdomain.Repository
	Orders   orderdomain.Repository
	Profit   profit.Service
	Hub      *realtime.Hub
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	registry *Registry
	events   eventdomain.Service
	accounts accountdomain.Repository
	orders   orderdomain.Repository
	profit   profit.Service
	hub      *realtime.Hub
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("ingest"),
		registry: p.Registry,
		events:   p.Events,
		accounts: p.Accounts,
		orders:   p.Orders,
		profit:   p.Profit,
		hub:      p.Hub,
		metrics:  p.Metrics,
	}
}

// IngestWebhook runs one delivery through verify, record, process. Once
// the event row is written the partner gets its acknowledgment no matter
// how processing ends; failures are recorded on the event, not surfaced.
func (s *service) IngestWebhook(ctx context.Context, partner string, payload []byte, headers http.Header) error {
	partner = strings.ToLower(strings.TrimSpace(partner))
	mapper, ok := s.registry.Get(partner)
	if !ok {
		return domain.ErrUnknownPartner
	}
	if !json.Valid(payload) {
		s.metrics.RecordWebhookRejected(ctx, partner, "invalid_payload")
		return domain.ErrInvalidPayload
	}

	origin, topic, err := mapper.Resolve(payload, headers)
	if err != nil {
		s.metrics.RecordWebhookRejected(ctx, partner, "unresolvable")
		return err
	}

	if err := mapper.Verify(ctx, origin, payload, headers); err != nil {
		if errors.Is(err, domain.ErrNoSecret) {
			// Configuration gap, not an attack. Operators need to see it.
			s.log.Warn("no webhook secret configured",
				zap.String("partner", partner),
				zap.String("origin", origin),
			)
			s.metrics.RecordWebhookRejected(ctx, partner, "no_secret")
			return err
		}
		if errors.Is(err, domain.ErrInvalidSignature) {
			s.log.Warn("webhook signature mismatch",
				zap.String("partner", partner),
				zap.String("origin", origin),
				zap.String("topic", topic),
			)
			s.metrics.RecordWebhookRejected(ctx, partner, "bad_signature")
		}
		return err
	}

	// The delivery is authentic: write it down before touching anything.
	event, err := s.events.Record(ctx, partner, origin, topic, payload)
	if err != nil {
		return err
	}
	s.metrics.RecordWebhookReceived(ctx, partner, topic)

	var result *domain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var handleErr error
		result, handleErr = mapper.Handle(ctx, tx, origin, topic, payload)
		return handleErr
	})
	if err != nil {
		if errors.Is(err, domain.ErrTopicIgnored) {
			s.log.Info("webhook topic not handled",
				zap.String("partner", partner),
				zap.String("topic", topic),
			)
			if markErr := s.events.MarkProcessed(ctx, event.ID); markErr != nil {
				s.log.Error("failed to mark event processed", zap.Error(markErr))
			} else {
				now := time.Now().UTC()
				event.ProcessedAt = &now
			}
			s.notifyWebhook(ctx, event)
			return nil
		}

		s.log.Error("webhook processing failed",
			zap.String("partner", partner),
			zap.String("origin", origin),
			zap.String("topic", topic),
			zap.Error(err),
		)
		s.metrics.RecordWebhookFailed(ctx, partner, topic)
		if markErr := s.events.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			s.log.Error("failed to mark event failed", zap.Error(markErr))
		} else {
			message := eventdomain.TruncateError(err.Error())
			event.Error = &message
		}
		s.notifyWebhook(ctx, event)
		// The event row holds the failure; the partner still gets its ack.
		return nil
	}

	if markErr := s.events.MarkProcessed(ctx, event.ID); markErr != nil {
		s.log.Error("failed to mark event processed", zap.Error(markErr))
	} else {
		now := time.Now().UTC()
		event.ProcessedAt = &now
	}

	if result != nil && result.RecomputeProfit && result.OrderID != 0 {
		if err := s.profit.Recompute(ctx, result.OrderID); err != nil {
			s.log.Error("profit recompute failed",
				zap.Int64("order_id", int64(result.OrderID)),
				zap.Error(err),
			)
		}
	}

	s.notifyWebhook(ctx, event)
	if result != nil && result.StatusChanged && result.OrderID != 0 {
		s.notifyOrderUpdate(ctx, result.OrderID, result.OrderStatus, topic)
	}
	return nil
}

// orderUpdate is the realtime payload for an order status change. Channel
// fields carry the origin-native identity so subscribers can correlate
// without another lookup.
type orderUpdate struct {
	OrderID        snowflake.ID            `json:"order_id"`
	Channel        string                  `json:"channel,omitempty"`
	Origin         string                  `json:"origin,omitempty"`
	ChannelOrderID string                  `json:"channel_order_id,omitempty"`
	Status         orderdomain.OrderStatus `json:"status"`
	Reason         string                  `json:"reason"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func (s *service) notifyWebhook(ctx context.Context, event *eventdomain.InboundEvent) {
	userIDs, err := s.accounts.UserIDsForOrigin(ctx, event.Source, event.Origin)
	if err != nil {
		s.log.Warn("recipient lookup failed", zap.Error(err))
		return
	}
	if len(userIDs) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.hub.Publish(userIDs, realtime.Message{Type: realtime.MessageWebhookEvent, Data: data})
	s.metrics.RecordRealtimePublished(ctx, realtime.MessageWebhookEvent)
}

func (s *service) notifyOrderUpdate(ctx context.Context, orderID snowflake.ID, status orderdomain.OrderStatus, reason string) {
	userIDs, err := s.accounts.OrderOwnerUserIDs(ctx, orderID)
	if err != nil {
		s.log.Warn("order owner lookup failed", zap.Error(err))
		return
	}
	if len(userIDs) == 0 {
		return
	}

	update := orderUpdate{
		OrderID:   orderID,
		Status:    status,
		Reason:    reason,
		UpdatedAt: time.Now().UTC(),
	}
	if order, err := s.orders.FindByID(ctx, s.db, orderID); err != nil || order == nil {
		s.log.Warn("order lookup for update notice failed",
			zap.Int64("order_id", int64(orderID)),
			zap.Error(err),
		)
	} else {
		update.Channel = order.Channel
		update.Origin = order.Origin
		update.ChannelOrderID = order.ChannelOrderID
	}

	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	s.hub.Publish(userIDs, realtime.Message{Type: realtime.MessageOrderUpdate, Data: data})
	s.metrics.RecordRealtimePublished(ctx, realtime.MessageOrderUpdate)
}
