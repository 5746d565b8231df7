package razorpay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/credentials"
	ingestdomain "github.com/orderpulse/orderpulse/internal/ingest/domain"
	"github.com/orderpulse/orderpulse/internal/ingest/verify"
	orderdomain "github.com/orderpulse/orderpulse/internal/order/domain"
	settlementdomain "github.com/orderpulse/orderpulse/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	PartnerName = "razorpay"

	headerSignature = "X-Razorpay-Signature"
)

const (
	topicPaymentCaptured     = "payment.captured"
	topicSettlementProcessed = "settlement.processed"
	topicPayoutProcessed     = "payout.processed"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Creds       credentials.Service
	Orders      orderdomain.Repository
	Settlements settlementdomain.Service
}

type Mapper struct {
	log         *zap.Logger
	genID       *snowflake.Node
	creds       credentials.Service
	orders      orderdomain.Repository
	settlements settlementdomain.Service
}

func New(p Params) *Mapper {
	return &Mapper{
		log:         p.Log.Named("ingest.razorpay"),
		genID:       p.GenID,
		creds:       p.Creds,
		orders:      p.Orders,
		settlements: p.Settlements,
	}
}

func (m *Mapper) Partner() string { return PartnerName }

type envelope struct {
	Event     string `json:"event"`
	AccountID string `json:"account_id"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Settlement struct {
			Entity settlementEntity `json:"entity"`
		} `json:"settlement"`
		Payout struct {
			Entity payoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
	Tax       int64  `json:"tax"`
	Method    string `json:"method"`
	CreatedAt int64  `json:"created_at"`
}

type settlementEntity struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Fees      int64  `json:"fees"`
	Tax       int64  `json:"tax"`
	UTR       string `json:"utr"`
	CreatedAt int64  `json:"created_at"`
}

type payoutEntity struct {
	ID        string `json:"id"`
	UTR       string `json:"utr"`
	Amount    int64  `json:"amount"`
	CreatedAt int64  `json:"created_at"`
}

func (m *Mapper) Resolve(payload []byte, headers http.Header) (string, string, error) {
	var body envelope
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", "", ingestdomain.ErrInvalidPayload
	}
	if body.Event == "" || body.AccountID == "" {
		return "", "", ingestdomain.ErrInvalidPayload
	}
	return body.AccountID, body.Event, nil
}

func (m *Mapper) Verify(ctx context.Context, origin string, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(headerSignature))
	if signature == "" {
		return ingestdomain.ErrInvalidSignature
	}

	secrets, err := m.creds.CandidateSecrets(ctx, PartnerName, origin)
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		return ingestdomain.ErrNoSecret
	}
	for _, secret := range secrets {
		if verify.HMACSHA256(payload, signature, secret) {
			return nil
		}
	}
	return ingestdomain.ErrInvalidSignature
}

func (m *Mapper) Handle(ctx context.Context, tx *gorm.DB, origin, topic string, payload []byte) (*ingestdomain.Result, error) {
	var body envelope
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}

	switch topic {
	case topicPaymentCaptured:
		return m.handlePaymentCaptured(ctx, tx, body.Payload.Payment.Entity, payload)
	case topicSettlementProcessed:
		return m.handleSettlementProcessed(ctx, tx, body.Payload.Settlement.Entity)
	case topicPayoutProcessed:
		return m.handlePayoutProcessed(ctx, tx, body.Payload.Payout.Entity)
	default:
		return nil, ingestdomain.ErrTopicIgnored
	}
}

// handlePaymentCaptured opens the PENDING settlement record and confirms
// the order. The capture id is the idempotency key: replays find the row
// already there and stop.
func (m *Mapper) handlePaymentCaptured(ctx context.Context, tx *gorm.DB, entity paymentEntity, raw []byte) (*ingestdomain.Result, error) {
	if entity.ID == "" || entity.OrderID == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}

	order, err := m.orders.FindByGatewayOrderID(ctx, tx, entity.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, orderdomain.ErrOrderNotFound
	}

	capture := settlementdomain.PaymentCapture{
		PaymentID:  entity.ID,
		Amount:     entity.Amount,
		Fee:        entity.Fee,
		Tax:        entity.Tax,
		CapturedAt: unixTime(entity.CreatedAt),
		Raw:        raw,
	}
	_, created, err := m.settlements.RecordPayment(ctx, tx, order.ID, capture)
	if err != nil {
		return nil, err
	}
	if !created {
		return &ingestdomain.Result{OrderID: order.ID}, nil
	}

	result := &ingestdomain.Result{OrderID: order.ID, RecomputeProfit: true}
	if order.Status == orderdomain.OrderNew {
		now := time.Now().UTC()
		if err := m.orders.UpdateStatus(ctx, tx, order.ID, orderdomain.OrderConfirmed, now); err != nil {
			return nil, err
		}
		result.OrderStatus = orderdomain.OrderConfirmed
		result.StatusChanged = true
	}
	return result, nil
}

func (m *Mapper) handleSettlementProcessed(ctx context.Context, tx *gorm.DB, entity settlementEntity) (*ingestdomain.Result, error) {
	if entity.ID == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}
	advanced, err := m.settlements.ApplyProcessedSettlement(ctx, tx, entity.ID, entity.UTR, unixTime(entity.CreatedAt))
	if err != nil {
		return nil, err
	}
	if advanced == 0 {
		m.log.Info("settlement notice matched no open records",
			zap.String("settlement_id", entity.ID),
		)
		return &ingestdomain.Result{}, nil
	}
	return &ingestdomain.Result{RecomputeProfit: false}, nil
}

func (m *Mapper) handlePayoutProcessed(ctx context.Context, tx *gorm.DB, entity payoutEntity) (*ingestdomain.Result, error) {
	if entity.UTR == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}
	if _, err := m.settlements.RecordBankCredit(ctx, tx, entity.UTR, unixTime(entity.CreatedAt)); err != nil {
		return nil, err
	}
	return &ingestdomain.Result{}, nil
}

func unixTime(ts int64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}

var _ ingestdomain.Mapper = (*Mapper)(nil)
