package shopify

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/credentials"
	ingestdomain "github.com/orderpulse/orderpulse/internal/ingest/domain"
	"github.com/orderpulse/orderpulse/internal/ingest/verify"
	orderdomain "github.com/orderpulse/orderpulse/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	PartnerName = "shopify"

	headerSignature  = "X-Shopify-Hmac-Sha256"
	headerShopDomain = "X-Shopify-Shop-Domain"
	headerTopic      = "X-Shopify-Topic"
)

// handlers is the topic dispatch table. Topics outside it are acknowledged
// and recorded but change nothing.
var handlers = map[string]func(*Mapper, context.Context, *gorm.DB, string, []byte) (*ingestdomain.Result, error){
	"orders/create":    (*Mapper).handleOrderCreate,
	"orders/updated":   (*Mapper).handleOrderUpdated,
	"orders/cancelled": (*Mapper).handleOrderCancelled,
	"refunds/create":   (*Mapper).handleRefundCreate,
}

type Params struct {
	fx.In

	Log    *zap.Logger
	GenID  *snowflake.Node
	Creds  credentials.Service
	Orders orderdomain.Repository
}

type Mapper struct {
	log    *zap.Logger
	genID  *snowflake.Node
	creds  credentials.Service
	orders orderdomain.Repository
}

func New(p Params) *Mapper {
	return &Mapper{
		log:    p.Log.Named("ingest.shopify"),
		genID:  p.GenID,
		creds:  p.Creds,
		orders: p.Orders,
	}
}

func (m *Mapper) Partner() string { return PartnerName }

func (m *Mapper) Resolve(payload []byte, headers http.Header) (string, string, error) {
	origin := strings.TrimSpace(headers.Get(headerShopDomain))
	topic := strings.TrimSpace(headers.Get(headerTopic))
	if origin == "" || topic == "" {
		return "", "", ingestdomain.ErrMissingHeader
	}
	return origin, topic, nil
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
	handler, ok := handlers[topic]
	if !ok {
		return nil, ingestdomain.ErrTopicIgnored
	}
	return handler(m, ctx, tx, origin, payload)
}

type orderPayload struct {
	ID              json.Number    `json:"id"`
	Name            string         `json:"name"`
	FinancialStatus string         `json:"financial_status"`
	TotalPrice      string         `json:"total_price"`
	Currency        string         `json:"currency"`
	Customer        customerInfo   `json:"customer"`
	LineItems       []lineItemInfo `json:"line_items"`
}

type customerInfo struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type lineItemInfo struct {
	SKU      string      `json:"sku"`
	Title    string      `json:"title"`
	Quantity int         `json:"quantity"`
	Price    string      `json:"price"`
	ID       json.Number `json:"id"`
}

type refundPayload struct {
	OrderID json.Number `json:"order_id"`
}

func (m *Mapper) handleOrderCreate(ctx context.Context, tx *gorm.DB, origin string, payload []byte) (*ingestdomain.Result, error) {
	var body orderPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	channelOrderID := body.ID.String()
	if channelOrderID == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}

	existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, channelOrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Redelivery of a create we already applied.
		return &ingestdomain.Result{OrderID: existing.ID}, nil
	}

	now := time.Now().UTC()
	order := &orderdomain.Order{
		ID:             m.genID.Generate(),
		Channel:        PartnerName,
		Origin:         origin,
		ChannelOrderID: channelOrderID,
		Status:         orderdomain.OrderNew,
		PaymentMode:    paymentMode(body.FinancialStatus),
		CustomerName:   customerName(body.Customer),
		TotalAmount:    parseAmount(body.TotalPrice),
		Currency:       body.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := m.orders.InsertOrder(ctx, tx, order)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, channelOrderID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, orderdomain.ErrOrderNotFound
		}
		return &ingestdomain.Result{OrderID: existing.ID}, nil
	}

	if err := m.orders.ReplaceItems(ctx, tx, order.ID, m.items(order.ID, body.LineItems)); err != nil {
		return nil, err
	}
	return &ingestdomain.Result{
		OrderID:         order.ID,
		OrderStatus:     order.Status,
		StatusChanged:   true,
		RecomputeProfit: true,
	}, nil
}

func (m *Mapper) handleOrderUpdated(ctx context.Context, tx *gorm.DB, origin string, payload []byte) (*ingestdomain.Result, error) {
	var body orderPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	channelOrderID := body.ID.String()
	if channelOrderID == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}

	existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, channelOrderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Updates can outrun the create on busy shops.
		return m.handleOrderCreate(ctx, tx, origin, payload)
	}

	existing.PaymentMode = paymentMode(body.FinancialStatus)
	existing.CustomerName = customerName(body.Customer)
	existing.TotalAmount = parseAmount(body.TotalPrice)
	if body.Currency != "" {
		existing.Currency = body.Currency
	}
	existing.UpdatedAt = time.Now().UTC()
	if err := m.orders.UpdateOrder(ctx, tx, existing); err != nil {
		return nil, err
	}
	if len(body.LineItems) > 0 {
		if err := m.orders.ReplaceItems(ctx, tx, existing.ID, m.items(existing.ID, body.LineItems)); err != nil {
			return nil, err
		}
	}
	return &ingestdomain.Result{OrderID: existing.ID, RecomputeProfit: true}, nil
}

func (m *Mapper) handleOrderCancelled(ctx context.Context, tx *gorm.DB, origin string, payload []byte) (*ingestdomain.Result, error) {
	var body orderPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, body.ID.String())
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, orderdomain.ErrOrderNotFound
	}
	if existing.Status == orderdomain.OrderCancelled {
		return &ingestdomain.Result{OrderID: existing.ID}, nil
	}
	if existing.Status.Terminal() {
		m.log.Warn("cancel ignored for terminal order",
			zap.Int64("order_id", int64(existing.ID)),
			zap.String("status", string(existing.Status)),
		)
		return &ingestdomain.Result{OrderID: existing.ID}, nil
	}
	if err := m.orders.UpdateStatus(ctx, tx, existing.ID, orderdomain.OrderCancelled, time.Now().UTC()); err != nil {
		return nil, err
	}
	return &ingestdomain.Result{
		OrderID:         existing.ID,
		OrderStatus:     orderdomain.OrderCancelled,
		StatusChanged:   true,
		RecomputeProfit: true,
	}, nil
}

func (m *Mapper) handleRefundCreate(ctx context.Context, tx *gorm.DB, origin string, payload []byte) (*ingestdomain.Result, error) {
	var body refundPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, body.OrderID.String())
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, orderdomain.ErrOrderNotFound
	}
	return &ingestdomain.Result{OrderID: existing.ID, RecomputeProfit: true}, nil
}

func (m *Mapper) items(orderID snowflake.ID, lines []lineItemInfo) []orderdomain.OrderItem {
	items := make([]orderdomain.OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, orderdomain.OrderItem{
			ID:        m.genID.Generate(),
			OrderID:   orderID,
			SKU:       line.SKU,
			Title:     line.Title,
			Quantity:  line.Quantity,
			UnitPrice: parseAmount(line.Price),
		})
	}
	return items
}

func paymentMode(financialStatus string) orderdomain.PaymentMode {
	if strings.EqualFold(strings.TrimSpace(financialStatus), "paid") {
		return orderdomain.PaymentPrepaid
	}
	return orderdomain.PaymentCOD
}

func customerName(c customerInfo) string {
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// parseAmount converts a decimal money string into minor units.
func parseAmount(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(value * 100))
}

var _ ingestdomain.Mapper = (*Mapper)(nil)
