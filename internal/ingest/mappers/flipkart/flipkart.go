package flipkart

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
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
	PartnerName = "flipkart"

	headerSignature = "X-Flipkart-Signature"
	headerSellerID  = "X-Flipkart-Seller-Id"
	headerEventType = "X-Flipkart-Event-Type"
)

const (
	topicOrderCreated    = "ORDER_CREATED"
	topicOrderUpdated    = "ORDER_UPDATED"
	topicShipmentCreated = "SHIPMENT_CREATED"
	topicPaymentUpdated  = "PAYMENT_UPDATED"
)

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
		log:    p.Log.Named("ingest.flipkart"),
		genID:  p.GenID,
		creds:  p.Creds,
		orders: p.Orders,
	}
}

func (m *Mapper) Partner() string { return PartnerName }

func (m *Mapper) Resolve(payload []byte, headers http.Header) (string, string, error) {
	origin := strings.TrimSpace(headers.Get(headerSellerID))
	topic := strings.TrimSpace(headers.Get(headerEventType))
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

type orderPayload struct {
	OrderID      string        `json:"order_id"`
	TotalAmount  float64       `json:"total_amount"`
	PaymentType  string        `json:"payment_type"`
	CustomerName string        `json:"customer_name"`
	OrderItems   []itemPayload `json:"order_items"`
	Shipment     *shipmentInfo `json:"shipment"`
}

type itemPayload struct {
	SKU      string  `json:"sku"`
	Title    string  `json:"title"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type shipmentInfo struct {
	TrackingNumber string `json:"tracking_number"`
	Courier        string `json:"courier"`
}

func (m *Mapper) Handle(ctx context.Context, tx *gorm.DB, origin, topic string, payload []byte) (*ingestdomain.Result, error) {
	var body orderPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	if body.OrderID == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}

	switch topic {
	case topicOrderCreated:
		return m.handleOrderCreated(ctx, tx, origin, body)
	case topicOrderUpdated, topicPaymentUpdated:
		return m.handleOrderUpdated(ctx, tx, origin, body)
	case topicShipmentCreated:
		return m.handleShipmentCreated(ctx, tx, origin, body)
	default:
		return nil, ingestdomain.ErrTopicIgnored
	}
}

func (m *Mapper) handleOrderCreated(ctx context.Context, tx *gorm.DB, origin string, body orderPayload) (*ingestdomain.Result, error) {
	existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, body.OrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &ingestdomain.Result{OrderID: existing.ID}, nil
	}

	now := time.Now().UTC()
	order := &orderdomain.Order{
		ID:             m.genID.Generate(),
		Channel:        PartnerName,
		Origin:         origin,
		ChannelOrderID: body.OrderID,
		Status:         orderdomain.OrderNew,
		PaymentMode:    paymentMode(body.PaymentType),
		CustomerName:   body.CustomerName,
		TotalAmount:    toMinor(body.TotalAmount),
		Currency:       "INR",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := m.orders.InsertOrder(ctx, tx, order)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, body.OrderID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, orderdomain.ErrOrderNotFound
		}
		return &ingestdomain.Result{OrderID: existing.ID}, nil
	}

	if err := m.orders.ReplaceItems(ctx, tx, order.ID, m.items(order.ID, body.OrderItems)); err != nil {
		return nil, err
	}
	return &ingestdomain.Result{
		OrderID:         order.ID,
		OrderStatus:     order.Status,
		StatusChanged:   true,
		RecomputeProfit: true,
	}, nil
}

func (m *Mapper) handleOrderUpdated(ctx context.Context, tx *gorm.DB, origin string, body orderPayload) (*ingestdomain.Result, error) {
	existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, body.OrderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return m.handleOrderCreated(ctx, tx, origin, body)
	}

	if body.PaymentType != "" {
		existing.PaymentMode = paymentMode(body.PaymentType)
	}
	if body.CustomerName != "" {
		existing.CustomerName = body.CustomerName
	}
	if body.TotalAmount > 0 {
		existing.TotalAmount = toMinor(body.TotalAmount)
	}
	existing.UpdatedAt = time.Now().UTC()
	if err := m.orders.UpdateOrder(ctx, tx, existing); err != nil {
		return nil, err
	}
	if len(body.OrderItems) > 0 {
		if err := m.orders.ReplaceItems(ctx, tx, existing.ID, m.items(existing.ID, body.OrderItems)); err != nil {
			return nil, err
		}
	}
	return &ingestdomain.Result{OrderID: existing.ID, RecomputeProfit: true}, nil
}

func (m *Mapper) handleShipmentCreated(ctx context.Context, tx *gorm.DB, origin string, body orderPayload) (*ingestdomain.Result, error) {
	if body.Shipment == nil || body.Shipment.TrackingNumber == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}
	order, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, body.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, orderdomain.ErrOrderNotFound
	}

	if existing, err := m.orders.FindShipmentByTracking(ctx, tx, body.Shipment.TrackingNumber); err != nil {
		return nil, err
	} else if existing != nil {
		return &ingestdomain.Result{OrderID: order.ID}, nil
	}

	now := time.Now().UTC()
	shipment := &orderdomain.Shipment{
		ID:             m.genID.Generate(),
		OrderID:        order.ID,
		TrackingNumber: body.Shipment.TrackingNumber,
		Courier:        body.Shipment.Courier,
		Status:         orderdomain.ShipmentCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := m.orders.InsertShipment(ctx, tx, shipment); err != nil {
		return nil, err
	}

	result := &ingestdomain.Result{OrderID: order.ID}
	if order.Status == orderdomain.OrderNew || order.Status == orderdomain.OrderConfirmed {
		if err := m.orders.UpdateStatus(ctx, tx, order.ID, orderdomain.OrderPacked, now); err != nil {
			return nil, err
		}
		result.OrderStatus = orderdomain.OrderPacked
		result.StatusChanged = true
	}
	return result, nil
}

func (m *Mapper) items(orderID snowflake.ID, lines []itemPayload) []orderdomain.OrderItem {
	items := make([]orderdomain.OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, orderdomain.OrderItem{
			ID:        m.genID.Generate(),
			OrderID:   orderID,
			SKU:       line.SKU,
			Title:     line.Title,
			Quantity:  line.Quantity,
			UnitPrice: toMinor(line.Price),
		})
	}
	return items
}

func paymentMode(paymentType string) orderdomain.PaymentMode {
	if strings.EqualFold(strings.TrimSpace(paymentType), "PREPAID") {
		return orderdomain.PaymentPrepaid
	}
	return orderdomain.PaymentCOD
}

func toMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

var _ ingestdomain.Mapper = (*Mapper)(nil)
