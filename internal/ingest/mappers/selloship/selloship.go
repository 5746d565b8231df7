package selloship

import (
	"context"
	"encoding/json"
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
	PartnerName = "selloship"

	headerSignature = "X-Selloship-Signature"
	headerClientID  = "X-Selloship-Client-Id"
	headerEvent     = "X-Selloship-Event"
)

const (
	topicShipmentCreated   = "SHIPMENT_CREATED"
	topicShipmentUpdated   = "SHIPMENT_UPDATED"
	topicShipmentDelivered = "SHIPMENT_DELIVERED"
	topicShipmentRTO       = "SHIPMENT_RTO"
)

// statusTable maps the courier's vocabulary onto the canonical shipment
// lifecycle. Values missing from the table are dropped, not guessed.
var statusTable = map[string]orderdomain.ShipmentStatus{
	"PICKUP_SCHEDULED": orderdomain.ShipmentCreated,
	"CREATED":          orderdomain.ShipmentCreated,
	"SHIPPED":          orderdomain.ShipmentShipped,
	"IN_TRANSIT":       orderdomain.ShipmentInTransit,
	"OUT_FOR_DELIVERY": orderdomain.ShipmentInTransit,
	"DELIVERED":        orderdomain.ShipmentDelivered,
	"RTO_INITIATED":    orderdomain.ShipmentRTOInitiated,
	"RTO_DELIVERED":    orderdomain.ShipmentRTODone,
	"RTO_DONE":         orderdomain.ShipmentRTODone,
	"LOST":             orderdomain.ShipmentLost,
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
		log:    p.Log.Named("ingest.selloship"),
		genID:  p.GenID,
		creds:  p.Creds,
		orders: p.Orders,
	}
}

func (m *Mapper) Partner() string { return PartnerName }

func (m *Mapper) Resolve(payload []byte, headers http.Header) (string, string, error) {
	origin := strings.TrimSpace(headers.Get(headerClientID))
	topic := strings.TrimSpace(headers.Get(headerEvent))
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

type shipmentPayload struct {
	TrackingNumber string `json:"tracking_number"`
	Courier        string `json:"courier"`
	Status         string `json:"status"`
	ShippingCost   int64  `json:"shipping_cost"`

	// MerchantOrderRef echoes the order reference we handed to the
	// courier when booking the pickup.
	MerchantOrderRef string `json:"merchant_order_ref"`
}

func (m *Mapper) Handle(ctx context.Context, tx *gorm.DB, origin, topic string, payload []byte) (*ingestdomain.Result, error) {
	var body shipmentPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	if body.TrackingNumber == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}

	switch topic {
	case topicShipmentCreated:
		return m.handleCreated(ctx, tx, body)
	case topicShipmentUpdated, topicShipmentDelivered, topicShipmentRTO:
		status := body.Status
		if topic == topicShipmentDelivered && status == "" {
			status = "DELIVERED"
		}
		return m.handleStatus(ctx, tx, body.TrackingNumber, status)
	default:
		return nil, ingestdomain.ErrTopicIgnored
	}
}

func (m *Mapper) handleCreated(ctx context.Context, tx *gorm.DB, body shipmentPayload) (*ingestdomain.Result, error) {
	existing, err := m.orders.FindShipmentByTracking(ctx, tx, body.TrackingNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &ingestdomain.Result{OrderID: existing.OrderID}, nil
	}

	orderID, err := parseOrderRef(body.MerchantOrderRef)
	if err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	order, err := m.orders.FindByID(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, orderdomain.ErrOrderNotFound
	}

	now := time.Now().UTC()
	shipment := &orderdomain.Shipment{
		ID:             m.genID.Generate(),
		OrderID:        order.ID,
		TrackingNumber: body.TrackingNumber,
		Courier:        body.Courier,
		Status:         orderdomain.ShipmentCreated,
		PartnerStatus:  body.Status,
		ShippingCost:   body.ShippingCost,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := m.orders.InsertShipment(ctx, tx, shipment); err != nil {
		return nil, err
	}
	return &ingestdomain.Result{OrderID: order.ID, RecomputeProfit: true}, nil
}

func (m *Mapper) handleStatus(ctx context.Context, tx *gorm.DB, trackingNumber, partnerStatus string) (*ingestdomain.Result, error) {
	shipment, err := m.orders.FindShipmentByTracking(ctx, tx, trackingNumber)
	if err != nil {
		return nil, err
	}
	if shipment == nil {
		return nil, orderdomain.ErrShipmentNotFound
	}

	mapped, ok := statusTable[strings.ToUpper(strings.TrimSpace(partnerStatus))]
	if !ok {
		m.log.Info("unmapped courier status dropped",
			zap.String("tracking_number", trackingNumber),
			zap.String("partner_status", partnerStatus),
		)
		return &ingestdomain.Result{OrderID: shipment.OrderID}, nil
	}

	if !orderdomain.CanAdvanceShipment(shipment.Status, mapped) {
		m.log.Debug("stale shipment status ignored",
			zap.String("tracking_number", trackingNumber),
			zap.String("current", string(shipment.Status)),
			zap.String("incoming", string(mapped)),
		)
		return &ingestdomain.Result{OrderID: shipment.OrderID}, nil
	}

	now := time.Now().UTC()
	if err := m.orders.UpdateShipmentStatus(ctx, tx, shipment.ID, mapped, partnerStatus, now); err != nil {
		return nil, err
	}

	return m.cascade(ctx, tx, shipment.OrderID, mapped, now)
}

// cascade propagates terminal shipment outcomes to the order: a delivered
// parcel completes the order, a returned one marks it RETURNED. Orders
// already in a different terminal state are left alone.
func (m *Mapper) cascade(ctx context.Context, tx *gorm.DB, orderID snowflake.ID, status orderdomain.ShipmentStatus, at time.Time) (*ingestdomain.Result, error) {
	var target orderdomain.OrderStatus
	switch status {
	case orderdomain.ShipmentDelivered:
		target = orderdomain.OrderDelivered
	case orderdomain.ShipmentRTOInitiated, orderdomain.ShipmentRTODone:
		target = orderdomain.OrderReturned
	default:
		return &ingestdomain.Result{OrderID: orderID}, nil
	}

	order, err := m.orders.FindByID(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, orderdomain.ErrOrderNotFound
	}
	if order.Status == target {
		return &ingestdomain.Result{OrderID: orderID}, nil
	}
	if order.Status.Terminal() {
		m.log.Warn("shipment cascade skipped for terminal order",
			zap.Int64("order_id", int64(orderID)),
			zap.String("order_status", string(order.Status)),
			zap.String("target", string(target)),
		)
		return &ingestdomain.Result{OrderID: orderID}, nil
	}

	if err := m.orders.UpdateStatus(ctx, tx, orderID, target, at); err != nil {
		return nil, err
	}
	return &ingestdomain.Result{
		OrderID:         orderID,
		OrderStatus:     target,
		StatusChanged:   true,
		RecomputeProfit: true,
	}, nil
}

func parseOrderRef(ref string) (snowflake.ID, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64)
	if err != nil {
		return 0, err
	}
	return snowflake.ID(parsed), nil
}

var _ ingestdomain.Mapper = (*Mapper)(nil)
