package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound    = errors.New("order_not_found")
	ErrShipmentNotFound = errors.New("shipment_not_found")
	ErrInvalidOrder     = errors.New("invalid_order")
)

type OrderStatus string

const (
	OrderNew       OrderStatus = "NEW"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderPacked    OrderStatus = "PACKED"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderReturned  OrderStatus = "RETURNED"
	OrderHold      OrderStatus = "HOLD"
)

// Terminal order statuses are never downgraded by later partner events.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderDelivered, OrderCancelled, OrderReturned:
		return true
	default:
		return false
	}
}

type PaymentMode string

const (
	PaymentCOD     PaymentMode = "COD"
	PaymentPrepaid PaymentMode = "PREPAID"
)

type ShipmentStatus string

const (
	ShipmentCreated      ShipmentStatus = "CREATED"
	ShipmentShipped      ShipmentStatus = "SHIPPED"
	ShipmentInTransit    ShipmentStatus = "IN_TRANSIT"
	ShipmentDelivered    ShipmentStatus = "DELIVERED"
	ShipmentRTOInitiated ShipmentStatus = "RTO_INITIATED"
	ShipmentRTODone      ShipmentStatus = "RTO_DONE"
	ShipmentLost         ShipmentStatus = "LOST"
)

// shipmentRank orders the lifecycle so stale partner callbacks cannot move
// a shipment backwards. RTO_INITIATED shares the delivered rank: a parcel
// either arrives or turns around, never both.
var shipmentRank = map[ShipmentStatus]int{
	ShipmentCreated:      0,
	ShipmentShipped:      1,
	ShipmentInTransit:    2,
	ShipmentDelivered:    3,
	ShipmentRTOInitiated: 3,
	ShipmentRTODone:      4,
	ShipmentLost:         4,
}

// CanAdvanceShipment reports whether a shipment may move from one status to
// another. Equal-rank rewrites are rejected so a delivered parcel cannot be
// flipped to RTO by a delayed event.
func CanAdvanceShipment(from, to ShipmentStatus) bool {
	fromRank, ok := shipmentRank[from]
	if !ok {
		return true
	}
	toRank, ok := shipmentRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

type Order struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	Channel        string       `gorm:"column:channel" json:"channel"`
	Origin         string       `gorm:"column:origin" json:"origin"`
	ChannelOrderID string       `gorm:"column:channel_order_id" json:"channel_order_id"`

	// GatewayOrderID links the order to the payment gateway's order entity
	// so settlement records can find their way back.
	GatewayOrderID string `gorm:"column:gateway_order_id" json:"gateway_order_id"`

	Status      OrderStatus `gorm:"column:status" json:"status"`
	PaymentMode PaymentMode `gorm:"column:payment_mode" json:"payment_mode"`

	CustomerName string `gorm:"column:customer_name" json:"customer_name"`
	TotalAmount  int64  `gorm:"column:total_amount" json:"total_amount"`
	Currency     string `gorm:"column:currency" json:"currency"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

type OrderItem struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrderID   snowflake.ID `gorm:"column:order_id" json:"order_id"`
	SKU       string       `gorm:"column:sku" json:"sku"`
	Title     string       `gorm:"column:title" json:"title"`
	Quantity  int          `gorm:"column:quantity" json:"quantity"`
	UnitPrice int64        `gorm:"column:unit_price" json:"unit_price"`
	CostPrice int64        `gorm:"column:cost_price" json:"cost_price"`
}

func (OrderItem) TableName() string { return "order_items" }

type Shipment struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrderID        snowflake.ID   `gorm:"column:order_id" json:"order_id"`
	TrackingNumber string         `gorm:"column:tracking_number" json:"tracking_number"`
	Courier        string         `gorm:"column:courier" json:"courier"`
	Status         ShipmentStatus `gorm:"column:status" json:"status"`

	// PartnerStatus preserves the partner's raw vocabulary for audit.
	PartnerStatus string `gorm:"column:partner_status" json:"partner_status"`

	ShippingCost int64     `gorm:"column:shipping_cost" json:"shipping_cost"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Shipment) TableName() string { return "shipments" }

type Repository interface {
	FindByChannelOrderID(ctx context.Context, db *gorm.DB, channel, origin, channelOrderID string) (*Order, error)
	FindByGatewayOrderID(ctx context.Context, db *gorm.DB, gatewayOrderID string) (*Order, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) (bool, error)
	UpdateOrder(ctx context.Context, db *gorm.DB, order *Order) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status OrderStatus, at time.Time) error
	ReplaceItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID, items []OrderItem) error

	FindShipmentByTracking(ctx context.Context, db *gorm.DB, trackingNumber string) (*Shipment, error)
	InsertShipment(ctx context.Context, db *gorm.DB, shipment *Shipment) (bool, error)
	UpdateShipmentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status ShipmentStatus, partnerStatus string, at time.Time) error
}
