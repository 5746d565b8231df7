package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const orderColumns = `id, channel, origin, channel_order_id, gateway_order_id, status,
	payment_mode, customer_name, total_amount, currency, created_at, updated_at`

func (r *repo) FindByChannelOrderID(ctx context.Context, db *gorm.DB, channel, origin, channelOrderID string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE channel = ? AND origin = ? AND channel_order_id = ?
		 LIMIT 1`,
		channel,
		origin,
		channelOrderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByGatewayOrderID(ctx context.Context, db *gorm.DB, gatewayOrderID string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE gateway_order_id = ?
		 LIMIT 1`,
		gatewayOrderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// InsertOrder is idempotent on the natural key; a concurrent duplicate
// delivery loses the race and reports inserted=false.
func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order *domain.Order) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO orders (
			id, channel, origin, channel_order_id, gateway_order_id, status,
			payment_mode, customer_name, total_amount, currency, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, origin, channel_order_id) DO NOTHING`,
		order.ID,
		order.Channel,
		order.Origin,
		order.ChannelOrderID,
		order.GatewayOrderID,
		order.Status,
		order.PaymentMode,
		order.CustomerName,
		order.TotalAmount,
		order.Currency,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateOrder(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET gateway_order_id = ?, status = ?, payment_mode = ?, customer_name = ?,
			 total_amount = ?, currency = ?, updated_at = ?
		 WHERE id = ?`,
		order.GatewayOrderID,
		order.Status,
		order.PaymentMode,
		order.CustomerName,
		order.TotalAmount,
		order.Currency,
		order.UpdatedAt,
		order.ID,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.OrderStatus, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		at,
		id,
	).Error
}

func (r *repo) ReplaceItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID, items []domain.OrderItem) error {
	if err := db.WithContext(ctx).Exec(
		`DELETE FROM order_items WHERE order_id = ?`,
		orderID,
	).Error; err != nil {
		return err
	}
	for _, item := range items {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO order_items (id, order_id, sku, title, quantity, unit_price, cost_price)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			orderID,
			item.SKU,
			item.Title,
			item.Quantity,
			item.UnitPrice,
			item.CostPrice,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindShipmentByTracking(ctx context.Context, db *gorm.DB, trackingNumber string) (*domain.Shipment, error) {
	var item domain.Shipment
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, tracking_number, courier, status, partner_status,
			shipping_cost, created_at, updated_at
		 FROM shipments
		 WHERE tracking_number = ?
		 LIMIT 1`,
		trackingNumber,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertShipment(ctx context.Context, db *gorm.DB, shipment *domain.Shipment) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO shipments (
			id, order_id, tracking_number, courier, status, partner_status,
			shipping_cost, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tracking_number) DO NOTHING`,
		shipment.ID,
		shipment.OrderID,
		shipment.TrackingNumber,
		shipment.Courier,
		shipment.Status,
		shipment.PartnerStatus,
		shipment.ShippingCost,
		shipment.CreatedAt,
		shipment.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateShipmentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.ShipmentStatus, partnerStatus string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE shipments
		 SET status = ?, partner_status = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		partnerStatus,
		at,
		id,
	).Error
}
