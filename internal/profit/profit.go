package profit

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("profit",
	fx.Provide(New),
)

// Service recomputes the per-order profit snapshot whenever settlement or
// order facts change.
type Service interface {
	Recompute(ctx context.Context, orderID snowflake.ID) error
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func New(p Params) Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("profit"),
		genID: p.GenID,
	}
}

type profitInputs struct {
	Revenue      int64
	ItemCost     int64
	ShippingCost int64
	GatewayFees  int64
}

func (s *service) Recompute(ctx context.Context, orderID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var in profitInputs
		err := tx.Raw(
			`SELECT
				o.total_amount AS revenue,
				COALESCE((SELECT SUM(oi.cost_price * oi.quantity) FROM order_items oi WHERE oi.order_id = o.id), 0) AS item_cost,
				COALESCE((SELECT SUM(sh.shipping_cost) FROM shipments sh WHERE sh.order_id = o.id), 0) AS shipping_cost,
				COALESCE((SELECT SUM(sr.fee + sr.tax) FROM settlement_records sr WHERE sr.order_id = o.id), 0) AS gateway_fees
			 FROM orders o
			 WHERE o.id = ?`,
			orderID,
		).Scan(&in).Error
		if err != nil {
			return err
		}

		net := in.Revenue - in.ItemCost - in.ShippingCost - in.GatewayFees
		now := time.Now().UTC()

		res := tx.Exec(
			`UPDATE order_profits
			 SET revenue = ?, item_cost = ?, shipping_cost = ?, gateway_fees = ?, net_profit = ?, computed_at = ?
			 WHERE order_id = ?`,
			in.Revenue,
			in.ItemCost,
			in.ShippingCost,
			in.GatewayFees,
			net,
			now,
			orderID,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		return tx.Exec(
			`INSERT INTO order_profits (id, order_id, revenue, item_cost, shipping_cost, gateway_fees, net_profit, computed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			orderID,
			in.Revenue,
			in.ItemCost,
			in.ShippingCost,
			in.GatewayFees,
			net,
			now,
		).Error
	})
}
