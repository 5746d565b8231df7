package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/settlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const recordColumns = `id, order_id, gateway_payment_id, gateway_settlement_id, utr,
	amount, fee, tax, net_amount, status, expected_at, settled_at, raw_response,
	created_at, updated_at`

// Insert is idempotent on the record's external key: capture rows dedupe
// on (order_id, gateway_payment_id), settlement-only rows on (order_id,
// gateway_settlement_id). Either way the same notice arriving via webhook
// and via reconciliation pull yields a single row, and the second distinct
// settlement for an order still lands.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, rec *domain.Record) (bool, error) {
	conflict := `ON CONFLICT (order_id, gateway_payment_id) WHERE gateway_payment_id <> '' DO NOTHING`
	if rec.GatewayPaymentID == "" {
		conflict = `ON CONFLICT (order_id, gateway_settlement_id) WHERE gateway_settlement_id <> '' DO NOTHING`
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO settlement_records (
			id, order_id, gateway_payment_id, gateway_settlement_id, utr,
			amount, fee, tax, net_amount, status, expected_at, settled_at,
			raw_response, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) `+conflict,
		rec.ID,
		rec.OrderID,
		rec.GatewayPaymentID,
		rec.GatewaySettlementID,
		rec.UTR,
		rec.Amount,
		rec.Fee,
		rec.Tax,
		rec.NetAmount,
		rec.Status,
		rec.ExpectedAt,
		rec.SettledAt,
		rec.RawResponse,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, orderID snowflake.ID, paymentID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM settlement_records
		 WHERE order_id = ? AND gateway_payment_id = ?
		 LIMIT 1`,
		orderID,
		paymentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindBySettlementID(ctx context.Context, db *gorm.DB, orderID snowflake.ID, settlementID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM settlement_records
		 WHERE order_id = ? AND gateway_settlement_id = ?
		 LIMIT 1`,
		orderID,
		settlementID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindPendingForOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM settlement_records
		 WHERE order_id = ? AND status IN (?, ?) AND (gateway_settlement_id IS NULL OR gateway_settlement_id = '')
		 ORDER BY created_at ASC
		 LIMIT 1`,
		orderID,
		domain.StatusPending,
		domain.StatusOverdue,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByUTR(ctx context.Context, db *gorm.DB, utr string) ([]domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM settlement_records
		 WHERE utr = ?`,
		utr,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListBySettlementID(ctx context.Context, db *gorm.DB, settlementID string) ([]domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM settlement_records
		 WHERE gateway_settlement_id = ?`,
		settlementID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) AttachSettlement(ctx context.Context, db *gorm.DB, id snowflake.ID, settlementID, utr string, settledAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE settlement_records
		 SET gateway_settlement_id = ?, utr = ?, settled_at = ?, updated_at = ?
		 WHERE id = ?`,
		settlementID,
		utr,
		settledAt,
		settledAt,
		id,
	).Error
}

// UpdateStatus applies a transition only when the row is still in the
// expected source state, so concurrent workers cannot double-advance.
func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE settlement_records
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		at,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListPendingBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM settlement_records
		 WHERE status = ? AND expected_at IS NOT NULL AND expected_at < ?
		 ORDER BY expected_at ASC
		 LIMIT ?`,
		domain.StatusPending,
		before,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
