package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) ListActive(ctx context.Context, partner, origin string) ([]domain.ChannelAccount, error) {
	var items []domain.ChannelAccount
	err := r.db.WithContext(ctx).Raw(
		`SELECT id, user_id, partner, origin, credentials, public_key_pem, active, created_at, updated_at
		 FROM channel_accounts
		 WHERE partner = ? AND origin = ? AND active = ?
		 ORDER BY created_at ASC`,
		partner,
		origin,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) OriginsForUser(ctx context.Context, userID snowflake.ID) ([]string, error) {
	var origins []string
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT origin
		 FROM channel_accounts
		 WHERE user_id = ? AND active = ?`,
		userID,
		true,
	).Scan(&origins).Error
	if err != nil {
		return nil, err
	}
	return origins, nil
}

func (r *repo) UserIDsForOrigin(ctx context.Context, partner, origin string) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT user_id
		 FROM channel_accounts
		 WHERE partner = ? AND origin = ? AND active = ?`,
		partner,
		origin,
		true,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) OrderOwnerUserIDs(ctx context.Context, orderID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT ca.user_id
		 FROM channel_accounts ca
		 JOIN orders o ON o.origin = ca.origin AND o.channel = ca.partner
		 WHERE o.id = ? AND ca.active = ?`,
		orderID,
		true,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
