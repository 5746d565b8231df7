package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/event/domain"
	"gorm.io/gorm"
)

const maxListLimit = 200

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.InboundEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO inbound_events (
			id, source, origin, topic, summary, processed_at, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Source,
		event.Origin,
		event.Topic,
		event.Summary,
		event.ProcessedAt,
		event.Error,
		event.CreatedAt,
	).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.InboundEvent, error) {
	var item domain.InboundEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, source, origin, topic, summary, processed_at, error, created_at
		 FROM inbound_events
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

// MarkProcessed records the success outcome. The guard makes the first
// terminal write win; a row already processed or failed is left untouched.
func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET processed_at = ?
		 WHERE id = ? AND processed_at IS NULL AND error IS NULL`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET error = ?
		 WHERE id = ? AND processed_at IS NULL AND error IS NULL`,
		message,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.InboundEvent, error) {
	if len(filter.Origins) == 0 {
		return nil, nil
	}

	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT id, source, origin, topic, summary, processed_at, error, created_at
		 FROM inbound_events
		 WHERE origin IN ?`
	args := []any{filter.Origins}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, filter.Topic)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var items []domain.InboundEvent
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
