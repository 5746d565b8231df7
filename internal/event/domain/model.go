package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrEventNotFound = errors.New("event_not_found")
	ErrInvalidEvent  = errors.New("invalid_event")
)

// InboundEvent is the append-only record of one webhook delivery. A row is
// written before any processing starts; exactly one terminal outcome
// (processed or failed) is recorded afterwards, and later attempts to
// change it are ignored.
type InboundEvent struct {
	ID     snowflake.ID `gorm:"primaryKey" json:"id"`
	Source string       `gorm:"column:source" json:"source"`
	Origin string       `gorm:"column:origin" json:"origin"`
	Topic  string       `gorm:"column:topic" json:"topic"`

	// Summary keeps a bounded excerpt of the payload for operators; the
	// full body is never stored.
	Summary datatypes.JSON `gorm:"column:summary" json:"summary"`

	ProcessedAt *time.Time `gorm:"column:processed_at" json:"processed_at"`
	Error       *string    `gorm:"column:error" json:"error"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
}

func (InboundEvent) TableName() string { return "inbound_events" }

// MaxErrorBytes bounds the stored processing-failure text.
const MaxErrorBytes = 512

// TruncateError clips a failure message to what the store keeps, so
// in-memory copies and persisted rows agree.
func TruncateError(message string) string {
	if len(message) > MaxErrorBytes {
		return message[:MaxErrorBytes]
	}
	return message
}

// Processed reports whether the event reached a terminal state.
func (e InboundEvent) Terminal() bool {
	return e.ProcessedAt != nil || e.Error != nil
}

// ListFilter narrows a recipient-scoped listing. Origins is mandatory and
// comes from the caller's channel accounts, never from request input.
type ListFilter struct {
	Origins []string
	Source  string
	Topic   string
	Limit   int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *InboundEvent) error
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*InboundEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]InboundEvent, error)
}

type Service interface {
	Record(ctx context.Context, source, origin, topic string, summary []byte) (*InboundEvent, error)
	MarkProcessed(ctx context.Context, id snowflake.ID) error
	MarkFailed(ctx context.Context, id snowflake.ID, message string) error
	ListForUser(ctx context.Context, userID snowflake.ID, filter ListFilter) ([]InboundEvent, error)
}
