package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrAccountNotFound = errors.New("account_not_found")
	ErrInvalidAccount  = errors.New("invalid_account")
)

// ChannelAccount links a user to one sales or logistics channel origin.
// Origin is the partner-side identity the webhooks arrive under: the shop
// domain for an order channel, the seller id for a marketplace, the client
// id for a logistics partner, the merchant account for a gateway.
type ChannelAccount struct {
	ID      snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID  snowflake.ID `gorm:"column:user_id" json:"user_id"`
	Partner string       `gorm:"column:partner" json:"partner"`
	Origin  string       `gorm:"column:origin" json:"origin"`

	// Credentials holds the AES-GCM encrypted secret material for this
	// account (webhook secret, API keys). Nil when the account relies on
	// the environment fallback.
	Credentials datatypes.JSON `gorm:"column:credentials" json:"-"`

	// PublicKeyPEM carries the partner's notification signing key for
	// partners that sign asymmetrically.
	PublicKeyPEM string `gorm:"column:public_key_pem" json:"-"`

	Active    bool      `gorm:"column:active" json:"active"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ChannelAccount) TableName() string { return "channel_accounts" }

type Repository interface {
	ListActive(ctx context.Context, partner, origin string) ([]ChannelAccount, error)
	OriginsForUser(ctx context.Context, userID snowflake.ID) ([]string, error)
	UserIDsForOrigin(ctx context.Context, partner, origin string) ([]snowflake.ID, error)
	OrderOwnerUserIDs(ctx context.Context, orderID snowflake.ID) ([]snowflake.ID, error)
}
