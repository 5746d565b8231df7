package seed

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/orderpulse/orderpulse/internal/account/domain"
	"github.com/orderpulse/orderpulse/internal/cache"
	"github.com/orderpulse/orderpulse/internal/credentials"
	"gorm.io/gorm"
)

const (
	demoUserID        = 1000000000000001
	demoShopOrigin    = "demo-shop.myshopify.com"
	demoShopSecret    = "demo-webhook-secret"
	demoGatewayAcct   = "acc_demo000000001"
	demoGatewaySecret = "demo-gateway-secret"
)

// EnsureDemoAccounts seeds one shop and one gateway account so a fresh
// local install can receive signed webhooks out of the box. Production
// deployments provision accounts through their own tooling. Writes drop
// the matching credential cache entries, so a candidate list resolved
// before the seed ran is not served afterwards.
func EnsureDemoAccounts(db *gorm.DB, credentialKey string, creds cache.CredentialCache) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	encKey := credentials.DeriveKey(credentialKey)
	if encKey == nil {
		return errors.New("seed requires a credential key")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var written [][2]string
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, account := range []struct{ partner, origin, secret string }{
			{"shopify", demoShopOrigin, demoShopSecret},
			{"razorpay", demoGatewayAcct, demoGatewaySecret},
		} {
			created, err := ensureAccountTx(ctx, tx, node, encKey, account.partner, account.origin, account.secret)
			if err != nil {
				return err
			}
			if created {
				written = append(written, [2]string{account.partner, account.origin})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if creds != nil {
		for _, account := range written {
			creds.Invalidate(account[0], account[1])
		}
	}
	return nil
}

func ensureAccountTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, encKey []byte, partner, origin, secret string) (bool, error) {
	var existing accountdomain.ChannelAccount
	err := tx.WithContext(ctx).
		Where("partner = ? AND origin = ?", partner, origin).
		First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return false, err
	}
	sealed, err := credentials.Encrypt(encKey, map[string]any{"webhook_secret": secret}, nonce)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	account := accountdomain.ChannelAccount{
		ID:          node.Generate(),
		UserID:      snowflake.ID(demoUserID),
		Partner:     partner,
		Origin:      origin,
		Credentials: sealed,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(&account).Error; err != nil {
		return false, err
	}
	return true, nil
}
