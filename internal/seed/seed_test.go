package seed

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	accountdomain "github.com/orderpulse/orderpulse/internal/account/domain"
	"github.com/orderpulse/orderpulse/internal/cache"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:seeddb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&accountdomain.ChannelAccount{}); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestEnsureDemoAccountsIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 2; i++ {
		if err := EnsureDemoAccounts(db, "seed-master-key", nil); err != nil {
			t.Fatal(err)
		}
	}

	var accounts int64
	if err := db.Model(&accountdomain.ChannelAccount{}).Count(&accounts).Error; err != nil {
		t.Fatal(err)
	}
	if accounts != 2 {
		t.Fatalf("expected 2 seeded accounts, got %d", accounts)
	}
}

func TestEnsureDemoAccountsDropsStaleCacheEntries(t *testing.T) {
	db := openTestDB(t)
	creds := cache.NewCredentialCache()

	// A candidate list resolved before the accounts existed.
	creds.SetSecrets("shopify", demoShopOrigin, []string{"env-only-secret"})

	if err := EnsureDemoAccounts(db, "seed-master-key", creds); err != nil {
		t.Fatal(err)
	}

	if _, ok := creds.GetSecrets("shopify", demoShopOrigin); ok {
		t.Fatal("seeding an account must drop its cached candidate secrets")
	}

	// A second run writes nothing and must not touch fresh entries.
	creds.SetSecrets("shopify", demoShopOrigin, []string{"resolved-after-seed"})
	if err := EnsureDemoAccounts(db, "seed-master-key", creds); err != nil {
		t.Fatal(err)
	}
	if _, ok := creds.GetSecrets("shopify", demoShopOrigin); !ok {
		t.Fatal("a no-op seed run must leave the cache alone")
	}
}
