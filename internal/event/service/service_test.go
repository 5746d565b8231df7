package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/orderpulse/orderpulse/internal/account/domain"
	accountrepo "github.com/orderpulse/orderpulse/internal/account/repository"
	"github.com/orderpulse/orderpulse/internal/event/domain"
	"github.com/orderpulse/orderpulse/internal/event/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:eventdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&domain.InboundEvent{}, &accountdomain.ChannelAccount{}); err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (domain.Service, domain.Repository) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	repo := repository.Provide()
	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repo,
		Accounts: accountrepo.Provide(db),
	})
	return svc, repo
}

func seedAccount(t *testing.T, db *gorm.DB, userID snowflake.ID, partner, origin string) {
	t.Helper()
	now := time.Now().UTC()
	err := db.Create(&accountdomain.ChannelAccount{
		ID:        snowflake.ID(now.UnixNano()),
		UserID:    userID,
		Partner:   partner,
		Origin:    origin,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecordRejectsInvalidEvent(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	if _, err := svc.Record(ctx, "", "shop.myshopify.com", "orders/create", nil); err != domain.ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent for empty source, got %v", err)
	}
	if _, err := svc.Record(ctx, "shopify", "shop.myshopify.com", "", nil); err != domain.ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent for empty topic, got %v", err)
	}
}

func TestFirstTerminalWriteWins(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newTestService(t, db)
	ctx := context.Background()

	event, err := svc.Record(ctx, "Shopify", "shop.myshopify.com", "orders/create", []byte(`{"id":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if event.Source != "shopify" {
		t.Fatalf("expected normalized source, got %q", event.Source)
	}
	if event.Terminal() {
		t.Fatal("fresh event must not be terminal")
	}

	if err := svc.MarkProcessed(ctx, event.ID); err != nil {
		t.Fatal(err)
	}
	// A later failure report must not overwrite the success.
	if err := svc.MarkFailed(ctx, event.ID, "late failure"); err != nil {
		t.Fatal(err)
	}

	stored, err := repo.Find(ctx, db, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Fatal("event not found")
	}
	if stored.ProcessedAt == nil {
		t.Fatal("expected processed_at to be set")
	}
	if stored.Error != nil {
		t.Fatalf("expected no error on processed event, got %q", *stored.Error)
	}
}

func TestFailureIsSticky(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newTestService(t, db)
	ctx := context.Background()

	event, err := svc.Record(ctx, "selloship", "client-9", "SHIPMENT_UPDATED", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkFailed(ctx, event.ID, "shipment_not_found"); err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkProcessed(ctx, event.ID); err != nil {
		t.Fatal(err)
	}

	stored, err := repo.Find(ctx, db, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Error == nil || *stored.Error != "shipment_not_found" {
		t.Fatal("expected original failure to stick")
	}
	if stored.ProcessedAt != nil {
		t.Fatal("failed event must not gain processed_at")
	}
}

func TestMarkFailedTruncatesMessage(t *testing.T) {
	db := openTestDB(t)
	svc, repo := newTestService(t, db)
	ctx := context.Background()

	event, err := svc.Record(ctx, "shopify", "shop.myshopify.com", "orders/create", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkFailed(ctx, event.ID, strings.Repeat("x", 4096)); err != nil {
		t.Fatal(err)
	}

	stored, err := repo.Find(ctx, db, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Error == nil || len(*stored.Error) != domain.MaxErrorBytes {
		t.Fatal("expected error message to be truncated")
	}
}

func TestListForUserScopesToOwnOrigins(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	alice := snowflake.ID(101)
	bob := snowflake.ID(102)
	seedAccount(t, db, alice, "shopify", "alice.myshopify.com")
	seedAccount(t, db, bob, "shopify", "bob.myshopify.com")

	if _, err := svc.Record(ctx, "shopify", "alice.myshopify.com", "orders/create", []byte(`{"id":1}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Record(ctx, "shopify", "alice.myshopify.com", "orders/updated", []byte(`{"id":1}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Record(ctx, "shopify", "bob.myshopify.com", "orders/create", []byte(`{"id":2}`)); err != nil {
		t.Fatal(err)
	}

	items, err := svc.ListForUser(ctx, alice, domain.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(items))
	}
	for _, item := range items {
		if item.Origin != "alice.myshopify.com" {
			t.Fatalf("leaked event from origin %q", item.Origin)
		}
	}

	// Topic filter narrows further.
	items, err = svc.ListForUser(ctx, alice, domain.ListFilter{Topic: "orders/updated"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(items))
	}

	// No accounts means an empty listing, not everything.
	items, err = svc.ListForUser(ctx, snowflake.ID(999), domain.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no events for unknown user, got %d", len(items))
	}
}

func TestSummaryStaysBoundedJSON(t *testing.T) {
	db := openTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	huge := []byte(`{"padding":"` + strings.Repeat("a", maxSummaryBytes) + `"}`)
	event, err := svc.Record(ctx, "shopify", "shop.myshopify.com", "orders/create", huge)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(event.Summary) {
		t.Fatal("summary must stay valid JSON after truncation")
	}

	var excerpt map[string]string
	if err := json.Unmarshal(event.Summary, &excerpt); err != nil {
		t.Fatal(err)
	}
	if excerpt["excerpt"] == "" {
		t.Fatal("expected truncated payload excerpt")
	}
}
