package shopify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	ingestdomain "github.com/orderpulse/orderpulse/internal/ingest/domain"
	orderdomain "github.com/orderpulse/orderpulse/internal/order/domain"
	orderrepo "github.com/orderpulse/orderpulse/internal/order/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticCreds struct{}

func (staticCreds) CandidateSecrets(ctx context.Context, partner, origin string) ([]string, error) {
	return nil, nil
}

func (staticCreds) PublicKeys(ctx context.Context, partner, origin string) ([]string, error) {
	return nil, nil
}

const testShop = "demo.myshopify.com"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:shopifydb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&orderdomain.Order{}, &orderdomain.OrderItem{}, &orderdomain.Shipment{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Exec(
		`CREATE UNIQUE INDEX ux_orders_channel_key ON orders (channel, origin, channel_order_id)`,
	).Error; err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestMapper(t *testing.T) (*Mapper, orderdomain.Repository) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	repo := orderrepo.Provide()
	mapper := New(Params{
		Log:    zap.NewNop(),
		GenID:  node,
		Creds:  staticCreds{},
		Orders: repo,
	})
	return mapper, repo
}

const orderCreatePayload = `{
	"id": 820982911946154508,
	"name": "#9999",
	"financial_status": "paid",
	"total_price": "499.00",
	"currency": "INR",
	"customer": {"first_name": "Asha", "last_name": "Rao"},
	"line_items": [
		{"id": 1, "sku": "TSHIRT-M", "title": "Tee", "quantity": 2, "price": "199.50"},
		{"id": 2, "sku": "MUG-1", "title": "Mug", "quantity": 1, "price": "100.00"}
	]
}`

func TestOrderCreate(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	result, err := mapper.Handle(ctx, db, testShop, "orders/create", []byte(orderCreatePayload))
	if err != nil {
		t.Fatal(err)
	}
	if !result.StatusChanged || !result.RecomputeProfit {
		t.Fatal("a fresh order should report a status change and trigger recompute")
	}

	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, testShop, "820982911946154508")
	if err != nil {
		t.Fatal(err)
	}
	if order == nil {
		t.Fatal("order not created")
	}
	if order.Status != orderdomain.OrderNew {
		t.Fatalf("expected NEW, got %s", order.Status)
	}
	if order.PaymentMode != orderdomain.PaymentPrepaid {
		t.Fatalf("paid financial status should map to PREPAID, got %s", order.PaymentMode)
	}
	if order.TotalAmount != 49900 {
		t.Fatalf("expected 49900 minor units, got %d", order.TotalAmount)
	}
	if order.CustomerName != "Asha Rao" {
		t.Fatalf("unexpected customer name %q", order.CustomerName)
	}

	var items int64
	if err := db.Raw(`SELECT COUNT(*) FROM order_items WHERE order_id = ?`, order.ID).Scan(&items).Error; err != nil {
		t.Fatal(err)
	}
	if items != 2 {
		t.Fatalf("expected 2 line items, got %d", items)
	}
}

func TestOrderCreateRedelivery(t *testing.T) {
	db := openTestDB(t)
	mapper, _ := newTestMapper(t)
	ctx := context.Background()

	first, err := mapper.Handle(ctx, db, testShop, "orders/create", []byte(orderCreatePayload))
	if err != nil {
		t.Fatal(err)
	}
	second, err := mapper.Handle(ctx, db, testShop, "orders/create", []byte(orderCreatePayload))
	if err != nil {
		t.Fatal(err)
	}
	if second.OrderID != first.OrderID {
		t.Fatal("redelivery must resolve to the same order")
	}
	if second.StatusChanged {
		t.Fatal("redelivery must not report a status change")
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM orders`).Scan(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 order, got %d", count)
	}
}

func TestOrderUpdatedBeforeCreate(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	// On busy shops the update can arrive before the create; it must
	// materialize the order rather than fail.
	result, err := mapper.Handle(ctx, db, testShop, "orders/updated", []byte(orderCreatePayload))
	if err != nil {
		t.Fatal(err)
	}
	order, err := repo.FindByID(ctx, db, result.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if order == nil {
		t.Fatal("update-before-create should materialize the order")
	}
}

func TestOrderUpdatedRefreshesFields(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	first, err := mapper.Handle(ctx, db, testShop, "orders/create", []byte(orderCreatePayload))
	if err != nil {
		t.Fatal(err)
	}

	updated := `{"id": 820982911946154508, "financial_status": "pending", "total_price": "550.00", "currency": "INR"}`
	if _, err := mapper.Handle(ctx, db, testShop, "orders/updated", []byte(updated)); err != nil {
		t.Fatal(err)
	}

	order, err := repo.FindByID(ctx, db, first.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if order.TotalAmount != 55000 {
		t.Fatalf("expected refreshed total 55000, got %d", order.TotalAmount)
	}
	if order.PaymentMode != orderdomain.PaymentCOD {
		t.Fatalf("pending financial status should map to COD, got %s", order.PaymentMode)
	}
}

func TestOrderCancelledRespectsTerminalStatus(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	first, err := mapper.Handle(ctx, db, testShop, "orders/create", []byte(orderCreatePayload))
	if err != nil {
		t.Fatal(err)
	}

	cancel := `{"id": 820982911946154508}`
	result, err := mapper.Handle(ctx, db, testShop, "orders/cancelled", []byte(cancel))
	if err != nil {
		t.Fatal(err)
	}
	if !result.StatusChanged || result.OrderStatus != orderdomain.OrderCancelled {
		t.Fatal("expected cancellation to apply")
	}

	// A second cancel and a late delivery-style event change nothing.
	result, err = mapper.Handle(ctx, db, testShop, "orders/cancelled", []byte(cancel))
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusChanged {
		t.Fatal("repeat cancel must be a no-op")
	}

	order, err := repo.FindByID(ctx, db, first.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != orderdomain.OrderCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
}

func TestUnknownTopicIgnored(t *testing.T) {
	db := openTestDB(t)
	mapper, _ := newTestMapper(t)

	_, err := mapper.Handle(context.Background(), db, testShop, "checkouts/create", []byte(`{}`))
	if err != ingestdomain.ErrTopicIgnored {
		t.Fatalf("expected ErrTopicIgnored, got %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"499.00", 49900},
		{"199.50", 19950},
		{"0.01", 1},
		{"", 0},
		{"abc", 0},
		{" 10 ", 1000},
	}
	for _, tt := range tests {
		if got := parseAmount(tt.in); got != tt.want {
			t.Errorf("parseAmount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
