package flipkart

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
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

type staticCreds struct {
	secrets []string
}

func (s staticCreds) CandidateSecrets(ctx context.Context, partner, origin string) ([]string, error) {
	return s.secrets, nil
}

func (s staticCreds) PublicKeys(ctx context.Context, partner, origin string) ([]string, error) {
	return nil, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:flipkartdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&orderdomain.Order{}, &orderdomain.OrderItem{}, &orderdomain.Shipment{}); err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		`CREATE UNIQUE INDEX ux_orders_channel_key ON orders (channel, origin, channel_order_id)`,
		`CREATE UNIQUE INDEX ux_shipments_tracking ON shipments (tracking_number)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatal(err)
		}
	}
	return db
}

func newTestMapper(t *testing.T, secrets ...string) (*Mapper, orderdomain.Repository) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	repo := orderrepo.Provide()
	mapper := New(Params{
		Log:    zap.NewNop(),
		GenID:  node,
		Creds:  staticCreds{secrets: secrets},
		Orders: repo,
	})
	return mapper, repo
}

const orderCreatedPayload = `{
	"order_id": "OD42",
	"total_amount": 1299.00,
	"payment_type": "PREPAID",
	"customer_name": "Ravi Kumar",
	"order_items": [
		{"sku": "SKU-A", "title": "Kettle", "quantity": 1, "price": 999.00},
		{"sku": "SKU-B", "title": "Mugs", "quantity": 2, "price": 150.00}
	]
}`

func TestResolve(t *testing.T) {
	mapper, _ := newTestMapper(t)

	headers := http.Header{}
	headers.Set("X-Flipkart-Seller-Id", "seller-7")
	headers.Set("X-Flipkart-Event-Type", "ORDER_CREATED")

	origin, topic, err := mapper.Resolve([]byte(`{}`), headers)
	if err != nil {
		t.Fatal(err)
	}
	if origin != "seller-7" || topic != "ORDER_CREATED" {
		t.Fatalf("unexpected resolve result %q %q", origin, topic)
	}

	headers.Del("X-Flipkart-Seller-Id")
	if _, _, err := mapper.Resolve([]byte(`{}`), headers); !errors.Is(err, ingestdomain.ErrMissingHeader) {
		t.Fatalf("expected ErrMissingHeader, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(orderCreatedPayload)
	mac := hmac.New(sha256.New, []byte("seller_secret"))
	mac.Write(payload)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set("X-Flipkart-Signature", signature)

	mapper, _ := newTestMapper(t, "seller_secret")
	if err := mapper.Verify(context.Background(), "seller-7", payload, headers); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	mapper, _ = newTestMapper(t, "other_secret")
	if err := mapper.Verify(context.Background(), "seller-7", payload, headers); !errors.Is(err, ingestdomain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	mapper, _ = newTestMapper(t)
	if err := mapper.Verify(context.Background(), "seller-7", payload, headers); !errors.Is(err, ingestdomain.ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestOrderCreated(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	result, err := mapper.Handle(ctx, db, "seller-7", "ORDER_CREATED", []byte(orderCreatedPayload))
	if err != nil {
		t.Fatal(err)
	}
	if !result.StatusChanged || result.OrderStatus != orderdomain.OrderNew {
		t.Fatalf("expected new order status change, got %+v", result)
	}
	if !result.RecomputeProfit {
		t.Fatal("expected profit recompute on order create")
	}

	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, "seller-7", "OD42")
	if err != nil {
		t.Fatal(err)
	}
	if order == nil {
		t.Fatal("order not persisted")
	}
	if order.TotalAmount != 129900 {
		t.Fatalf("expected total 129900, got %d", order.TotalAmount)
	}
	if order.PaymentMode != orderdomain.PaymentPrepaid {
		t.Fatalf("expected prepaid order, got %s", order.PaymentMode)
	}
	if order.CustomerName != "Ravi Kumar" {
		t.Fatalf("unexpected customer %q", order.CustomerName)
	}

	var items int64
	if err := db.Model(&orderdomain.OrderItem{}).Where("order_id = ?", order.ID).Count(&items).Error; err != nil {
		t.Fatal(err)
	}
	if items != 2 {
		t.Fatalf("expected 2 order items, got %d", items)
	}

	// Redelivery resolves to the same order without another insert.
	again, err := mapper.Handle(ctx, db, "seller-7", "ORDER_CREATED", []byte(orderCreatedPayload))
	if err != nil {
		t.Fatal(err)
	}
	if again.OrderID != order.ID {
		t.Fatalf("redelivery resolved to %d, want %d", again.OrderID, order.ID)
	}
	if again.StatusChanged {
		t.Fatal("redelivery must not report a status change")
	}

	var orders int64
	if err := db.Model(&orderdomain.Order{}).Count(&orders).Error; err != nil {
		t.Fatal(err)
	}
	if orders != 1 {
		t.Fatalf("expected a single order row, got %d", orders)
	}
}

func TestOrderUpdatedMaterializesUnknownOrder(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	result, err := mapper.Handle(ctx, db, "seller-7", "ORDER_UPDATED", []byte(orderCreatedPayload))
	if err != nil {
		t.Fatal(err)
	}
	if !result.StatusChanged {
		t.Fatal("materialized order should report a status change")
	}

	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, "seller-7", "OD42")
	if err != nil {
		t.Fatal(err)
	}
	if order == nil {
		t.Fatal("order not materialized from update")
	}
}

func TestOrderUpdatedRefreshesFields(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	if _, err := mapper.Handle(ctx, db, "seller-7", "ORDER_CREATED", []byte(orderCreatedPayload)); err != nil {
		t.Fatal(err)
	}

	update := `{"order_id":"OD42","total_amount":1499.00,"payment_type":"COD"}`
	result, err := mapper.Handle(ctx, db, "seller-7", "PAYMENT_UPDATED", []byte(update))
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusChanged {
		t.Fatal("field refresh must not report a status change")
	}
	if !result.RecomputeProfit {
		t.Fatal("expected profit recompute after amount change")
	}

	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, "seller-7", "OD42")
	if err != nil {
		t.Fatal(err)
	}
	if order.TotalAmount != 149900 {
		t.Fatalf("expected total 149900, got %d", order.TotalAmount)
	}
	if order.PaymentMode != orderdomain.PaymentCOD {
		t.Fatalf("expected COD after update, got %s", order.PaymentMode)
	}
	if order.CustomerName != "Ravi Kumar" {
		t.Fatalf("empty fields must not clear existing values, got %q", order.CustomerName)
	}
}

func TestShipmentCreated(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	if _, err := mapper.Handle(ctx, db, "seller-7", "ORDER_CREATED", []byte(orderCreatedPayload)); err != nil {
		t.Fatal(err)
	}

	shipment := `{"order_id":"OD42","shipment":{"tracking_number":"FKTRK1","courier":"ekart"}}`
	result, err := mapper.Handle(ctx, db, "seller-7", "SHIPMENT_CREATED", []byte(shipment))
	if err != nil {
		t.Fatal(err)
	}
	if !result.StatusChanged || result.OrderStatus != orderdomain.OrderPacked {
		t.Fatalf("expected order moved to PACKED, got %+v", result)
	}

	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, "seller-7", "OD42")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != orderdomain.OrderPacked {
		t.Fatalf("expected PACKED order, got %s", order.Status)
	}

	// Duplicate tracking number is a no-op.
	again, err := mapper.Handle(ctx, db, "seller-7", "SHIPMENT_CREATED", []byte(shipment))
	if err != nil {
		t.Fatal(err)
	}
	if again.StatusChanged {
		t.Fatal("duplicate shipment must not report a status change")
	}

	var shipments int64
	if err := db.Model(&orderdomain.Shipment{}).Count(&shipments).Error; err != nil {
		t.Fatal(err)
	}
	if shipments != 1 {
		t.Fatalf("expected a single shipment row, got %d", shipments)
	}
}

func TestShipmentDoesNotRegressAdvancedOrder(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	if _, err := mapper.Handle(ctx, db, "seller-7", "ORDER_CREATED", []byte(orderCreatedPayload)); err != nil {
		t.Fatal(err)
	}
	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, "seller-7", "OD42")
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateStatus(ctx, db, order.ID, orderdomain.OrderShipped, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	shipment := `{"order_id":"OD42","shipment":{"tracking_number":"FKTRK2","courier":"ekart"}}`
	result, err := mapper.Handle(ctx, db, "seller-7", "SHIPMENT_CREATED", []byte(shipment))
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusChanged {
		t.Fatal("shipped order must not be pulled back to PACKED")
	}

	order, err = repo.FindByChannelOrderID(ctx, db, PartnerName, "seller-7", "OD42")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != orderdomain.OrderShipped {
		t.Fatalf("expected order to stay SHIPPED, got %s", order.Status)
	}
}

func TestShipmentForUnknownOrder(t *testing.T) {
	db := openTestDB(t)
	mapper, _ := newTestMapper(t)

	shipment := `{"order_id":"NOPE","shipment":{"tracking_number":"FKTRK3"}}`
	_, err := mapper.Handle(context.Background(), db, "seller-7", "SHIPMENT_CREATED", []byte(shipment))
	if !errors.Is(err, orderdomain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestInvalidPayloads(t *testing.T) {
	db := openTestDB(t)
	mapper, _ := newTestMapper(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		topic   string
		payload string
	}{
		{"malformed json", "ORDER_CREATED", `{"order_id":`},
		{"missing order id", "ORDER_CREATED", `{"total_amount":100}`},
		{"shipment without tracking", "SHIPMENT_CREATED", `{"order_id":"OD42","shipment":{"courier":"ekart"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mapper.Handle(ctx, db, "seller-7", tc.topic, []byte(tc.payload)); !errors.Is(err, ingestdomain.ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestUnknownTopicIgnored(t *testing.T) {
	db := openTestDB(t)
	mapper, _ := newTestMapper(t)

	_, err := mapper.Handle(context.Background(), db, "seller-7", "RETURN_CREATED", []byte(`{"order_id":"OD42"}`))
	if !errors.Is(err, ingestdomain.ErrTopicIgnored) {
		t.Fatalf("expected ErrTopicIgnored, got %v", err)
	}
}

func TestPaymentMode(t *testing.T) {
	if paymentMode(" prepaid ") != orderdomain.PaymentPrepaid {
		t.Fatal("expected case-insensitive PREPAID mapping")
	}
	if paymentMode("POSTPAID") != orderdomain.PaymentCOD {
		t.Fatal("expected non-prepaid types to default to COD")
	}
}
