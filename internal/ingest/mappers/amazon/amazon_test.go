package amazon

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	ingestdomain "github.com/orderpulse/orderpulse/internal/ingest/domain"
	"github.com/orderpulse/orderpulse/internal/ingest/verify"
	orderdomain "github.com/orderpulse/orderpulse/internal/order/domain"
	orderrepo "github.com/orderpulse/orderpulse/internal/order/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticCreds struct {
	pems []string
}

func (s staticCreds) CandidateSecrets(ctx context.Context, partner, origin string) ([]string, error) {
	return nil, nil
}

func (s staticCreds) PublicKeys(ctx context.Context, partner, origin string) ([]string, error) {
	return s.pems, nil
}

const testSeller = "A1SELLER"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:amazondb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&orderdomain.Order{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Exec(
		`CREATE UNIQUE INDEX ux_orders_channel_key ON orders (channel, origin, channel_order_id)`,
	).Error; err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestMapper(t *testing.T, pems ...string) (*Mapper, orderdomain.Repository) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	repo := orderrepo.Provide()
	mapper := New(Params{
		Log:    zap.NewNop(),
		GenID:  node,
		Creds:  staticCreds{pems: pems},
		Keys:   verify.NewKeyCache(),
		Orders: repo,
	})
	return mapper, repo
}

func signedHeaders(t *testing.T, key *rsa.PrivateKey, payload []byte, topic string) http.Header {
	t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	headers := http.Header{}
	headers.Set("X-Amazon-Signature", base64.StdEncoding.EncodeToString(sig))
	headers.Set("X-Amazon-Seller-Id", testSeller)
	headers.Set("X-Amazon-Notification-Type", topic)
	return headers
}

func generateKeyPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(block)
}

func TestVerifyRSA(t *testing.T) {
	key, pub := generateKeyPEM(t)
	payload := []byte(`{"amazon_order_id":"171-1"}`)

	mapper, _ := newTestMapper(t, pub)
	headers := signedHeaders(t, key, payload, "ORDER_CHANGE")
	if err := mapper.Verify(context.Background(), testSeller, payload, headers); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	// A different key does not verify.
	otherKey, _ := generateKeyPEM(t)
	headers = signedHeaders(t, otherKey, payload, "ORDER_CHANGE")
	if err := mapper.Verify(context.Background(), testSeller, payload, headers); err != ingestdomain.ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// No keys configured anywhere.
	mapper, _ = newTestMapper(t)
	headers = signedHeaders(t, key, payload, "ORDER_CHANGE")
	if err := mapper.Verify(context.Background(), testSeller, payload, headers); err != ingestdomain.ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestVerifyIgnoresUnconfiguredCertURL(t *testing.T) {
	forgerKey, forgerPub := generateKeyPEM(t)
	payload := []byte(`{"amazon_order_id":"171-666"}`)

	var hits atomic.Int32
	forger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, forgerPub)
	}))
	defer forger.Close()

	// Zero configured keys and no trusted key URL: a self-signed delivery
	// naming its own key host must not authenticate.
	mapper, _ := newTestMapper(t)
	headers := signedHeaders(t, forgerKey, payload, "ORDER_CHANGE")
	headers.Set("X-Amazon-Cert-Url", forger.URL)
	if err := mapper.Verify(context.Background(), testSeller, payload, headers); err != ingestdomain.ErrNoSecret {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("forger-hosted key endpoint was contacted %d times", hits.Load())
	}
}

func TestVerifyCertURLRestrictedToTrustedHost(t *testing.T) {
	sellerKey, sellerPub := generateKeyPEM(t)
	forgerKey, forgerPub := generateKeyPEM(t)
	payload := []byte(`{"amazon_order_id":"171-667"}`)

	trusted := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sellerPub)
	}))
	defer trusted.Close()

	var forgerHits atomic.Int32
	forger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forgerHits.Add(1)
		fmt.Fprint(w, forgerPub)
	}))
	defer forger.Close()

	mapper, _ := newTestMapper(t)
	mapper.keyURL = trusted.URL

	// A foreign cert URL falls back to the trusted endpoint, so the
	// forger's signature never matches.
	headers := signedHeaders(t, forgerKey, payload, "ORDER_CHANGE")
	headers.Set("X-Amazon-Cert-Url", forger.URL)
	if err := mapper.Verify(context.Background(), testSeller, payload, headers); err != ingestdomain.ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if forgerHits.Load() != 0 {
		t.Fatalf("forger-hosted key endpoint was contacted %d times", forgerHits.Load())
	}

	// A cert URL on the trusted host verifies a genuinely signed delivery.
	headers = signedHeaders(t, sellerKey, payload, "ORDER_CHANGE")
	headers.Set("X-Amazon-Cert-Url", trusted.URL)
	if err := mapper.Verify(context.Background(), testSeller, payload, headers); err != nil {
		t.Fatalf("expected trusted-host key to verify, got %v", err)
	}
}

func TestOrderChangeCreatesAndAdvances(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	created := []byte(`{"amazon_order_id":"171-100","order_status":"Unshipped","order_total":{"amount":129900,"currency":"INR"},"buyer_name":"Meera"}`)
	result, err := mapper.Handle(ctx, db, testSeller, "ORDER_CHANGE", created)
	if err != nil {
		t.Fatal(err)
	}
	if !result.StatusChanged || result.OrderStatus != orderdomain.OrderConfirmed {
		t.Fatal("UNSHIPPED should land the order at CONFIRMED")
	}

	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, testSeller, "171-100")
	if err != nil {
		t.Fatal(err)
	}
	if order == nil || order.Status != orderdomain.OrderConfirmed {
		t.Fatal("expected a CONFIRMED marketplace order")
	}
	if order.TotalAmount != 129900 {
		t.Fatalf("expected total 129900, got %d", order.TotalAmount)
	}

	shipped := []byte(`{"amazon_order_id":"171-100","order_status":"Shipped"}`)
	result, err = mapper.Handle(ctx, db, testSeller, "ORDER_CHANGE", shipped)
	if err != nil {
		t.Fatal(err)
	}
	if !result.StatusChanged || result.OrderStatus != orderdomain.OrderShipped {
		t.Fatal("expected SHIPPED to apply")
	}
}

func TestOrderChangeTerminalGuard(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	delivered := []byte(`{"amazon_order_id":"171-200","order_status":"Delivered"}`)
	if _, err := mapper.Handle(ctx, db, testSeller, "ORDER_CHANGE", delivered); err != nil {
		t.Fatal(err)
	}

	// A late cancellation must not undo the delivery.
	cancelled := []byte(`{"amazon_order_id":"171-200","order_status":"Canceled"}`)
	result, err := mapper.Handle(ctx, db, testSeller, "ORDER_CHANGE", cancelled)
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusChanged {
		t.Fatal("terminal order must not change")
	}

	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, testSeller, "171-200")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != orderdomain.OrderDelivered {
		t.Fatalf("expected DELIVERED to stick, got %s", order.Status)
	}
}

func TestUnknownStatusLeavesOrderAlone(t *testing.T) {
	db := openTestDB(t)
	mapper, repo := newTestMapper(t)
	ctx := context.Background()

	payload := []byte(`{"amazon_order_id":"171-300","order_status":"PendingAvailability"}`)
	result, err := mapper.Handle(ctx, db, testSeller, "ORDER_CHANGE", payload)
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusChanged {
		t.Fatal("unmapped status must not report a change")
	}

	order, err := repo.FindByChannelOrderID(ctx, db, PartnerName, testSeller, "171-300")
	if err != nil {
		t.Fatal(err)
	}
	if order == nil || order.Status != orderdomain.OrderNew {
		t.Fatal("order should exist and stay NEW")
	}
}

func TestReportTopicsAreAcknowledged(t *testing.T) {
	db := openTestDB(t)
	mapper, _ := newTestMapper(t)

	if _, err := mapper.Handle(context.Background(), db, testSeller, "FEED_PROCESSING_FINISHED", []byte(`{}`)); err != nil {
		t.Fatalf("report topics carry no order facts but must succeed, got %v", err)
	}
	if _, err := mapper.Handle(context.Background(), db, testSeller, "ANY_OTHER_TYPE", []byte(`{}`)); err != ingestdomain.ErrTopicIgnored {
		t.Fatalf("expected ErrTopicIgnored, got %v", err)
	}
}
