package amazon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/config"
	"github.com/orderpulse/orderpulse/internal/credentials"
	ingestdomain "github.com/orderpulse/orderpulse/internal/ingest/domain"
	"github.com/orderpulse/orderpulse/internal/ingest/verify"
	orderdomain "github.com/orderpulse/orderpulse/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	PartnerName = "amazon"

	headerSignature        = "X-Amazon-Signature"
	headerSellerID         = "X-Amazon-Seller-Id"
	headerNotificationType = "X-Amazon-Notification-Type"
	headerCertURL          = "X-Amazon-Cert-Url"
)

const (
	topicOrderChange            = "ORDER_CHANGE"
	topicFeedProcessingFinished = "FEED_PROCESSING_FINISHED"
	topicReportProcessingDone   = "REPORT_PROCESSING_FINISHED"
)

// orderStatusTable translates Amazon's order states onto the canonical
// lifecycle. States outside the table leave the order untouched.
var orderStatusTable = map[string]orderdomain.OrderStatus{
	"UNSHIPPED":        orderdomain.OrderConfirmed,
	"PARTIALLYSHIPPED": orderdomain.OrderPacked,
	"SHIPPED":          orderdomain.OrderShipped,
	"DELIVERED":        orderdomain.OrderDelivered,
	"CANCELED":         orderdomain.OrderCancelled,
}

type Params struct {
	fx.In

	Log    *zap.Logger
	GenID  *snowflake.Node
	Cfg    config.Config
	Creds  credentials.Service
	Keys   *verify.KeyCache
	Orders orderdomain.Repository
}

type Mapper struct {
	log    *zap.Logger
	genID  *snowflake.Node
	creds  credentials.Service
	keys   *verify.KeyCache
	orders orderdomain.Repository

	// keyURL is the configured signing-key endpoint. Cert URLs arriving
	// in headers are honored only when they point at the same host.
	keyURL string
}

func New(p Params) *Mapper {
	return &Mapper{
		log:    p.Log.Named("ingest.amazon"),
		genID:  p.GenID,
		creds:  p.Creds,
		keys:   p.Keys,
		orders: p.Orders,
		keyURL: strings.TrimSpace(p.Cfg.AmazonPublicKeyURL),
	}
}

func (m *Mapper) Partner() string { return PartnerName }

func (m *Mapper) Resolve(payload []byte, headers http.Header) (string, string, error) {
	origin := strings.TrimSpace(headers.Get(headerSellerID))
	topic := strings.TrimSpace(headers.Get(headerNotificationType))
	if origin == "" || topic == "" {
		return "", "", ingestdomain.ErrMissingHeader
	}
	return origin, topic, nil
}

// Verify checks the RSA signature against every configured public key for
// the seller, then against the key served at the trusted signing-key URL.
// The certificate URL header never widens trust: a delivery cannot name an
// arbitrary host and have its key believed. Key fetches happen at most
// once per URL; the cache serves them afterwards.
func (m *Mapper) Verify(ctx context.Context, origin string, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(headerSignature))
	if signature == "" {
		return ingestdomain.ErrInvalidSignature
	}

	pems, err := m.creds.PublicKeys(ctx, PartnerName, origin)
	if err != nil {
		return err
	}
	if keyURL := m.signingKeyURL(headers); keyURL != "" {
		pem, err := m.keys.Get(ctx, keyURL)
		if err != nil {
			m.log.Warn("signing key fetch failed", zap.String("url", keyURL), zap.Error(err))
		} else {
			pems = append(pems, pem)
		}
	}
	if len(pems) == 0 {
		return ingestdomain.ErrNoSecret
	}

	for _, pem := range pems {
		if verify.RSASHA256(payload, signature, pem) == nil {
			return nil
		}
	}
	return ingestdomain.ErrInvalidSignature
}

// signingKeyURL resolves which key endpoint, if any, to fetch for this
// delivery. Without a configured key URL there is no trust anchor and no
// fetch happens at all. A header cert URL is used only when it shares the
// configured endpoint's scheme and host; anything else falls back to the
// configured URL itself.
func (m *Mapper) signingKeyURL(headers http.Header) string {
	if m.keyURL == "" {
		return ""
	}
	header := strings.TrimSpace(headers.Get(headerCertURL))
	if header == "" {
		return m.keyURL
	}
	trusted, err := url.Parse(m.keyURL)
	if err != nil {
		return m.keyURL
	}
	claimed, err := url.Parse(header)
	if err != nil || claimed.Scheme != trusted.Scheme || !strings.EqualFold(claimed.Host, trusted.Host) {
		m.log.Warn("untrusted cert url ignored", zap.String("url", header))
		return m.keyURL
	}
	return header
}

type notification struct {
	OrderID     string `json:"amazon_order_id"`
	OrderStatus string `json:"order_status"`
	Total       struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"order_total"`
	BuyerName string `json:"buyer_name"`
}

func (m *Mapper) Handle(ctx context.Context, tx *gorm.DB, origin, topic string, payload []byte) (*ingestdomain.Result, error) {
	switch topic {
	case topicOrderChange:
		return m.handleOrderChange(ctx, tx, origin, payload)
	case topicFeedProcessingFinished, topicReportProcessingDone:
		// Processing reports carry no order facts we track.
		return &ingestdomain.Result{}, nil
	default:
		return nil, ingestdomain.ErrTopicIgnored
	}
}

func (m *Mapper) handleOrderChange(ctx context.Context, tx *gorm.DB, origin string, payload []byte) (*ingestdomain.Result, error) {
	var body notification
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ingestdomain.ErrInvalidPayload
	}
	if body.OrderID == "" {
		return nil, ingestdomain.ErrInvalidPayload
	}

	now := time.Now().UTC()
	existing, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, body.OrderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		order := &orderdomain.Order{
			ID:             m.genID.Generate(),
			Channel:        PartnerName,
			Origin:         origin,
			ChannelOrderID: body.OrderID,
			Status:         orderdomain.OrderNew,
			PaymentMode:    orderdomain.PaymentPrepaid,
			CustomerName:   body.BuyerName,
			TotalAmount:    body.Total.Amount,
			Currency:       body.Total.Currency,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := m.orders.InsertOrder(ctx, tx, order)
		if err != nil {
			return nil, err
		}
		if !inserted {
			refetched, err := m.orders.FindByChannelOrderID(ctx, tx, PartnerName, origin, body.OrderID)
			if err != nil {
				return nil, err
			}
			if refetched == nil {
				return nil, orderdomain.ErrOrderNotFound
			}
			existing = refetched
		} else {
			existing = order
		}
	}

	mapped, ok := orderStatusTable[strings.ToUpper(strings.TrimSpace(body.OrderStatus))]
	if !ok || mapped == existing.Status {
		return &ingestdomain.Result{OrderID: existing.ID}, nil
	}
	if existing.Status.Terminal() {
		m.log.Warn("order change ignored for terminal order",
			zap.Int64("order_id", int64(existing.ID)),
			zap.String("status", string(existing.Status)),
		)
		return &ingestdomain.Result{OrderID: existing.ID}, nil
	}

	if err := m.orders.UpdateStatus(ctx, tx, existing.ID, mapped, now); err != nil {
		return nil, err
	}
	return &ingestdomain.Result{
		OrderID:         existing.ID,
		OrderStatus:     mapped,
		StatusChanged:   true,
		RecomputeProfit: mapped == orderdomain.OrderDelivered || mapped == orderdomain.OrderCancelled,
	}, nil
}

var _ ingestdomain.Mapper = (*Mapper)(nil)
