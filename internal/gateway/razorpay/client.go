package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/orderpulse/orderpulse/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	pageSize       = 100
	maxAttempts    = 3
	requestTimeout = 30 * time.Second
	backoffBase    = 500 * time.Millisecond
)

var (
	ErrUnauthorized   = errors.New("gateway_unauthorized")
	ErrGatewayFailure = errors.New("gateway_failure")
)

var Module = fx.Module("gateway.razorpay",
	fx.Provide(NewClient),
)

// Payment is a captured payment as reported by the gateway.
type Payment struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Amount    int64           `json:"amount"`
	Fee       int64           `json:"fee"`
	Tax       int64           `json:"tax"`
	Status    string          `json:"status"`
	Method    string          `json:"method"`
	CreatedAt int64           `json:"created_at"`
	Raw       json.RawMessage `json:"-"`
}

// SettlementEntry is one row of the gateway's settlement reconciliation
// report, linking a payment to the settlement batch that paid it out.
type SettlementEntry struct {
	PaymentID    string `json:"entity_id"`
	OrderID      string `json:"order_id"`
	SettlementID string `json:"settlement_id"`
	Amount       int64  `json:"amount"`
	Fee          int64  `json:"fee"`
	Tax          int64  `json:"tax"`
	UTR          string `json:"settlement_utr"`
	SettledAt    int64  `json:"settled_at"`
}

// Client pulls payment and settlement truth from the gateway API.
type Client interface {
	FetchPayments(ctx context.Context, from, to time.Time) ([]Payment, error)
	FetchSettlementRecon(ctx context.Context, from, to time.Time) ([]SettlementEntry, error)
}

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

type client struct {
	base      string
	keyID     string
	keySecret string
	http      *http.Client
	log       *zap.Logger
}

func NewClient(p Params) Client {
	return &client{
		base:      p.Cfg.RazorpayAPIBase,
		keyID:     p.Cfg.RazorpayKeyID,
		keySecret: p.Cfg.RazorpayKeySecret,
		http:      &http.Client{Timeout: requestTimeout},
		log:       p.Log.Named("gateway.razorpay"),
	}
}

type collection struct {
	Count int               `json:"count"`
	Items []json.RawMessage `json:"items"`
}

func (c *client) FetchPayments(ctx context.Context, from, to time.Time) ([]Payment, error) {
	var payments []Payment
	err := c.paginate(ctx, "/payments", from, to, func(item json.RawMessage) error {
		var payment Payment
		if err := json.Unmarshal(item, &payment); err != nil {
			return err
		}
		payment.Raw = item
		payments = append(payments, payment)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (c *client) FetchSettlementRecon(ctx context.Context, from, to time.Time) ([]SettlementEntry, error) {
	var entries []SettlementEntry
	err := c.paginate(ctx, "/settlements/recon/combined", from, to, func(item json.RawMessage) error {
		var entry SettlementEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *client) paginate(ctx context.Context, path string, from, to time.Time, visit func(json.RawMessage) error) error {
	skip := 0
	for {
		query := url.Values{}
		query.Set("from", strconv.FormatInt(from.Unix(), 10))
		query.Set("to", strconv.FormatInt(to.Unix(), 10))
		query.Set("count", strconv.Itoa(pageSize))
		query.Set("skip", strconv.Itoa(skip))

		body, err := c.get(ctx, path+"?"+query.Encode())
		if err != nil {
			return err
		}

		var page collection
		if err := json.Unmarshal(body, &page); err != nil {
			return err
		}
		for _, item := range page.Items {
			if err := visit(item); err != nil {
				return err
			}
		}
		if len(page.Items) < pageSize {
			return nil
		}
		skip += pageSize
	}
}

// get issues one authenticated request with bounded retries. Client errors
// are final; server and transport errors retry with backoff.
func (c *client) get(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffBase << (attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.keyID, c.keySecret)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warn("gateway request failed", zap.String("path", path), zap.Error(err))
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, ErrUnauthorized
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: status %d", ErrGatewayFailure, resp.StatusCode)
			c.log.Warn("gateway server error",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
			)
		default:
			return nil, fmt.Errorf("%w: status %d", ErrGatewayFailure, resp.StatusCode)
		}
	}
	return nil, lastErr
}
