package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/orderpulse/orderpulse/internal/account/domain"
	"github.com/orderpulse/orderpulse/internal/clock"
	"github.com/orderpulse/orderpulse/internal/config"
	gateway "github.com/orderpulse/orderpulse/internal/gateway/razorpay"
	obsmetrics "github.com/orderpulse/orderpulse/internal/observability/metrics"
	orderdomain "github.com/orderpulse/orderpulse/internal/order/domain"
	"github.com/orderpulse/orderpulse/internal/profit"
	"github.com/orderpulse/orderpulse/internal/ratelimit"
	"github.com/orderpulse/orderpulse/internal/realtime"
	settlementdomain "github.com/orderpulse/orderpulse/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnsupportedPartner = errors.New("unsupported_partner")
	ErrSyncInProgress     = errors.New("sync_in_progress")
)

var Module = fx.Module("recon",
	fx.Provide(NewService),
)

// Report summarizes one sync run. Errors carries one entry per record
// that could not be applied; the run itself keeps going.
type Report struct {
	Synced int      `json:"synced"`
	Errors []string `json:"errors"`
}

// Service reconciles gateway truth against local settlement records.
type Service interface {
	Sync(ctx context.Context, partner string, daysBack int) (Report, error)
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Gateway     gateway.Client
	Orders      orderdomain.Repository
	Settlements settlementdomain.Service
	Profit      profit.Service
	Accounts    accountdomain.Repository
	Hub         *realtime.Hub
	Recon       *config.ReconConfigHolder
	Limiter     *ratelimit.Limiter  `optional:"true"`
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	gateway     gateway.Client
	orders      orderdomain.Repository
	settlements settlementdomain.Service
	profit      profit.Service
	accounts    accountdomain.Repository
	hub         *realtime.Hub
	recon       *config.ReconConfigHolder
	limiter     *ratelimit.Limiter
	metrics     *obsmetrics.Metrics
}

func NewService(p Params) Service {
	return &service{
		db:          p.DB,
		log:         p.Log.Named("recon"),
		clock:       p.Clock,
		gateway:     p.Gateway,
		orders:      p.Orders,
		settlements: p.Settlements,
		profit:      p.Profit,
		accounts:    p.Accounts,
		hub:         p.Hub,
		recon:       p.Recon,
		limiter:     p.Limiter,
		metrics:     p.Metrics,
	}
}

// Sync pulls captured payments and processed settlements for the trailing
// window and folds them into local records. Webhooks that already carried
// the same facts leave nothing to do; every write is idempotent on the
// gateway's external ids.
func (s *service) Sync(ctx context.Context, partner string, daysBack int) (Report, error) {
	if !strings.EqualFold(strings.TrimSpace(partner), "razorpay") {
		return Report{}, ErrUnsupportedPartner
	}
	if daysBack <= 0 {
		daysBack = s.recon.Get().SyncWindowDays
	}

	// Manual and scheduled runs share one lock per partner.
	token, acquired, err := s.limiter.TryLockSync(ctx, "razorpay")
	if err != nil {
		return Report{}, err
	}
	if !acquired {
		return Report{}, ErrSyncInProgress
	}
	defer func() {
		if err := s.limiter.ReleaseSync(ctx, "razorpay", token); err != nil {
			s.log.Warn("failed to release sync lock", zap.Error(err))
		}
	}()

	to := s.clock.Now()
	from := to.AddDate(0, 0, -daysBack)
	report := Report{}
	affected := make(map[snowflake.ID]struct{})

	payments, err := s.gateway.FetchPayments(ctx, from, to)
	if err != nil {
		return report, err
	}
	for _, payment := range payments {
		if !strings.EqualFold(payment.Status, "captured") {
			continue
		}
		if err := s.applyPayment(ctx, payment, affected); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("payment %s: %v", payment.ID, err))
			s.metrics.RecordReconError(ctx, partner)
			continue
		}
		report.Synced++
	}

	entries, err := s.gateway.FetchSettlementRecon(ctx, from, to)
	if err != nil {
		// Payments already applied; report the phase failure and keep
		// what we have.
		report.Errors = append(report.Errors, fmt.Sprintf("settlement recon fetch: %v", err))
		s.metrics.RecordReconError(ctx, partner)
	} else {
		for _, entry := range entries {
			mutated, orderID, err := s.applySettlement(ctx, entry)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("settlement %s: %v", entry.SettlementID, err))
				s.metrics.RecordReconError(ctx, partner)
				continue
			}
			if mutated {
				report.Synced++
				affected[orderID] = struct{}{}
				s.notifySettled(ctx, orderID)
			}
		}
	}

	for orderID := range affected {
		if err := s.profit.Recompute(ctx, orderID); err != nil {
			s.log.Error("profit recompute failed",
				zap.Int64("order_id", int64(orderID)),
				zap.Error(err),
			)
		}
	}

	s.metrics.RecordReconSynced(ctx, partner, int64(report.Synced))
	s.log.Info("reconciliation run finished",
		zap.String("partner", partner),
		zap.Int("synced", report.Synced),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (s *service) applyPayment(ctx context.Context, payment gateway.Payment, affected map[snowflake.ID]struct{}) error {
	if payment.OrderID == "" {
		return errors.New("no gateway order id")
	}
	order, err := s.orders.FindByGatewayOrderID(ctx, s.db, payment.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found", payment.OrderID)
	}

	capture := settlementdomain.PaymentCapture{
		PaymentID:  payment.ID,
		Amount:     payment.Amount,
		Fee:        payment.Fee,
		Tax:        payment.Tax,
		CapturedAt: time.Unix(payment.CreatedAt, 0).UTC(),
		Raw:        payment.Raw,
	}
	_, created, err := s.settlements.RecordPayment(ctx, s.db, order.ID, capture)
	if err != nil {
		return err
	}
	if created {
		affected[order.ID] = struct{}{}
	}
	return nil
}

func (s *service) applySettlement(ctx context.Context, entry gateway.SettlementEntry) (bool, snowflake.ID, error) {
	if entry.SettlementID == "" {
		return false, 0, errors.New("no settlement id")
	}
	if entry.OrderID == "" {
		return false, 0, errors.New("no gateway order id")
	}
	order, err := s.orders.FindByGatewayOrderID(ctx, s.db, entry.OrderID)
	if err != nil {
		return false, 0, err
	}
	if order == nil {
		return false, 0, fmt.Errorf("order %s not found", entry.OrderID)
	}

	notice := settlementdomain.SettlementNotice{
		SettlementID: entry.SettlementID,
		UTR:          entry.UTR,
		Amount:       entry.Amount,
		Fee:          entry.Fee,
		Tax:          entry.Tax,
		SettledAt:    time.Unix(entry.SettledAt, 0).UTC(),
	}
	_, mutated, err := s.settlements.RecordSettlement(ctx, s.db, order.ID, notice)
	if err != nil {
		return false, 0, err
	}
	return mutated, order.ID, nil
}

func (s *service) notifySettled(ctx context.Context, orderID snowflake.ID) {
	userIDs, err := s.accounts.OrderOwnerUserIDs(ctx, orderID)
	if err != nil || len(userIDs) == 0 {
		return
	}
	update := map[string]any{
		"order_id":          orderID,
		"settlement_status": settlementdomain.StatusSettled,
		"reason":            "gateway_reconciliation",
		"updated_at":        s.clock.Now().UTC(),
	}
	if order, err := s.orders.FindByID(ctx, s.db, orderID); err == nil && order != nil {
		update["channel"] = order.Channel
		update["origin"] = order.Origin
		update["channel_order_id"] = order.ChannelOrderID
		update["status"] = order.Status
	}
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	s.hub.Publish(userIDs, realtime.Message{Type: realtime.MessageOrderUpdate, Data: data})
	s.metrics.RecordRealtimePublished(ctx, realtime.MessageOrderUpdate)
}
