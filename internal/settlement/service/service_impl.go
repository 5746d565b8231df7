package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/config"
	"github.com/orderpulse/orderpulse/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Recon *config.ReconConfigHolder
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	recon *config.ReconConfigHolder
}

func New(p Params) domain.Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("settlement"),
		genID: p.GenID,
		repo:  p.Repo,
		recon: p.Recon,
	}
}

// RecordPayment opens a PENDING record for a captured payment. The second
// arrival of the same capture, whether from a webhook or a reconciliation
// pull, leaves the existing row alone.
func (s *service) RecordPayment(ctx context.Context, db *gorm.DB, orderID snowflake.ID, capture domain.PaymentCapture) (*domain.Record, bool, error) {
	if db == nil {
		db = s.db
	}
	if capture.PaymentID == "" {
		return nil, false, domain.ErrInvalidSettlement
	}

	now := time.Now().UTC()
	expected := capture.CapturedAt.UTC().AddDate(0, 0, s.recon.Get().SettlementDays("razorpay"))
	rec := &domain.Record{
		ID:               s.genID.Generate(),
		OrderID:          orderID,
		GatewayPaymentID: capture.PaymentID,
		Amount:           capture.Amount,
		Fee:              capture.Fee,
		Tax:              capture.Tax,
		NetAmount:        capture.Amount - capture.Fee - capture.Tax,
		Status:           domain.StatusPending,
		ExpectedAt:       &expected,
		RawResponse:      rawJSON(capture.Raw),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	inserted, err := s.repo.Insert(ctx, db, rec)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := s.repo.FindByPaymentID(ctx, db, orderID, capture.PaymentID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return rec, true, nil
}

// RecordSettlement applies a processed payout to the order's record. A row
// already carrying this settlement id means the notice was seen before, via
// either path, and nothing changes.
func (s *service) RecordSettlement(ctx context.Context, db *gorm.DB, orderID snowflake.ID, notice domain.SettlementNotice) (*domain.Record, bool, error) {
	if db == nil {
		db = s.db
	}
	if notice.SettlementID == "" {
		return nil, false, domain.ErrInvalidSettlement
	}

	existing, err := s.repo.FindBySettlementID(ctx, db, orderID, notice.SettlementID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	settledAt := notice.SettledAt.UTC()
	if settledAt.IsZero() {
		settledAt = time.Now().UTC()
	}

	pending, err := s.repo.FindPendingForOrder(ctx, db, orderID)
	if err != nil {
		return nil, false, err
	}
	if pending != nil {
		if err := s.repo.AttachSettlement(ctx, db, pending.ID, notice.SettlementID, notice.UTR, settledAt); err != nil {
			return nil, false, err
		}
		if _, err := s.advance(ctx, db, pending.ID, pending.Status, domain.StatusSettled, settledAt); err != nil {
			return nil, false, err
		}
		pending.GatewaySettlementID = notice.SettlementID
		pending.UTR = notice.UTR
		pending.SettledAt = &settledAt
		pending.Status = domain.StatusSettled
		return pending, true, nil
	}

	// No capture was ever seen for this order; the pull is the first word.
	rec := &domain.Record{
		ID:                  s.genID.Generate(),
		OrderID:             orderID,
		GatewaySettlementID: notice.SettlementID,
		UTR:                 notice.UTR,
		Amount:              notice.Amount,
		Fee:                 notice.Fee,
		Tax:                 notice.Tax,
		NetAmount:           notice.Amount - notice.Fee - notice.Tax,
		Status:              domain.StatusSettled,
		SettledAt:           &settledAt,
		RawResponse:         rawJSON(notice.Raw),
		CreatedAt:           settledAt,
		UpdatedAt:           settledAt,
	}
	inserted, err := s.repo.Insert(ctx, db, rec)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		// Lost a race with the other delivery path for this settlement id.
		existing, err := s.repo.FindBySettlementID(ctx, db, orderID, notice.SettlementID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return rec, true, nil
}

// ApplyProcessedSettlement settles the records linked to a gateway
// settlement id. Rows already SETTLED or BANK_CREDITED are untouched, so a
// webhook arriving after the reconciliation pull changes nothing.
func (s *service) ApplyProcessedSettlement(ctx context.Context, db *gorm.DB, settlementID, utr string, at time.Time) (int, error) {
	if db == nil {
		db = s.db
	}
	if settlementID == "" {
		return 0, domain.ErrInvalidSettlement
	}

	records, err := s.repo.ListBySettlementID(ctx, db, settlementID)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, rec := range records {
		applied, err := s.advance(ctx, db, rec.ID, rec.Status, domain.StatusSettled, at.UTC())
		if err != nil {
			return advanced, err
		}
		if !applied {
			continue
		}
		if rec.UTR == "" && utr != "" {
			if err := s.repo.AttachSettlement(ctx, db, rec.ID, settlementID, utr, at.UTC()); err != nil {
				return advanced, err
			}
		}
		advanced++
	}
	return advanced, nil
}

// RecordBankCredit moves every settled record under the given UTR to
// BANK_CREDITED. Returns how many rows advanced.
func (s *service) RecordBankCredit(ctx context.Context, db *gorm.DB, utr string, at time.Time) (int, error) {
	if db == nil {
		db = s.db
	}
	if utr == "" {
		return 0, domain.ErrInvalidSettlement
	}

	records, err := s.repo.ListByUTR(ctx, db, utr)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, rec := range records {
		applied, err := s.advance(ctx, db, rec.ID, rec.Status, domain.StatusBankCredited, at.UTC())
		if err != nil {
			return advanced, err
		}
		if applied {
			advanced++
		}
	}
	return advanced, nil
}

// Advance validates the requested transition against the lifecycle table.
// Disallowed transitions are logged and ignored.
func (s *service) Advance(ctx context.Context, db *gorm.DB, id snowflake.ID, to domain.Status) (bool, error) {
	if db == nil {
		db = s.db
	}
	rec, err := s.find(ctx, db, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, domain.ErrSettlementNotFound
	}
	return s.advance(ctx, db, id, rec.Status, to, time.Now().UTC())
}

func (s *service) advance(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, at time.Time) (bool, error) {
	if from == to {
		return false, nil
	}
	if !domain.CanAdvance(from, to) {
		s.log.Debug("settlement transition ignored",
			zap.Int64("settlement_id", int64(id)),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false, nil
	}
	return s.repo.UpdateStatus(ctx, db, id, from, to, at)
}

// SweepOverdue escalates PENDING records whose expected settlement date has
// passed. An OVERDUE record still settles normally when the money shows up.
func (s *service) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	cfg := s.recon.Get()
	swept := 0
	for {
		batch, err := s.repo.ListPendingBefore(ctx, s.db, now.UTC(), cfg.BatchSize)
		if err != nil {
			return swept, err
		}
		if len(batch) == 0 {
			return swept, nil
		}
		progressed := false
		for _, rec := range batch {
			applied, err := s.advance(ctx, s.db, rec.ID, rec.Status, domain.StatusOverdue, now.UTC())
			if err != nil {
				return swept, err
			}
			if applied {
				swept++
				progressed = true
			}
		}
		if !progressed {
			return swept, nil
		}
		if len(batch) < cfg.BatchSize {
			return swept, nil
		}
	}
}

func (s *service) find(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, status FROM settlement_records WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func rawJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return datatypes.JSON(raw)
}
