package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrSettlementNotFound = errors.New("settlement_not_found")
	ErrInvalidSettlement  = errors.New("invalid_settlement")
)

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusSettled      Status = "SETTLED"
	StatusFailed       Status = "FAILED"
	StatusOverdue      Status = "OVERDUE"
	StatusBankCredited Status = "BANK_CREDITED"
)

// transitions is the full lifecycle. Anything not listed is a silent no-op:
// out-of-order partner callbacks must not corrupt a record that already
// moved on.
var transitions = map[Status][]Status{
	StatusPending: {StatusSettled, StatusFailed, StatusOverdue},
	StatusOverdue: {StatusSettled, StatusBankCredited},
	StatusSettled: {StatusBankCredited},
}

// CanAdvance reports whether a settlement may move from one status to another.
func CanAdvance(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Record tracks one expected payout from the payment gateway against an
// order. A record is born PENDING when the payment is captured and walks
// the lifecycle as gateway callbacks and reconciliation pulls arrive.
type Record struct {
	ID      snowflake.ID `gorm:"primaryKey" json:"id"`
	OrderID snowflake.ID `gorm:"column:order_id" json:"order_id"`

	GatewayPaymentID    string `gorm:"column:gateway_payment_id" json:"gateway_payment_id"`
	GatewaySettlementID string `gorm:"column:gateway_settlement_id" json:"gateway_settlement_id"`
	UTR                 string `gorm:"column:utr" json:"utr"`

	// Amounts are minor currency units. Net = Amount - Fee - Tax.
	Amount    int64 `gorm:"column:amount" json:"amount"`
	Fee       int64 `gorm:"column:fee" json:"fee"`
	Tax       int64 `gorm:"column:tax" json:"tax"`
	NetAmount int64 `gorm:"column:net_amount" json:"net_amount"`

	Status Status `gorm:"column:status" json:"status"`

	ExpectedAt *time.Time `gorm:"column:expected_at" json:"expected_at"`
	SettledAt  *time.Time `gorm:"column:settled_at" json:"settled_at"`

	RawResponse datatypes.JSON `gorm:"column:raw_response" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Record) TableName() string { return "settlement_records" }

// PaymentCapture is the gateway's notice that money was collected for an
// order. It opens a PENDING settlement record.
type PaymentCapture struct {
	PaymentID  string
	Amount     int64
	Fee        int64
	Tax        int64
	CapturedAt time.Time
	Raw        []byte
}

// SettlementNotice is the gateway's notice that a payout batch covering the
// order was processed.
type SettlementNotice struct {
	SettlementID string
	UTR          string
	Amount       int64
	Fee          int64
	Tax          int64
	SettledAt    time.Time
	Raw          []byte
}

// Service is the settlement state tracker.
type Service interface {
	RecordPayment(ctx context.Context, db *gorm.DB, orderID snowflake.ID, capture PaymentCapture) (*Record, bool, error)
	RecordSettlement(ctx context.Context, db *gorm.DB, orderID snowflake.ID, notice SettlementNotice) (*Record, bool, error)
	// ApplyProcessedSettlement settles every record already linked to the
	// gateway settlement id. Records the reconciliation pull settled first
	// are recognized and skipped.
	ApplyProcessedSettlement(ctx context.Context, db *gorm.DB, settlementID, utr string, at time.Time) (int, error)
	RecordBankCredit(ctx context.Context, db *gorm.DB, utr string, at time.Time) (int, error)
	Advance(ctx context.Context, db *gorm.DB, id snowflake.ID, to Status) (bool, error)
	SweepOverdue(ctx context.Context, now time.Time) (int, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, rec *Record) (bool, error)
	FindByPaymentID(ctx context.Context, db *gorm.DB, orderID snowflake.ID, paymentID string) (*Record, error)
	FindBySettlementID(ctx context.Context, db *gorm.DB, orderID snowflake.ID, settlementID string) (*Record, error)
	FindPendingForOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*Record, error)
	ListByUTR(ctx context.Context, db *gorm.DB, utr string) ([]Record, error)
	ListBySettlementID(ctx context.Context, db *gorm.DB, settlementID string) ([]Record, error)
	AttachSettlement(ctx context.Context, db *gorm.DB, id snowflake.ID, settlementID, utr string, settledAt time.Time) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) (bool, error)
	ListPendingBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Record, error)
}
