package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/itsknk/referral-system-assesment/internal/fees"
)

type User struct {
	ID           int64
	Username     string
	ReferralCode string
	ReferrerID   *int64
	IsTreasury   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Trade struct {
	ID         int64
	TradeID    string
	Chain      string
	TraderID   int64
	FeeToken   string
	FeeAmount  decimal.Decimal
	ExecutedAt time.Time
	CreatedAt  time.Time
}

type AccrualEntry struct {
	ID            int64
	TradePK       int64
	Chain         string
	BeneficiaryID int64
	Kind          fees.Kind
	Token         string
	Amount        decimal.Decimal
	ExecutedAt    time.Time
	CreatedAt     time.Time
}

type IngestStatus string

const (
	IngestCreated   IngestStatus = "created"
	IngestDuplicate IngestStatus = "duplicate"
)

type IngestRequest struct {
	TradeID    string
	Chain      string
	TraderID   int64
	FeeToken   string
	FeeAmount  decimal.Decimal
	ExecutedAt time.Time
}

type IngestResult struct {
	Status  IngestStatus
	Trade   Trade
	Entries []AccrualEntry
}

type ClaimLine struct {
	Kind   fees.Kind
	Amount decimal.Decimal
}

type ClaimPreview struct {
	UserID int64
	Token  string
	Total  decimal.Decimal
	Lines  []ClaimLine
}

type ClaimResult struct {
	BatchID uuid.UUID
	UserID  int64
	Token   string
	Amount  decimal.Decimal
	Lines   []ClaimLine
}

type PayoutBatch struct {
	ID        int64
	BatchID   uuid.UUID
	UserID    int64
	Token     string
	Amount    decimal.Decimal
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type EarningsQuery struct {
	UserID           int64
	From             *time.Time
	To               *time.Time
	IncludeBreakdown bool
	BreakdownLimit   int
}

type EarningsLine struct {
	Kind    fees.Kind
	Token   string
	Accrued decimal.Decimal
	Claimed decimal.Decimal
}

type EarningsReport struct {
	UserID       int64
	Windowed     bool
	TotalAccrued decimal.Decimal
	TotalClaimed decimal.Decimal
	Lines        []EarningsLine
	Breakdown    []AccrualEntry
}

type NetworkLevel struct {
	Level int
	Users []User
}
