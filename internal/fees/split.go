// Package fees computes how a trade fee is divided among the trader's
// cashback, referral commissions and the treasury remainder.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindCashback     Kind = "cashback"
	KindCommissionL1 Kind = "commission_l1"
	KindCommissionL2 Kind = "commission_l2"
	KindCommissionL3 Kind = "commission_l3"
	KindTreasury     Kind = "treasury"
)

// Kinds lists every accrual kind in split output order.
var Kinds = []Kind{KindCashback, KindCommissionL1, KindCommissionL2, KindCommissionL3, KindTreasury}

const (
	// MaxCommissionLevels is how far up the referral chain commissions reach.
	MaxCommissionLevels = 3

	// AmountPlaces is the fixed-point scale of every amount in the system.
	AmountPlaces = 6
)

var commissionKinds = [MaxCommissionLevels]Kind{KindCommissionL1, KindCommissionL2, KindCommissionL3}

// RateTable holds the configured fee fractions. Whatever the fractions do not
// allocate goes to the treasury.
type RateTable struct {
	Cashback decimal.Decimal
	Levels   [MaxCommissionLevels]decimal.Decimal
}

// DefaultRateTable returns the production defaults: 10% cashback, then
// 30% / 3% / 2% for the three commission levels.
func DefaultRateTable() RateTable {
	return RateTable{
		Cashback: decimal.RequireFromString("0.10"),
		Levels: [MaxCommissionLevels]decimal.Decimal{
			decimal.RequireFromString("0.30"),
			decimal.RequireFromString("0.03"),
			decimal.RequireFromString("0.02"),
		},
	}
}

func (t RateTable) Validate() error {
	if t.Cashback.IsNegative() {
		return fmt.Errorf("cashback rate must be non-negative")
	}
	total := t.Cashback
	for i, rate := range t.Levels {
		if rate.IsNegative() {
			return fmt.Errorf("level %d rate must be non-negative", i+1)
		}
		total = total.Add(rate)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("rate table allocates %s of the fee, must not exceed 1", total.String())
	}
	return nil
}

// SplitLine is one beneficiary's share of a trade fee.
type SplitLine struct {
	BeneficiaryID int64
	Kind          Kind
	Amount        decimal.Decimal
}

// Split divides fee among the trader's cashback, commissions for up to
// MaxCommissionLevels ancestors (nearest first) and the treasury remainder.
//
// Each cashback/commission amount is fee times its configured rate, rounded
// half-up to AmountPlaces. The treasury line is fee minus the sum of the
// others, taken exactly, so the output always sums to fee regardless of
// rounding. A level with no ancestor produces no line; its share stays in the
// remainder. Output order is fixed: cashback, present levels nearest first,
// treasury last.
func Split(fee decimal.Decimal, traderID int64, ancestors []int64, treasuryID int64, table RateTable) ([]SplitLine, error) {
	if fee.IsNegative() {
		return nil, fmt.Errorf("fee amount must be non-negative")
	}
	if traderID <= 0 {
		return nil, fmt.Errorf("trader id required")
	}
	if treasuryID <= 0 {
		return nil, fmt.Errorf("treasury id required")
	}
	if len(ancestors) > MaxCommissionLevels {
		return nil, fmt.Errorf("at most %d ancestors supported, got %d", MaxCommissionLevels, len(ancestors))
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	lines := make([]SplitLine, 0, len(ancestors)+2)

	cashback := roundShare(fee, table.Cashback)
	lines = append(lines, SplitLine{BeneficiaryID: traderID, Kind: KindCashback, Amount: cashback})
	allocated := cashback

	for i, ancestorID := range ancestors {
		if ancestorID <= 0 {
			return nil, fmt.Errorf("ancestor at level %d has invalid id %d", i+1, ancestorID)
		}
		amount := roundShare(fee, table.Levels[i])
		lines = append(lines, SplitLine{BeneficiaryID: ancestorID, Kind: commissionKinds[i], Amount: amount})
		allocated = allocated.Add(amount)
	}

	remainder := fee.Sub(allocated)
	if remainder.IsNegative() {
		// Only reachable when rounding pushes the allocation past a fee
		// smaller than the rounding unit; the treasury cannot owe money.
		return nil, fmt.Errorf("split allocated %s of a %s fee", allocated.String(), fee.String())
	}
	lines = append(lines, SplitLine{BeneficiaryID: treasuryID, Kind: KindTreasury, Amount: remainder})

	return lines, nil
}

// roundShare applies a rate and rounds half-up to the ledger scale.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative values handled here.
func roundShare(fee, rate decimal.Decimal) decimal.Decimal {
	return fee.Mul(rate).Round(AmountPlaces)
}
