package domain

import (
	"context"
	"errors"
	"sort"
	"time"
)

// PriceCacheTTL bounds how long upstream meter prices are reused before
// being fetched again.
const PriceCacheTTL = time.Hour

var (
	ErrUnknownMeter      = errors.New("unknown_meter")
	ErrNothingToCharge   = errors.New("nothing_to_charge")
	ErrInsufficientFunds = errors.New("insufficient_funds")
)

// Estimate is a fully priced quote for one export, broken down per meter.
type Estimate struct {
	LocationID      string           `json:"location_id"`
	ItemCounts      map[string]int64 `json:"item_counts"`
	CentsPrices     map[string]int64 `json:"cents_prices"`
	TotalItems      int64            `json:"total_items"`
	BaseCents       int64            `json:"base_amount_cents"`
	DiscountPercent int              `json:"discount_percent"`
	DiscountCents   int64            `json:"discount_amount_cents"`
	FinalCents      int64            `json:"final_amount_cents"`
}

// MeterAmounts splits FinalCents across the meters of the estimate. Each
// meter gets its base minus a floored share of the discount; the cents the
// per-meter flooring leaves over are taken from the first meters in sorted
// id order, so the amounts always sum to exactly FinalCents.
func (e Estimate) MeterAmounts() map[string]int64 {
	amounts := make(map[string]int64, len(e.ItemCounts))
	meters := make([]string, 0, len(e.ItemCounts))
	var sum int64
	for meterID, count := range e.ItemCounts {
		base := count * e.CentsPrices[meterID]
		amounts[meterID] = base - base*int64(e.DiscountPercent)/100
		sum += amounts[meterID]
		meters = append(meters, meterID)
	}
	sort.Strings(meters)

	remainder := sum - e.FinalCents
	for _, meterID := range meters {
		if remainder <= 0 {
			break
		}
		if amounts[meterID] == 0 {
			continue
		}
		amounts[meterID]--
		remainder--
	}
	return amounts
}

// ChargeResult reports which per-meter charges succeeded. On partial
// failure ChargeIDs holds the receipts collected before the failing meter.
type ChargeResult struct {
	ChargeIDs   map[string]string `json:"charge_ids"`
	FailedMeter string            `json:"failed_meter,omitempty"`
}

type Service interface {
	// Estimate prices the given per-meter item counts for a location,
	// applying the volume discount for the total item count.
	Estimate(ctx context.Context, locationID string, counts map[string]int64) (Estimate, error)
	// Charge debits the location wallet once per metered line of the
	// estimate. A failed meter aborts the remaining charges; receipts
	// already collected are returned alongside the error.
	Charge(ctx context.Context, est Estimate, description string) (ChargeResult, error)
}
