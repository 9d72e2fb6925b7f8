package server

import (
	"context"

	"github.com/shopspring/decimal"
)

// LimitBucket is the raw configuration unit: optional caps for one payment
// family or sub-type. Nil means unlimited on that axis.
type LimitBucket struct {
	MaxPerTransaction *decimal.Decimal `json:"maxPerTransaction,omitempty"`
	MaxDailyAmount    *decimal.Decimal `json:"maxDailyAmount,omitempty"`
	MaxDailyCount     *int             `json:"maxDailyCount,omitempty"`
}

// CountryLimits holds buckets keyed by bucket name ("pix", "pix_transfer",
// "pix_qr", "boleto").
type CountryLimits map[string]LimitBucket

// LimitProfile is a reusable named limit configuration, keyed by country.
type LimitProfile struct {
	Name      string                   `json:"name"`
	Countries map[string]CountryLimits `json:"countries"`
}

// LimitAssignment binds an identity to limits, either a named profile or an
// inline custom configuration. Custom wins over the profile when both are
// set.
type LimitAssignment struct {
	IdentityID  string                   `json:"identityId"`
	ProfileName string                   `json:"profileName,omitempty"`
	Custom      map[string]CountryLimits `json:"custom,omitempty"`
}

// LimitSource records where an effective limit came from, for audit trails.
type LimitSource string

const (
	LimitSourceCustom  LimitSource = "custom"
	LimitSourceProfile LimitSource = "profile"
	LimitSourceNone    LimitSource = "none"
)

// LimitSet is the effective, already-merged limit for one identity and
// payment type. Nil fields are unlimited.
type LimitSet struct {
	Source            LimitSource
	Profile           string
	MaxPerTransaction *decimal.Decimal
	MaxDailyAmount    *decimal.Decimal
	MaxDailyCount     *int
}

// Unlimited reports whether no cap applies on any axis.
func (ls LimitSet) Unlimited() bool {
	return ls.MaxPerTransaction == nil && ls.MaxDailyAmount == nil && ls.MaxDailyCount == nil
}

// resolveLimitSet merges every bucket that applies to the payment type,
// keeping the most restrictive cap per axis. A pix transfer is bounded by
// both the "pix" family bucket and its own "pix_transfer" bucket.
func resolveLimitSet(countries map[string]CountryLimits, country string, pt PaymentType) LimitSet {
	var ls LimitSet
	buckets, ok := countries[country]
	if !ok {
		return ls
	}
	for _, name := range pt.limitBuckets() {
		b, ok := buckets[name]
		if !ok {
			continue
		}
		ls.MaxPerTransaction = minDecimal(ls.MaxPerTransaction, b.MaxPerTransaction)
		ls.MaxDailyAmount = minDecimal(ls.MaxDailyAmount, b.MaxDailyAmount)
		ls.MaxDailyCount = minInt(ls.MaxDailyCount, b.MaxDailyCount)
	}
	return ls
}

func minDecimal(a, b *decimal.Decimal) *decimal.Decimal {
	if a == nil {
		return b
	}
	if b == nil || a.LessThanOrEqual(*b) {
		return a
	}
	return b
}

func minInt(a, b *int) *int {
	if a == nil {
		return b
	}
	if b == nil || *a <= *b {
		return a
	}
	return b
}

// CheckPerTransaction rejects amounts above the single-transaction cap.
func (ls LimitSet) CheckPerTransaction(amount decimal.Decimal) error {
	if ls.MaxPerTransaction != nil && amount.GreaterThan(*ls.MaxPerTransaction) {
		return &BusinessError{
			Code:    CodeMaxAmountPerTransaction,
			Message: "amount exceeds the per-transaction limit",
			Details: map[string]string{
				"limit":     ls.MaxPerTransaction.String(),
				"requested": amount.String(),
			},
		}
	}
	return nil
}

// CheckDailyAmount rejects the transaction when adding it to the day's
// accumulated spend would exceed the daily amount cap.
func (ls LimitSet) CheckDailyAmount(daySum, amount decimal.Decimal) error {
	if ls.MaxDailyAmount != nil && daySum.Add(amount).GreaterThan(*ls.MaxDailyAmount) {
		return &BusinessError{
			Code:    CodeMaxAmountPerDay,
			Message: "amount exceeds the remaining daily limit",
			Details: map[string]string{
				"limit":     ls.MaxDailyAmount.String(),
				"spent":     daySum.String(),
				"requested": amount.String(),
			},
		}
	}
	return nil
}

// CheckDailyCount rejects the transaction when the day already holds the
// maximum number of transactions.
func (ls LimitSet) CheckDailyCount(dayCount int) error {
	if ls.MaxDailyCount != nil && dayCount+1 > *ls.MaxDailyCount {
		return &BusinessError{
			Code:    CodeMaxCountPerDay,
			Message: "daily transaction count limit reached",
			Details: map[string]string{
				"limit": formatInt(*ls.MaxDailyCount),
				"count": formatInt(dayCount),
			},
		}
	}
	return nil
}

func formatInt(n int) string {
	return decimal.NewFromInt(int64(n)).String()
}

// dailyUsage loads the current UTC-day usage lazily so the limit pipeline
// only pays for the aggregates it actually needs.
type dailyUsage interface {
	DailyAmount(ctx context.Context) (decimal.Decimal, error)
	DailyCount(ctx context.Context) (int, error)
}

// checkSpendingLimits runs the three limit checks in fixed order, stopping
// at the first failure. Per-transaction needs no usage data; the daily
// checks each load exactly the aggregate they compare against.
func checkSpendingLimits(ctx context.Context, ls LimitSet, amount decimal.Decimal, usage dailyUsage) error {
	if err := ls.CheckPerTransaction(amount); err != nil {
		return err
	}
	if ls.MaxDailyAmount != nil {
		sum, err := usage.DailyAmount(ctx)
		if err != nil {
			return err
		}
		if err := ls.CheckDailyAmount(sum, amount); err != nil {
			return err
		}
	}
	if ls.MaxDailyCount != nil {
		count, err := usage.DailyCount(ctx)
		if err != nil {
			return err
		}
		if err := ls.CheckDailyCount(count); err != nil {
			return err
		}
	}
	return nil
}
