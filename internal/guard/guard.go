// Package guard enforces the daily offline-spending cap. Evaluate is a pure
// decision function: it performs no I/O and never mutates its input, so the
// caller decides what (if anything) gets persisted.
package guard

import (
	"errors"
	"time"

	"github.com/liangchen812/walletsync/internal/model"
	"github.com/shopspring/decimal"
)

// ErrOfflineLimitExceeded means the candidate amount would push cumulative
// offline spend above the daily cap. Permanent: the caller must retry online
// or reduce the amount; the engine never retries this.
var ErrOfflineLimitExceeded = errors.New("offline daily limit exceeded")

// Evaluate applies the cap to a candidate offline transaction dated at.
// Day boundaries are UTC calendar days: if at falls on a later UTC day than
// the last reset, usage rolls to zero before the limit is checked. On
// acceptance the returned snapshot carries the rolled date and the projected
// usage; the caller persists it atomically with the transaction append. On
// rejection the input snapshot is returned unchanged.
//
// The candidate amount is assumed positive; non-positive amounts are
// rejected upstream before a transaction reaches the guard.
func Evaluate(usage model.WalletOfflineUsage, amount decimal.Decimal, at time.Time) (model.WalletOfflineUsage, error) {
	rolled := usage
	if startOfDay(at).After(startOfDay(usage.LastOfflineReset)) {
		rolled.OfflineUsedToday = decimal.Zero
		rolled.LastOfflineReset = startOfDay(at)
	}

	projected := rolled.OfflineUsedToday.Add(amount)
	if projected.GreaterThan(rolled.OfflineDailyLimit) {
		return usage, ErrOfflineLimitExceeded
	}

	rolled.OfflineUsedToday = projected
	return rolled, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
