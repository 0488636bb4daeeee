package generic

import (
	"context"
	"fmt"
	"time"
)

// Document-number prefixes.
const (
	PrefixQuotation  = "BJ"
	PrefixStockIn    = "RK"
	PrefixStockOut   = "CK"
	PrefixReceivable = "AR"
	PrefixPayment    = "PM"
)

// numberDigits is the zero-padded width of the daily counter.
const numberDigits = 4

// FormatNumber renders PREFIX + YYYYMMDD + counter, e.g. RK202503100007.
func FormatNumber(prefix string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s%s%0*d", prefix, DayKey(day), numberDigits, seq)
}

// NextNumber allocates the next document number for prefix on now's day.
// Numbers are never reused. A unit that rolls back after drawing one leaves a
// gap, so draw only once the unit's guards have passed.
func NextNumber(ctx context.Context, tx SequenceTx, prefix string, now time.Time) (string, error) {
	seq, err := tx.NextSequence(ctx, prefix, DayKey(now))
	if err != nil {
		return "", err
	}
	return FormatNumber(prefix, now, seq), nil
}
