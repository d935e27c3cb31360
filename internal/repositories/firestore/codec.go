package firestore

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Money is persisted as decimal strings so values round-trip without float drift.

func parseDecimal(field, value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func optionalDecimal(value decimal.Decimal) string {
	if value.IsZero() {
		return ""
	}
	return value.String()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
