package config

import (
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultProfitCostRatio is the cost share assumed when an order has no
// persisted profit record at settlement time. The 70/30 split inherited from
// the original books is a business assumption, not a law; keep it overridable.
//
// Set via env:
// - PROFIT_DEFAULT_COST_RATIO=0.70
func DefaultProfitCostRatio() decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv("PROFIT_DEFAULT_COST_RATIO"))
	if raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil && d.IsPositive() && d.LessThan(decimal.NewFromInt(1)) {
			return d
		}
	}
	return decimal.NewFromFloat(0.70)
}

// StrictReceiptImmutability blocks re-confirming an invoice that is already
// ReceivedByMerchant instead of treating it as a no-op.
//
// Set via env:
// - STRICT_RECEIPT_IMMUTABLE=true
func StrictReceiptImmutability() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_RECEIPT_IMMUTABLE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
