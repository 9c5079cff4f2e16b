package domain

// Amounts are integer minor units (cents) throughout; rates are basis
// points so all arithmetic stays in integers.
const (
	DefaultTaxBps = 500 // 5%
	DefaultFeeBps = 200 // 2%
)

// Totals is the monetary breakdown snapshotted onto an order at creation.
type Totals struct {
	SubtotalMinor int64
	TaxMinor      int64
	FeesMinor     int64
	TotalMinor    int64
}

// ComputeTotals applies the flat tax and fee rates to a subtotal,
// rounding each component half-up.
func ComputeTotals(subtotalMinor int64, taxBps, feeBps int64) Totals {
	tax := roundBps(subtotalMinor, taxBps)
	fees := roundBps(subtotalMinor, feeBps)
	return Totals{
		SubtotalMinor: subtotalMinor,
		TaxMinor:      tax,
		FeesMinor:     fees,
		TotalMinor:    subtotalMinor + tax + fees,
	}
}

// roundBps computes amount*bps/10000 rounded half-up, in integer math.
func roundBps(amountMinor int64, bps int64) int64 {
	return (amountMinor*bps + 5000) / 10000
}
