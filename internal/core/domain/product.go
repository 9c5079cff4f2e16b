package domain

import "time"

// Product is the slice of the catalog the settlement engine owns: stock is
// mutated by reservation/release, everything else belongs to catalog
// management and is read-only here.
type Product struct {
	ID             string
	SellerID       string
	Stock          int
	Active         bool
	UnitPriceMinor int64
	Currency       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CartItem is one (product, quantity) pair of a purchase or cart checkout.
type CartItem struct {
	ProductID string
	Quantity  int
}
