package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

// Order is a sale. Monetary fields are set once at creation and never
// change afterwards; only Status, CompletedAt and RefundedMinorTotal are
// mutated, always through guarded status transitions.
type Order struct {
	ID                 string
	BuyerID            string
	Status             OrderStatus
	SubtotalMinor      int64
	TaxMinor           int64
	FeesMinor          int64
	TotalMinor         int64
	Currency           string
	IdempotencyKey     string
	RefundedMinorTotal int64
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderLine is a historical snapshot: UnitMinor is the product's price at
// purchase time and is never updated when the catalog price changes.
type OrderLine struct {
	OrderID        string
	ProductID      string
	Quantity       int
	UnitMinor      int64
	LineTotalMinor int64
}

// IsTerminal reports whether the order can no longer be finalized.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCanceled || s == OrderStatusRefunded
}
