package port

import (
	"context"
	"time"

	"github.com/trovamarket/settlement/internal/core/domain"
)

// InventoryLedger exposes the atomic stock-reservation primitive and its
// compensating release. Reserve must be one conditional storage operation,
// never a read-then-write pair.
type InventoryLedger interface {
	// Reserve decrements stock by quantity iff the product is active, is
	// not sold by buyerID, and has at least quantity in stock. Returns
	// false (and changes nothing) when any predicate is unmet.
	Reserve(ctx context.Context, productID string, quantity int, buyerID string) (bool, error)

	// Release restores stock after a later saga step fails.
	Release(ctx context.Context, productID string, quantity int) error

	// GetProduct is a plain read, used for advisory failure diagnostics
	// and stock snapshots. It is not part of any atomic operation.
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
}

// OrderStore persists the purchase saga's state. CreatePendingOrder is one
// transaction; the finalize methods are guarded single-row transitions.
type OrderStore interface {
	// CreatePendingOrder reserves every item and inserts the PENDING order
	// with snapshotted lines and totals, all in one transaction. A failed
	// reservation aborts the whole transaction and returns a Conflict
	// error naming the product.
	CreatePendingOrder(ctx context.Context, buyerID string, idempotencyKey string, items []domain.CartItem, taxBps, feeBps int64) (*domain.Order, []domain.OrderLine, error)

	// CompleteOrder transitions PENDING -> COMPLETED. The update is
	// conditioned on the current status; false means the guard did not
	// match. When clearCartBuyerID is non-empty the buyer's cart items
	// are removed in the same transaction.
	CompleteOrder(ctx context.Context, orderID string, completedAt time.Time, clearCartBuyerID string) (bool, error)

	// CancelOrder transitions PENDING -> CANCELED under the same guard.
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error)

	SavePaymentRecord(ctx context.Context, rec *domain.PaymentRecord) error
	GetPaymentRecord(ctx context.Context, paymentID string) (*domain.PaymentRecord, error)

	// CartItems returns the buyer's current cart for checkout. Cart
	// management itself lives outside this engine.
	CartItems(ctx context.Context, buyerID string) ([]domain.CartItem, error)
}

// ReturnStore persists the return/refund lifecycle.
type ReturnStore interface {
	CreateReturn(ctx context.Context, req *domain.ReturnRequest) error
	GetReturn(ctx context.Context, id string) (*domain.ReturnRequest, error)
	UpdateReturnStatus(ctx context.Context, id string, status domain.ReturnStatus) error
	AddInspection(ctx context.Context, rec *domain.InspectionRecord) error

	SaveRefund(ctx context.Context, refund *domain.Refund) error

	// IssueStoreCredit commits the refund row, the buyer's credit
	// increment, the order's REFUNDED transition and the return's
	// COMPLETED transition as one transaction: all four writes or none.
	IssueStoreCredit(ctx context.Context, refund *domain.Refund, orderID, buyerID string, creditedAt time.Time) error

	CreditBalance(ctx context.Context, buyerID string) (int64, error)
}

// AuditLog is the narrow contract to the out-of-scope audit collaborator.
type AuditLog interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
}
