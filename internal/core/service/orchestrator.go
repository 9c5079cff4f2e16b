package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trovamarket/settlement/internal/core/domain"
	"github.com/trovamarket/settlement/internal/metrics"
	"github.com/trovamarket/settlement/internal/port"
)

const purchaseCachePrefix = "purchase:"

// Orchestrator drives the purchase saga: reserve & create in one
// transaction, charge outside any transaction, then finalize or
// compensate. The payment step crosses a network boundary, so the three
// phases are deliberately not one database transaction; compensation
// (stock release, cancellation) replaces rollback for the committed part.
type Orchestrator struct {
	ledger   port.InventoryLedger
	store    port.OrderStore
	payments *PaymentService
	cache    port.ResultCache
	taxBps   int64
	feeBps   int64
	log      *zap.Logger
}

func NewOrchestrator(ledger port.InventoryLedger, store port.OrderStore, payments *PaymentService, cache port.ResultCache, taxBps, feeBps int64, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:   ledger,
		store:    store,
		payments: payments,
		cache:    cache,
		taxBps:   taxBps,
		feeBps:   feeBps,
		log:      log,
	}
}

type PurchaseInput struct {
	BuyerID        string
	ProductID      string
	Quantity       int
	Method         domain.PaymentMethod
	IdempotencyKey string
}

type CheckoutInput struct {
	BuyerID        string
	Method         domain.PaymentMethod
	IdempotencyKey string
}

// SettlementResult is the saga's terminal outcome. Terminal outcomes,
// including declines, are cached under the idempotency key so a replayed
// request returns the identical result without re-reserving stock or
// re-invoking the gateway.
type SettlementResult struct {
	Success   bool                 `json:"success"`
	SaleID    string               `json:"saleId,omitempty"`
	Status    domain.OrderStatus   `json:"status,omitempty"`
	NewStock  *int                 `json:"newStock,omitempty"`
	Sale      *domain.Order        `json:"sale,omitempty"`
	Lines     []domain.OrderLine   `json:"lines,omitempty"`
	Payment   *domain.ChargeResult `json:"payment,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorKind domain.ErrorKind     `json:"errorKind,omitempty"`
}

// PurchaseItem settles a single-item purchase.
func (o *Orchestrator) PurchaseItem(ctx context.Context, in PurchaseInput) (*SettlementResult, error) {
	if in.ProductID == "" {
		return nil, domain.E(domain.KindValidation, "product id is required")
	}
	if in.Quantity <= 0 {
		return nil, domain.E(domain.KindValidation, "quantity must be greater than zero")
	}

	items := []domain.CartItem{{ProductID: in.ProductID, Quantity: in.Quantity}}
	result, err := o.settle(ctx, in.BuyerID, in.Method, in.IdempotencyKey, items, false)
	if err != nil {
		return nil, err
	}

	if result.NewStock == nil {
		if p, perr := o.ledger.GetProduct(ctx, in.ProductID); perr == nil && p != nil {
			stock := p.Stock
			result.NewStock = &stock
			o.recache(ctx, in.IdempotencyKey, result)
		}
	}
	return result, nil
}

// CheckoutCart settles the buyer's whole cart. The cart is cleared inside
// the finalize transaction on success.
func (o *Orchestrator) CheckoutCart(ctx context.Context, in CheckoutInput) (*SettlementResult, error) {
	if key := o.cacheKey(in.IdempotencyKey); key != "" {
		if cached, ok := o.lookup(ctx, key); ok {
			return cached, nil
		}
	}

	items, err := o.store.CartItems(ctx, in.BuyerID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "load cart", err)
	}
	if len(items) == 0 {
		return nil, domain.E(domain.KindValidation, "cart is empty, nothing to checkout")
	}
	return o.settle(ctx, in.BuyerID, in.Method, in.IdempotencyKey, items, true)
}

// GetOrder is the read path for the API.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*domain.Order, []domain.OrderLine, error) {
	order, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	lines, err := o.store.GetOrderLines(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, lines, nil
}

func (o *Orchestrator) settle(ctx context.Context, buyerID string, method domain.PaymentMethod, idemKey string, items []domain.CartItem, clearCart bool) (*SettlementResult, error) {
	if buyerID == "" {
		return nil, domain.E(domain.KindValidation, "buyer id is required")
	}
	if method == "" {
		return nil, domain.E(domain.KindValidation, "payment method is required")
	}

	cacheKey := o.cacheKey(idemKey)
	if cacheKey != "" {
		if cached, ok := o.lookup(ctx, cacheKey); ok {
			o.log.Info("purchase replayed from cache", zap.String("idempotency_key", idemKey))
			return cached, nil
		}
	}

	// Phase 1: reserve every line and create the PENDING order in one
	// transaction. Any failed reservation aborts the whole phase.
	order, lines, err := o.store.CreatePendingOrder(ctx, buyerID, idemKey, items, o.taxBps, o.feeBps)
	if err != nil {
		metrics.ReservationsTotal.WithLabelValues("conflict").Inc()
		return nil, o.diagnoseReservation(ctx, buyerID, items, err)
	}
	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	o.log.Info("order pending",
		zap.String("order_id", order.ID),
		zap.String("buyer_id", buyerID),
		zap.Int64("total_minor", order.TotalMinor))

	// Phase 2: charge, outside any transaction. A payment-layer error
	// after retries becomes a synthetic decline so phase 3 always runs
	// and stock is always released.
	charge, payErr := o.payments.ProcessPayment(ctx, domain.ChargeRequest{
		OrderID:        order.ID,
		AmountMinor:    order.TotalMinor,
		Currency:       order.Currency,
		Method:         method,
		IdempotencyKey: idemKey,
	})
	var errKind domain.ErrorKind
	if payErr != nil {
		errKind = domain.KindOf(payErr)
		charge = &domain.ChargeResult{
			Approved:      false,
			FailureReason: payErr.Error(),
			AmountMinor:   order.TotalMinor,
			Currency:      order.Currency,
			ProcessedAt:   time.Now().UTC(),
		}
		o.log.Warn("payment failed, compensating",
			zap.String("order_id", order.ID),
			zap.Error(payErr))
	}

	// Phase 3: finalize or compensate under the status guard. A storage
	// error here surfaces uncached: the order may still be PENDING, and a
	// cached terminal result would lie to every replay.
	result, finErr := o.finalize(ctx, order, lines, method, charge, clearCart)
	if finErr != nil {
		return nil, finErr
	}
	if payErr != nil {
		result.ErrorKind = errKind
	}

	if cacheKey != "" {
		o.recache(ctx, idemKey, result)
	}
	return result, nil
}

// finalize transitions the order out of PENDING and persists the payment
// record. The conditional update means a racing finalizer loses the guard
// and becomes a no-op; a failed write is different — it returns an error
// so the caller can retry the transition.
func (o *Orchestrator) finalize(ctx context.Context, order *domain.Order, lines []domain.OrderLine, method domain.PaymentMethod, charge *domain.ChargeResult, clearCart bool) (*SettlementResult, error) {
	now := time.Now().UTC()
	result := &SettlementResult{
		SaleID:  order.ID,
		Sale:    order,
		Lines:   lines,
		Payment: charge,
	}

	if charge.Approved {
		clearBuyer := ""
		if clearCart {
			clearBuyer = order.BuyerID
		}
		ok, err := o.store.CompleteOrder(ctx, order.ID, now, clearBuyer)
		if err != nil {
			o.log.Error("complete order failed", zap.String("order_id", order.ID), zap.Error(err))
			return nil, domain.Wrap(domain.KindInternal, "finalize approved order", err)
		}
		if !ok {
			o.log.Warn("finalize guard did not match, order already terminal", zap.String("order_id", order.ID))
		}
		order.Status = domain.OrderStatusCompleted
		order.CompletedAt = &now
		result.Success = true
		result.Status = domain.OrderStatusCompleted
	} else {
		ok, err := o.store.CancelOrder(ctx, order.ID)
		if err != nil {
			o.log.Error("cancel order failed", zap.String("order_id", order.ID), zap.Error(err))
			return nil, domain.Wrap(domain.KindInternal, "cancel declined order", err)
		}
		if ok {
			for _, line := range lines {
				if err := o.ledger.Release(ctx, line.ProductID, line.Quantity); err != nil {
					o.log.Error("stock release failed",
						zap.String("order_id", order.ID),
						zap.String("product_id", line.ProductID),
						zap.Error(err))
				}
			}
			metrics.ReservationsTotal.WithLabelValues("released").Inc()
		}
		order.Status = domain.OrderStatusCanceled
		result.Status = domain.OrderStatusCanceled
		result.Error = charge.FailureReason
		result.ErrorKind = domain.KindDeclined
	}

	rec := &domain.PaymentRecord{
		ID:            newID(),
		OrderID:       order.ID,
		Method:        method,
		AmountMinor:   charge.AmountMinor,
		ApprovalRef:   charge.ApprovalRef,
		FailureReason: charge.FailureReason,
		ProcessedAt:   now,
		Status:        domain.PaymentStatusDeclined,
	}
	if charge.Approved {
		rec.Status = domain.PaymentStatusApproved
	}
	if err := o.store.SavePaymentRecord(ctx, rec); err != nil {
		o.log.Error("save payment record failed", zap.String("order_id", order.ID), zap.Error(err))
	}

	return result, nil
}

// diagnoseReservation re-reads products after a failed reservation to
// build a readable reason. The read runs outside the atomic conditional
// update, so the reason is advisory: state may have changed again by the
// time it runs.
func (o *Orchestrator) diagnoseReservation(ctx context.Context, buyerID string, items []domain.CartItem, cause error) error {
	if domain.KindOf(cause) != domain.KindConflict {
		return cause
	}
	// A reused idempotency key is not a stock problem; re-reading products
	// would relabel it as one.
	if errors.Is(cause, domain.ErrDuplicateIdempotencyKey) {
		return cause
	}
	for _, item := range items {
		p, err := o.ledger.GetProduct(ctx, item.ProductID)
		if err != nil || p == nil {
			return domain.E(domain.KindNotFound, fmt.Sprintf("product %s not found", item.ProductID))
		}
		switch {
		case !p.Active:
			return domain.E(domain.KindConflict, fmt.Sprintf("product %s is not active", item.ProductID))
		case p.SellerID == buyerID:
			return domain.E(domain.KindConflict, "cannot purchase your own listing")
		case p.Stock < item.Quantity:
			return domain.E(domain.KindConflict, fmt.Sprintf("insufficient stock for product %s", item.ProductID))
		}
	}
	return cause
}

func (o *Orchestrator) cacheKey(idemKey string) string {
	if idemKey == "" {
		return ""
	}
	return purchaseCachePrefix + idemKey
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (*SettlementResult, bool) {
	raw, ok, err := o.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var res SettlementResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	return &res, true
}

func (o *Orchestrator) recache(ctx context.Context, idemKey string, res *SettlementResult) {
	key := o.cacheKey(idemKey)
	if key == "" {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := o.cache.Put(ctx, key, raw); err != nil {
		o.log.Warn("result cache write failed", zap.String("key", key), zap.Error(err))
	}
}
