package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trovamarket/settlement/internal/adapter/storage"
	"github.com/trovamarket/settlement/internal/core/domain"
)

func newTestOrchestrator(store *storage.MemoryStore, gw *mockGateway) *Orchestrator {
	cache := storage.NewMemoryCache()
	payments := NewPaymentService(gw, cache, testBreakerCfg(), testPolicy(), zap.NewNop())
	return NewOrchestrator(store, store, payments, cache, domain.DefaultTaxBps, domain.DefaultFeeBps, zap.NewNop())
}

func seedProduct(store *storage.MemoryStore, id string, stock int, priceMinor int64) {
	store.PutProduct(&domain.Product{
		ID:             id,
		SellerID:       "seller-1",
		Stock:          stock,
		Active:         true,
		UnitPriceMinor: priceMinor,
		Currency:       "USD",
	})
}

func approvingGateway() *mockGateway {
	return &mockGateway{chargeFn: func(int) (*domain.ChargeResult, error) { return approvedResult(), nil }}
}

func decliningGateway(reason string) *mockGateway {
	return &mockGateway{chargeFn: func(int) (*domain.ChargeResult, error) {
		return &domain.ChargeResult{
			Approved:      false,
			FailureReason: reason,
			ProcessedAt:   time.Now().UTC(),
		}, nil
	}}
}

func TestPurchaseItem_Success(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	o := newTestOrchestrator(store, approvingGateway())

	res, err := o.PurchaseItem(context.Background(), PurchaseInput{
		BuyerID:   "buyer-1",
		ProductID: "prod-1",
		Quantity:  1,
		Method:    domain.PaymentMethodCard,
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, domain.OrderStatusCompleted, res.Status)
	require.NotNil(t, res.NewStock)
	assert.Equal(t, 9, *res.NewStock)

	order, err := store.GetOrder(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	assert.Equal(t, int64(1000), order.SubtotalMinor)
	assert.Equal(t, int64(50), order.TaxMinor)
	assert.Equal(t, int64(20), order.FeesMinor)
	assert.Equal(t, int64(1070), order.TotalMinor)
	assert.NotNil(t, order.CompletedAt)

	rec := store.PaymentRecordForOrder(res.SaleID)
	require.NotNil(t, rec)
	assert.Equal(t, domain.PaymentStatusApproved, rec.Status)
}

func TestPurchaseItem_InsufficientStock(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 2, 1000)
	o := newTestOrchestrator(store, approvingGateway())

	_, err := o.PurchaseItem(context.Background(), PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 5, Method: domain.PaymentMethodCard,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	assert.Contains(t, err.Error(), "insufficient stock")

	p, _ := store.GetProduct(context.Background(), "prod-1")
	assert.Equal(t, 2, p.Stock, "failed reservation must not change stock")
}

func TestPurchaseItem_SelfPurchase(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	o := newTestOrchestrator(store, approvingGateway())

	_, err := o.PurchaseItem(context.Background(), PurchaseInput{
		BuyerID: "seller-1", ProductID: "prod-1", Quantity: 1, Method: domain.PaymentMethodCard,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	assert.Contains(t, err.Error(), "own listing")
}

func TestPurchaseItem_InactiveProduct(t *testing.T) {
	store := storage.NewMemoryStore()
	store.PutProduct(&domain.Product{
		ID: "prod-1", SellerID: "seller-1", Stock: 10, Active: false, UnitPriceMinor: 1000, Currency: "USD",
	})
	o := newTestOrchestrator(store, approvingGateway())

	_, err := o.PurchaseItem(context.Background(), PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 1, Method: domain.PaymentMethodCard,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
}

func TestPurchaseItem_UnknownProduct(t *testing.T) {
	store := storage.NewMemoryStore()
	o := newTestOrchestrator(store, approvingGateway())

	_, err := o.PurchaseItem(context.Background(), PurchaseInput{
		BuyerID: "buyer-1", ProductID: "ghost", Quantity: 1, Method: domain.PaymentMethodCard,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestPurchaseItem_ValidatesInput(t *testing.T) {
	o := newTestOrchestrator(storage.NewMemoryStore(), approvingGateway())

	_, err := o.PurchaseItem(context.Background(), PurchaseInput{BuyerID: "b", ProductID: "p", Quantity: 0, Method: domain.PaymentMethodCard})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = o.PurchaseItem(context.Background(), PurchaseInput{BuyerID: "b", ProductID: "", Quantity: 1, Method: domain.PaymentMethodCard})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = o.PurchaseItem(context.Background(), PurchaseInput{BuyerID: "b", ProductID: "p", Quantity: 1})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestPurchaseItem_DeclineCompensates(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	o := newTestOrchestrator(store, decliningGateway("insufficient_funds"))

	res, err := o.PurchaseItem(context.Background(), PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 3, Method: domain.PaymentMethodCard,
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, domain.OrderStatusCanceled, res.Status)
	assert.Equal(t, "insufficient_funds", res.Error)

	p, _ := store.GetProduct(context.Background(), "prod-1")
	assert.Equal(t, 10, p.Stock, "declined payment must restore stock")

	order, err := store.GetOrder(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, order.Status)

	rec := store.PaymentRecordForOrder(res.SaleID)
	require.NotNil(t, rec)
	assert.Equal(t, domain.PaymentStatusDeclined, rec.Status)
}

func TestPurchaseItem_GatewayFailureCompensates(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 5, 1000)
	gw := &mockGateway{chargeFn: func(int) (*domain.ChargeResult, error) {
		return nil, domain.E(domain.KindNetwork, "gateway unreachable")
	}}
	o := newTestOrchestrator(store, gw)

	res, err := o.PurchaseItem(context.Background(), PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 2, Method: domain.PaymentMethodCard,
	})
	require.NoError(t, err, "exhausted retries become a synthetic decline, not a surfaced error")

	assert.False(t, res.Success)
	assert.Equal(t, domain.OrderStatusCanceled, res.Status)
	assert.Equal(t, domain.KindNetwork, res.ErrorKind)

	p, _ := store.GetProduct(context.Background(), "prod-1")
	assert.Equal(t, 5, p.Stock, "stock is never left reserved against a dead order")
}

func TestPurchaseItem_IdempotentReplay(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	gw := approvingGateway()
	o := newTestOrchestrator(store, gw)

	in := PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 1,
		Method: domain.PaymentMethodCard, IdempotencyKey: "idem-1",
	}

	first, err := o.PurchaseItem(context.Background(), in)
	require.NoError(t, err)
	second, err := o.PurchaseItem(context.Background(), in)
	require.NoError(t, err)

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	assert.Equal(t, firstJSON, secondJSON, "replay must return the identical result")

	assert.Equal(t, 1, gw.calls(), "replay must not re-invoke the gateway")
	p, _ := store.GetProduct(context.Background(), "prod-1")
	assert.Equal(t, 9, p.Stock, "stock decremented exactly once")
}

func TestPurchaseItem_DeclineIsCachedForReplay(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	gw := decliningGateway("issuer_declined")
	o := newTestOrchestrator(store, gw)

	in := PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 1,
		Method: domain.PaymentMethodCard, IdempotencyKey: "idem-2",
	}

	first, err := o.PurchaseItem(context.Background(), in)
	require.NoError(t, err)
	require.False(t, first.Success)

	second, err := o.PurchaseItem(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, 1, gw.calls())

	p, _ := store.GetProduct(context.Background(), "prod-1")
	assert.Equal(t, 10, p.Stock, "replayed failure must not reserve again")
}

func TestPurchaseItem_FinalizeErrorSurfacesUncached(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	o := newTestOrchestrator(store, approvingGateway())
	store.FailCompleteOrder = errors.New("connection reset")

	in := PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 1,
		Method: domain.PaymentMethodCard, IdempotencyKey: "idem-fin",
	}
	_, err := o.PurchaseItem(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))

	order := pendingOrderFor(t, store, "idem-fin")
	assert.Equal(t, domain.OrderStatusPending, order.Status)

	// Nothing was cached: the replay must not report success for an order
	// the finalize write never completed. The storage backstop rejects the
	// reused key instead.
	store.FailCompleteOrder = nil
	_, err = o.PurchaseItem(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)
}

func pendingOrderFor(t *testing.T, store *storage.MemoryStore, idemKey string) *domain.Order {
	t.Helper()
	orders := store.OrdersByIdempotencyKey(idemKey)
	require.Len(t, orders, 1)
	return orders[0]
}

func TestPurchaseItem_DuplicateKeyKeepsItsReason(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 1, 1000)
	in := PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 1,
		Method: domain.PaymentMethodCard, IdempotencyKey: "idem-dup",
	}

	first := newTestOrchestrator(store, approvingGateway())
	res, err := first.PurchaseItem(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.Success)

	// A second instance shares the store but not the result cache, so the
	// unique-key backstop is what rejects the reuse. Stock is now zero;
	// the surfaced reason must still be the key conflict, not stock.
	second := newTestOrchestrator(store, approvingGateway())
	_, err = second.PurchaseItem(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)
	assert.NotContains(t, err.Error(), "insufficient stock")
}

func TestPurchaseItem_OversellBound(t *testing.T) {
	initialStock := 20
	totalRequests := 50

	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", initialStock, 1000)
	o := newTestOrchestrator(store, approvingGateway())

	var successCount, failCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.PurchaseItem(context.Background(), PurchaseInput{
				BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 1, Method: domain.PaymentMethodCard,
			})
			if err == nil && res.Success {
				successCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	assert.Equal(t, int32(totalRequests-initialStock), failCount.Load())

	p, _ := store.GetProduct(context.Background(), "prod-1")
	assert.Equal(t, 0, p.Stock, "stock must end at exactly zero, never negative")
}

func TestCheckoutCart_Success(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	seedProduct(store, "prod-2", 10, 250)
	store.PutCartItem("buyer-1", domain.CartItem{ProductID: "prod-1", Quantity: 2})
	store.PutCartItem("buyer-1", domain.CartItem{ProductID: "prod-2", Quantity: 4})
	o := newTestOrchestrator(store, approvingGateway())

	res, err := o.CheckoutCart(context.Background(), CheckoutInput{
		BuyerID: "buyer-1", Method: domain.PaymentMethodCard,
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	require.NotNil(t, res.Sale)
	assert.Equal(t, int64(3000), res.Sale.SubtotalMinor)
	assert.Len(t, res.Lines, 2)
	require.NotNil(t, res.Payment)
	assert.True(t, res.Payment.Approved)

	items, _ := store.CartItems(context.Background(), "buyer-1")
	assert.Empty(t, items, "completed checkout must clear the cart")
}

func TestCheckoutCart_EmptyCart(t *testing.T) {
	o := newTestOrchestrator(storage.NewMemoryStore(), approvingGateway())

	_, err := o.CheckoutCart(context.Background(), CheckoutInput{
		BuyerID: "buyer-1", Method: domain.PaymentMethodCard,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestCheckoutCart_PartialReservationRollsBack(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	seedProduct(store, "prod-2", 1, 250)
	store.PutCartItem("buyer-1", domain.CartItem{ProductID: "prod-1", Quantity: 2})
	store.PutCartItem("buyer-1", domain.CartItem{ProductID: "prod-2", Quantity: 5})
	o := newTestOrchestrator(store, approvingGateway())

	_, err := o.CheckoutCart(context.Background(), CheckoutInput{
		BuyerID: "buyer-1", Method: domain.PaymentMethodCard,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	p1, _ := store.GetProduct(context.Background(), "prod-1")
	p2, _ := store.GetProduct(context.Background(), "prod-2")
	assert.Equal(t, 10, p1.Stock, "nothing may stay partially reserved")
	assert.Equal(t, 1, p2.Stock)

	items, _ := store.CartItems(context.Background(), "buyer-1")
	assert.Len(t, items, 2, "failed checkout must keep the cart")
}

func TestCheckoutCart_Replay(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	store.PutCartItem("buyer-1", domain.CartItem{ProductID: "prod-1", Quantity: 1})
	gw := approvingGateway()
	o := newTestOrchestrator(store, gw)

	in := CheckoutInput{BuyerID: "buyer-1", Method: domain.PaymentMethodCard, IdempotencyKey: "co-1"}
	first, err := o.CheckoutCart(context.Background(), in)
	require.NoError(t, err)

	// The cart is gone after the first call; the replay must still
	// return the cached result instead of failing on the empty cart.
	second, err := o.CheckoutCart(context.Background(), in)
	require.NoError(t, err)

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	assert.Equal(t, firstJSON, secondJSON)
	assert.Equal(t, 1, gw.calls())
}

func TestGetOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	seedProduct(store, "prod-1", 10, 1000)
	o := newTestOrchestrator(store, approvingGateway())

	res, err := o.PurchaseItem(context.Background(), PurchaseInput{
		BuyerID: "buyer-1", ProductID: "prod-1", Quantity: 2, Method: domain.PaymentMethodCard,
	})
	require.NoError(t, err)

	order, lines, err := o.GetOrder(context.Background(), res.SaleID)
	require.NoError(t, err)
	assert.Equal(t, res.SaleID, order.ID)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(1000), lines[0].UnitMinor)
	assert.Equal(t, int64(2000), lines[0].LineTotalMinor)

	_, _, err = o.GetOrder(context.Background(), "ghost")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
