package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trovamarket/settlement/internal/core/domain"
)

func seedMemoryProduct(m *MemoryStore, id string, stock int, priceMinor int64) {
	m.PutProduct(&domain.Product{
		ID:             id,
		SellerID:       "seller-1",
		Stock:          stock,
		Active:         true,
		UnitPriceMinor: priceMinor,
		Currency:       "USD",
	})
}

func TestMemoryReserve(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 5, 1000)
	ctx := context.Background()

	ok, err := m.Reserve(ctx, "p1", 3, "buyer-1")
	require.NoError(t, err)
	assert.True(t, ok)

	p, _ := m.GetProduct(ctx, "p1")
	assert.Equal(t, 2, p.Stock)

	// More than remaining stock.
	ok, _ = m.Reserve(ctx, "p1", 3, "buyer-1")
	assert.False(t, ok)
	p, _ = m.GetProduct(ctx, "p1")
	assert.Equal(t, 2, p.Stock, "failed reserve leaves stock untouched")

	// Seller buying their own listing.
	ok, _ = m.Reserve(ctx, "p1", 1, "seller-1")
	assert.False(t, ok)

	// Unknown product.
	ok, _ = m.Reserve(ctx, "ghost", 1, "buyer-1")
	assert.False(t, ok)
}

func TestMemoryReserve_InactiveProduct(t *testing.T) {
	m := NewMemoryStore()
	m.PutProduct(&domain.Product{
		ID: "p1", SellerID: "seller-1", Stock: 5, Active: false, UnitPriceMinor: 1000, Currency: "USD",
	})

	ok, err := m.Reserve(context.Background(), "p1", 1, "buyer-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRelease(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 2, 1000)
	ctx := context.Background()

	require.NoError(t, m.Release(ctx, "p1", 3))
	p, _ := m.GetProduct(ctx, "p1")
	assert.Equal(t, 5, p.Stock)

	err := m.Release(ctx, "ghost", 1)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestMemoryReserve_ConcurrentBound(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 20, 1000)

	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Reserve(context.Background(), "p1", 1, "buyer-1"); ok {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), succeeded.Load())
	p, _ := m.GetProduct(context.Background(), "p1")
	assert.Equal(t, 0, p.Stock)
}

func TestMemoryCreatePendingOrder(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 10, 1000)
	seedMemoryProduct(m, "p2", 10, 250)
	ctx := context.Background()

	order, lines, err := m.CreatePendingOrder(ctx, "buyer-1", "key-1",
		[]domain.CartItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 4}},
		domain.DefaultTaxBps, domain.DefaultFeeBps)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, int64(3000), order.SubtotalMinor)
	assert.Equal(t, int64(150), order.TaxMinor)
	assert.Equal(t, int64(60), order.FeesMinor)
	assert.Equal(t, int64(3210), order.TotalMinor)
	require.Len(t, lines, 2)
	assert.Equal(t, order.ID, lines[0].OrderID)

	p1, _ := m.GetProduct(ctx, "p1")
	p2, _ := m.GetProduct(ctx, "p2")
	assert.Equal(t, 8, p1.Stock)
	assert.Equal(t, 6, p2.Stock)
}

func TestMemoryCreatePendingOrder_AllOrNothing(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 10, 1000)
	seedMemoryProduct(m, "p2", 1, 250)
	ctx := context.Background()

	_, _, err := m.CreatePendingOrder(ctx, "buyer-1", "",
		[]domain.CartItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 5}},
		domain.DefaultTaxBps, domain.DefaultFeeBps)
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	p1, _ := m.GetProduct(ctx, "p1")
	assert.Equal(t, 10, p1.Stock, "first line's reservation must be undone")
}

func TestMemoryCreatePendingOrder_DuplicateIdempotencyKey(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 10, 1000)
	ctx := context.Background()
	items := []domain.CartItem{{ProductID: "p1", Quantity: 1}}

	_, _, err := m.CreatePendingOrder(ctx, "buyer-1", "key-1", items, domain.DefaultTaxBps, domain.DefaultFeeBps)
	require.NoError(t, err)

	_, _, err = m.CreatePendingOrder(ctx, "buyer-1", "key-1", items, domain.DefaultTaxBps, domain.DefaultFeeBps)
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

	p, _ := m.GetProduct(ctx, "p1")
	assert.Equal(t, 9, p.Stock, "duplicate key must not reserve again")
}

func TestMemoryCreatePendingOrder_MixedCurrencies(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 10, 1000)
	m.PutProduct(&domain.Product{
		ID: "p2", SellerID: "seller-1", Stock: 10, Active: true, UnitPriceMinor: 250, Currency: "EUR",
	})
	ctx := context.Background()

	_, _, err := m.CreatePendingOrder(ctx, "buyer-1", "",
		[]domain.CartItem{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}},
		domain.DefaultTaxBps, domain.DefaultFeeBps)
	require.Error(t, err)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	p1, _ := m.GetProduct(ctx, "p1")
	p2, _ := m.GetProduct(ctx, "p2")
	assert.Equal(t, 10, p1.Stock)
	assert.Equal(t, 10, p2.Stock)
}

func TestMemoryGuardedTransitions(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 10, 1000)
	ctx := context.Background()

	order, _, err := m.CreatePendingOrder(ctx, "buyer-1", "",
		[]domain.CartItem{{ProductID: "p1", Quantity: 1}},
		domain.DefaultTaxBps, domain.DefaultFeeBps)
	require.NoError(t, err)
	now := time.Now().UTC()

	ok, err := m.CompleteOrder(ctx, order.ID, now, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// The order is no longer PENDING, so both transitions are no-ops.
	ok, _ = m.CompleteOrder(ctx, order.ID, now, "")
	assert.False(t, ok)
	ok, _ = m.CancelOrder(ctx, order.ID)
	assert.False(t, ok)

	got, _ := m.GetOrder(ctx, order.ID)
	assert.Equal(t, domain.OrderStatusCompleted, got.Status)
}

func TestMemoryCompleteOrder_ClearsCart(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 10, 1000)
	m.PutCartItem("buyer-1", domain.CartItem{ProductID: "p1", Quantity: 1})
	ctx := context.Background()

	order, _, err := m.CreatePendingOrder(ctx, "buyer-1", "",
		[]domain.CartItem{{ProductID: "p1", Quantity: 1}},
		domain.DefaultTaxBps, domain.DefaultFeeBps)
	require.NoError(t, err)

	ok, err := m.CompleteOrder(ctx, order.ID, time.Now().UTC(), "buyer-1")
	require.NoError(t, err)
	require.True(t, ok)

	items, _ := m.CartItems(ctx, "buyer-1")
	assert.Empty(t, items)
}

func TestMemoryIssueStoreCredit(t *testing.T) {
	m := NewMemoryStore()
	seedMemoryProduct(m, "p1", 10, 1000)
	ctx := context.Background()

	order, _, err := m.CreatePendingOrder(ctx, "buyer-1", "",
		[]domain.CartItem{{ProductID: "p1", Quantity: 1}},
		domain.DefaultTaxBps, domain.DefaultFeeBps)
	require.NoError(t, err)
	_, err = m.CompleteOrder(ctx, order.ID, time.Now().UTC(), "")
	require.NoError(t, err)

	ret := &domain.ReturnRequest{
		ID: "ret-1", RMANumber: "RMA-1", OrderID: order.ID, BuyerID: "buyer-1",
		Status: domain.ReturnStatusInspection,
	}
	require.NoError(t, m.CreateReturn(ctx, ret))

	now := time.Now().UTC()
	refund := &domain.Refund{
		ID: "ref-1", ReturnID: "ret-1",
		Method: domain.RefundMethodStoreCredit, AmountMinor: 500,
		Status: domain.RefundStatusApproved, ProcessedAt: now,
	}
	require.NoError(t, m.IssueStoreCredit(ctx, refund, order.ID, "buyer-1", now))

	balance, _ := m.CreditBalance(ctx, "buyer-1")
	assert.Equal(t, int64(500), balance)
	got, _ := m.GetOrder(ctx, order.ID)
	assert.Equal(t, domain.OrderStatusRefunded, got.Status)
	assert.Equal(t, int64(500), got.RefundedMinorTotal)
	after, _ := m.GetReturn(ctx, "ret-1")
	assert.Equal(t, domain.ReturnStatusCompleted, after.Status)
}
