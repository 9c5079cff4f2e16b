package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trovamarket/settlement/internal/core/domain"
)

// MemoryStore is a mutex-guarded in-memory implementation of the storage
// ports, used by unit tests and by the server in demo mode. One lock
// around each operation gives the same atomicity the MySQL adapter gets
// from transactions.
type MemoryStore struct {
	mu sync.Mutex

	products   map[string]*domain.Product
	orders     map[string]*domain.Order
	orderLines map[string][]domain.OrderLine
	payments   map[string]*domain.PaymentRecord
	returns    map[string]*domain.ReturnRequest
	inspection map[string][]domain.InspectionRecord
	refunds    map[string]*domain.Refund
	credits    map[string]int64
	carts      map[string][]domain.CartItem
	audit      []domain.AuditEntry

	// FailStoreCredit, when set, makes IssueStoreCredit fail before any
	// write, simulating a transaction that cannot commit.
	FailStoreCredit error

	// FailCompleteOrder does the same for CompleteOrder.
	FailCompleteOrder error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:   make(map[string]*domain.Product),
		orders:     make(map[string]*domain.Order),
		orderLines: make(map[string][]domain.OrderLine),
		payments:   make(map[string]*domain.PaymentRecord),
		returns:    make(map[string]*domain.ReturnRequest),
		inspection: make(map[string][]domain.InspectionRecord),
		refunds:    make(map[string]*domain.Refund),
		credits:    make(map[string]int64),
		carts:      make(map[string][]domain.CartItem),
	}
}

// PutProduct seeds or replaces a product.
func (m *MemoryStore) PutProduct(p *domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
}

// PutCartItem seeds a buyer's cart.
func (m *MemoryStore) PutCartItem(buyerID string, item domain.CartItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[buyerID] = append(m.carts[buyerID], item)
}

// --- InventoryLedger ---

func (m *MemoryStore) Reserve(ctx context.Context, productID string, quantity int, buyerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(productID, quantity, buyerID), nil
}

func (m *MemoryStore) reserveLocked(productID string, quantity int, buyerID string) bool {
	p, ok := m.products[productID]
	if !ok || !p.Active || p.SellerID == buyerID || p.Stock < quantity {
		return false
	}
	p.Stock -= quantity
	p.UpdatedAt = time.Now().UTC()
	return true
}

func (m *MemoryStore) Release(ctx context.Context, productID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return domain.E(domain.KindNotFound, "product "+productID+" not found")
	}
	p.Stock += quantity
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "product "+productID+" not found")
	}
	cp := *p
	return &cp, nil
}

// --- OrderStore ---

func (m *MemoryStore) CreatePendingOrder(ctx context.Context, buyerID string, idempotencyKey string, items []domain.CartItem, taxBps, feeBps int64) (*domain.Order, []domain.OrderLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		for _, o := range m.orders {
			if o.IdempotencyKey == idempotencyKey {
				return nil, nil, domain.Wrap(domain.KindConflict, "create order", domain.ErrDuplicateIdempotencyKey)
			}
		}
	}

	// Reserve each line; undo everything on the first failure so the
	// whole phase is all-or-nothing, like a rolled-back transaction.
	reserved := make([]domain.CartItem, 0, len(items))
	undo := func() {
		for _, r := range reserved {
			m.products[r.ProductID].Stock += r.Quantity
		}
	}

	var subtotal int64
	currency := ""
	lines := make([]domain.OrderLine, 0, len(items))
	for _, item := range items {
		if !m.reserveLocked(item.ProductID, item.Quantity, buyerID) {
			undo()
			return nil, nil, domain.E(domain.KindConflict, fmt.Sprintf("reservation failed for product %s", item.ProductID))
		}
		reserved = append(reserved, item)

		p := m.products[item.ProductID]
		if currency == "" {
			currency = p.Currency
		} else if currency != p.Currency {
			undo()
			return nil, nil, domain.E(domain.KindConflict, "cart mixes currencies")
		}
		lineTotal := p.UnitPriceMinor * int64(item.Quantity)
		subtotal += lineTotal
		lines = append(lines, domain.OrderLine{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitMinor:      p.UnitPriceMinor,
			LineTotalMinor: lineTotal,
		})
	}

	totals := domain.ComputeTotals(subtotal, taxBps, feeBps)
	now := time.Now().UTC()
	order := &domain.Order{
		ID:             uuid.NewString(),
		BuyerID:        buyerID,
		Status:         domain.OrderStatusPending,
		SubtotalMinor:  totals.SubtotalMinor,
		TaxMinor:       totals.TaxMinor,
		FeesMinor:      totals.FeesMinor,
		TotalMinor:     totals.TotalMinor,
		Currency:       currency,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := range lines {
		lines[i].OrderID = order.ID
	}

	m.orders[order.ID] = order
	m.orderLines[order.ID] = lines

	cp := *order
	out := make([]domain.OrderLine, len(lines))
	copy(out, lines)
	return &cp, out, nil
}

func (m *MemoryStore) CompleteOrder(ctx context.Context, orderID string, completedAt time.Time, clearCartBuyerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCompleteOrder != nil {
		return false, m.FailCompleteOrder
	}
	o, ok := m.orders[orderID]
	if !ok || o.Status != domain.OrderStatusPending {
		return false, nil
	}
	o.Status = domain.OrderStatusCompleted
	o.CompletedAt = &completedAt
	o.UpdatedAt = completedAt
	if clearCartBuyerID != "" {
		delete(m.carts, clearCartBuyerID)
	}
	return true, nil
}

func (m *MemoryStore) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != domain.OrderStatusPending {
		return false, nil
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "order "+orderID+" not found")
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := m.orderLines[orderID]
	out := make([]domain.OrderLine, len(lines))
	copy(out, lines)
	return out, nil
}

func (m *MemoryStore) SavePaymentRecord(ctx context.Context, rec *domain.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.payments[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPaymentRecord(ctx context.Context, paymentID string) (*domain.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[paymentID]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "payment "+paymentID+" not found")
	}
	cp := *rec
	return &cp, nil
}

// PaymentRecordForOrder returns the order's terminal payment record, for
// tests and demo flows.
func (m *MemoryStore) PaymentRecordForOrder(orderID string) *domain.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.payments {
		if rec.OrderID == orderID {
			cp := *rec
			return &cp
		}
	}
	return nil
}

// OrdersByIdempotencyKey returns the orders created under a key, for
// tests.
func (m *MemoryStore) OrdersByIdempotencyKey(key string) []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryStore) CartItems(ctx context.Context, buyerID string) ([]domain.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.carts[buyerID]
	out := make([]domain.CartItem, len(items))
	copy(out, items)
	return out, nil
}

// --- ReturnStore ---

func (m *MemoryStore) CreateReturn(ctx context.Context, req *domain.ReturnRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.returns[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetReturn(ctx context.Context, id string) (*domain.ReturnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.returns[id]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "return "+id+" not found")
	}
	cp := *req
	return &cp, nil
}

func (m *MemoryStore) UpdateReturnStatus(ctx context.Context, id string, status domain.ReturnStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.returns[id]
	if !ok {
		return domain.E(domain.KindNotFound, "return "+id+" not found")
	}
	req.Status = status
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AddInspection(ctx context.Context, rec *domain.InspectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inspection[rec.ReturnID] = append(m.inspection[rec.ReturnID], *rec)
	return nil
}

func (m *MemoryStore) SaveRefund(ctx context.Context, refund *domain.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *refund
	m.refunds[refund.ID] = &cp
	return nil
}

func (m *MemoryStore) IssueStoreCredit(ctx context.Context, refund *domain.Refund, orderID, buyerID string, creditedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailStoreCredit != nil {
		return m.FailStoreCredit
	}
	order, ok := m.orders[orderID]
	if !ok {
		return domain.E(domain.KindNotFound, "order "+orderID+" not found")
	}
	req, ok := m.returns[refund.ReturnID]
	if !ok {
		return domain.E(domain.KindNotFound, "return "+refund.ReturnID+" not found")
	}

	cp := *refund
	m.refunds[refund.ID] = &cp
	m.credits[buyerID] += refund.AmountMinor
	order.RefundedMinorTotal += refund.AmountMinor
	order.Status = domain.OrderStatusRefunded
	order.UpdatedAt = creditedAt
	req.Status = domain.ReturnStatusCompleted
	req.CreditIssuedAt = &creditedAt
	req.UpdatedAt = creditedAt
	return nil
}

func (m *MemoryStore) CreditBalance(ctx context.Context, buyerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits[buyerID], nil
}

// --- AuditLog ---

func (m *MemoryStore) Append(ctx context.Context, entry domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// AuditEntries returns a copy of the audit trail, for tests.
func (m *MemoryStore) AuditEntries() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}
