package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/trovamarket/settlement/internal/core/domain"
)

const mysqlDupEntry = 1062

// MySQLStore is the transactional storage adapter. Stock correctness
// rests entirely on conditional updates: reservation is one
// `UPDATE ... WHERE stock >= ?` whose affected-row count decides the
// outcome, never a read-then-write pair.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// --- InventoryLedger ---

func (m *MySQLStore) Reserve(ctx context.Context, productID string, quantity int, buyerID string) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - ?, updated_at = NOW()
		WHERE id = ? AND active = 1 AND seller_id <> ? AND stock >= ?`,
		quantity, productID, buyerID, quantity,
	)
	if err != nil {
		return false, fmt.Errorf("reserve stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLStore) Release(ctx context.Context, productID string, quantity int) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE products SET stock = stock + ?, updated_at = NOW() WHERE id = ?`,
		quantity, productID,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	return nil
}

func (m *MySQLStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := m.db.QueryRowContext(ctx, `
		SELECT id, seller_id, stock, active, unit_price_minor, currency, created_at, updated_at
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.SellerID, &p.Stock, &p.Active, &p.UnitPriceMinor, &p.Currency, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(domain.KindNotFound, "product "+productID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

// --- OrderStore ---

func (m *MySQLStore) CreatePendingOrder(ctx context.Context, buyerID string, idempotencyKey string, items []domain.CartItem, taxBps, feeBps int64) (*domain.Order, []domain.OrderLine, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var subtotal int64
	currency := ""
	lines := make([]domain.OrderLine, 0, len(items))
	for _, item := range items {
		result, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - ?, updated_at = NOW()
			WHERE id = ? AND active = 1 AND seller_id <> ? AND stock >= ?`,
			item.Quantity, item.ProductID, buyerID, item.Quantity,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("reserve stock: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil, nil, domain.E(domain.KindConflict, fmt.Sprintf("reservation failed for product %s", item.ProductID))
		}

		var unitMinor int64
		var cur string
		err = tx.QueryRowContext(ctx,
			`SELECT unit_price_minor, currency FROM products WHERE id = ?`,
			item.ProductID,
		).Scan(&unitMinor, &cur)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot price: %w", err)
		}
		if currency == "" {
			currency = cur
		} else if currency != cur {
			return nil, nil, domain.E(domain.KindConflict, "cart mixes currencies")
		}

		lineTotal := unitMinor * int64(item.Quantity)
		subtotal += lineTotal
		lines = append(lines, domain.OrderLine{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitMinor:      unitMinor,
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

	idemKey := sql.NullString{String: idempotencyKey, Valid: idempotencyKey != ""}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders
			(id, buyer_id, status, subtotal_minor, tax_minor, fees_minor, total_minor,
			 currency, idempotency_key, refunded_minor_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		order.ID, order.BuyerID, order.Status, order.SubtotalMinor, order.TaxMinor,
		order.FeesMinor, order.TotalMinor, order.Currency, idemKey, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDupEntry {
			return nil, nil, domain.Wrap(domain.KindConflict, "create order", domain.ErrDuplicateIdempotencyKey)
		}
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}

	for i := range lines {
		lines[i].OrderID = order.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, product_id, quantity, unit_minor, line_total_minor)
			VALUES (?, ?, ?, ?, ?)`,
			lines[i].OrderID, lines[i].ProductID, lines[i].Quantity, lines[i].UnitMinor, lines[i].LineTotalMinor,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("insert order line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return order, lines, nil
}

func (m *MySQLStore) CompleteOrder(ctx context.Context, orderID string, completedAt time.Time, clearCartBuyerID string) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, completed_at = ?, updated_at = NOW()
		WHERE id = ? AND status = ?`,
		domain.OrderStatusCompleted, completedAt, orderID, domain.OrderStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("complete order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	if clearCartBuyerID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE buyer_id = ?`, clearCartBuyerID); err != nil {
			return false, fmt.Errorf("clear cart: %w", err)
		}
	}
	return true, tx.Commit()
}

func (m *MySQLStore) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?`,
		domain.OrderStatusCanceled, orderID, domain.OrderStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	var idemKey sql.NullString
	var completedAt sql.NullTime
	err := m.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, status, subtotal_minor, tax_minor, fees_minor, total_minor,
		       currency, idempotency_key, refunded_minor_total, completed_at, created_at, updated_at
		FROM orders WHERE id = ?`, orderID,
	).Scan(&o.ID, &o.BuyerID, &o.Status, &o.SubtotalMinor, &o.TaxMinor, &o.FeesMinor,
		&o.TotalMinor, &o.Currency, &idemKey, &o.RefundedMinorTotal, &completedAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(domain.KindNotFound, "order "+orderID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	o.IdempotencyKey = idemKey.String
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	return &o, nil
}

func (m *MySQLStore) GetOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT order_id, product_id, quantity, unit_minor, line_total_minor
		FROM order_lines WHERE order_id = ?`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.OrderLine
	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.OrderID, &l.ProductID, &l.Quantity, &l.UnitMinor, &l.LineTotalMinor); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (m *MySQLStore) SavePaymentRecord(ctx context.Context, rec *domain.PaymentRecord) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO payment_records
			(id, order_id, method, status, approval_ref, failure_reason, amount_minor, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OrderID, rec.Method, rec.Status, rec.ApprovalRef, rec.FailureReason,
		rec.AmountMinor, rec.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

func (m *MySQLStore) GetPaymentRecord(ctx context.Context, paymentID string) (*domain.PaymentRecord, error) {
	var rec domain.PaymentRecord
	err := m.db.QueryRowContext(ctx, `
		SELECT id, order_id, method, status, approval_ref, failure_reason, amount_minor, processed_at
		FROM payment_records WHERE id = ?`, paymentID,
	).Scan(&rec.ID, &rec.OrderID, &rec.Method, &rec.Status, &rec.ApprovalRef,
		&rec.FailureReason, &rec.AmountMinor, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(domain.KindNotFound, "payment "+paymentID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query payment record: %w", err)
	}
	return &rec, nil
}

func (m *MySQLStore) CartItems(ctx context.Context, buyerID string) ([]domain.CartItem, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT product_id, quantity FROM cart_items WHERE buyer_id = ?`, buyerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	defer rows.Close()

	var items []domain.CartItem
	for rows.Next() {
		var it domain.CartItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- ReturnStore ---

func (m *MySQLStore) CreateReturn(ctx context.Context, req *domain.ReturnRequest) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO return_requests
			(id, rma_number, order_id, buyer_id, reason, details, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RMANumber, req.OrderID, req.BuyerID, req.Reason, req.Details,
		req.Status, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert return: %w", err)
	}
	for _, item := range req.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO return_items (return_id, product_id, quantity) VALUES (?, ?, ?)`,
			req.ID, item.ProductID, item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("insert return item: %w", err)
		}
	}
	return tx.Commit()
}

func (m *MySQLStore) GetReturn(ctx context.Context, id string) (*domain.ReturnRequest, error) {
	var req domain.ReturnRequest
	var creditAt sql.NullTime
	err := m.db.QueryRowContext(ctx, `
		SELECT id, rma_number, order_id, buyer_id, reason, details, status, credit_issued_at, created_at, updated_at
		FROM return_requests WHERE id = ?`, id,
	).Scan(&req.ID, &req.RMANumber, &req.OrderID, &req.BuyerID, &req.Reason, &req.Details,
		&req.Status, &creditAt, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(domain.KindNotFound, "return "+id+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query return: %w", err)
	}
	if creditAt.Valid {
		req.CreditIssuedAt = &creditAt.Time
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT product_id, quantity FROM return_items WHERE return_id = ?`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query return items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.ReturnItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan return item: %w", err)
		}
		req.Items = append(req.Items, item)
	}
	return &req, rows.Err()
}

func (m *MySQLStore) UpdateReturnStatus(ctx context.Context, id string, status domain.ReturnStatus) error {
	result, err := m.db.ExecContext(ctx,
		`UPDATE return_requests SET status = ?, updated_at = NOW() WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update return status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.E(domain.KindNotFound, "return "+id+" not found")
	}
	return nil
}

func (m *MySQLStore) AddInspection(ctx context.Context, rec *domain.InspectionRecord) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inspections (id, return_id, result, notes, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ReturnID, rec.Result, rec.Notes, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert inspection: %w", err)
	}
	return nil
}

func (m *MySQLStore) SaveRefund(ctx context.Context, refund *domain.Refund) error {
	return m.insertRefund(ctx, m.db, refund)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *MySQLStore) insertRefund(ctx context.Context, db execer, refund *domain.Refund) error {
	paymentID := sql.NullString{String: refund.PaymentID, Valid: refund.PaymentID != ""}
	_, err := db.ExecContext(ctx, `
		INSERT INTO refunds
			(id, return_id, payment_id, method, amount_minor, status, refund_ref, reason, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID, refund.ReturnID, paymentID, refund.Method, refund.AmountMinor,
		refund.Status, refund.RefundRef, refund.Reason, refund.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

// IssueStoreCredit commits all four writes or none: the refund row, the
// buyer credit increment, the order transition and the return completion
// share one transaction.
func (m *MySQLStore) IssueStoreCredit(ctx context.Context, refund *domain.Refund, orderID, buyerID string, creditedAt time.Time) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := m.insertRefund(ctx, tx, refund); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO buyers (id, credit_balance_minor) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE credit_balance_minor = credit_balance_minor + VALUES(credit_balance_minor)`,
		buyerID, refund.AmountMinor,
	)
	if err != nil {
		return fmt.Errorf("credit buyer: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET refunded_minor_total = refunded_minor_total + ?, status = ?, updated_at = NOW()
		WHERE id = ?`,
		refund.AmountMinor, domain.OrderStatusRefunded, orderID,
	)
	if err != nil {
		return fmt.Errorf("mark order refunded: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.E(domain.KindNotFound, "order "+orderID+" not found")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE return_requests
		SET status = ?, credit_issued_at = ?, updated_at = NOW()
		WHERE id = ?`,
		domain.ReturnStatusCompleted, creditedAt, refund.ReturnID,
	)
	if err != nil {
		return fmt.Errorf("complete return: %w", err)
	}

	return tx.Commit()
}

func (m *MySQLStore) CreditBalance(ctx context.Context, buyerID string) (int64, error) {
	var balance int64
	err := m.db.QueryRowContext(ctx,
		`SELECT credit_balance_minor FROM buyers WHERE id = ?`, buyerID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query credit balance: %w", err)
	}
	return balance, nil
}

// --- AuditLog ---

func (m *MySQLStore) Append(ctx context.Context, entry domain.AuditEntry) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, entity_kind, entity_id, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ActorID, entry.Action, entry.EntityKind, entry.EntityID, entry.Detail, entry.At,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
