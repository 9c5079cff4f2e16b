package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	_ "github.com/go-sql-driver/mysql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id               VARCHAR(36) PRIMARY KEY,
		seller_id        VARCHAR(36) NOT NULL,
		stock            INT NOT NULL,
		active           TINYINT(1) NOT NULL DEFAULT 1,
		unit_price_minor BIGINT NOT NULL,
		currency         CHAR(3) NOT NULL,
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT chk_stock_nonnegative CHECK (stock >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                   VARCHAR(36) PRIMARY KEY,
		buyer_id             VARCHAR(36) NOT NULL,
		status               VARCHAR(16) NOT NULL,
		subtotal_minor       BIGINT NOT NULL,
		tax_minor            BIGINT NOT NULL,
		fees_minor           BIGINT NOT NULL,
		total_minor          BIGINT NOT NULL,
		currency             CHAR(3) NOT NULL,
		idempotency_key      VARCHAR(128) NULL,
		refunded_minor_total BIGINT NOT NULL DEFAULT 0,
		completed_at         DATETIME NULL,
		created_at           DATETIME NOT NULL,
		updated_at           DATETIME NOT NULL,
		UNIQUE KEY uq_orders_idempotency_key (idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		order_id         VARCHAR(36) NOT NULL,
		product_id       VARCHAR(36) NOT NULL,
		quantity         INT NOT NULL,
		unit_minor       BIGINT NOT NULL,
		line_total_minor BIGINT NOT NULL,
		KEY ix_order_lines_order_id (order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_records (
		id             VARCHAR(36) PRIMARY KEY,
		order_id       VARCHAR(36) NOT NULL,
		method         VARCHAR(32) NOT NULL,
		status         VARCHAR(16) NOT NULL,
		approval_ref   VARCHAR(64) NOT NULL DEFAULT '',
		failure_reason VARCHAR(255) NOT NULL DEFAULT '',
		amount_minor   BIGINT NOT NULL,
		processed_at   DATETIME NOT NULL,
		KEY ix_payment_records_order_id (order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS return_requests (
		id               VARCHAR(36) PRIMARY KEY,
		rma_number       VARCHAR(32) NOT NULL,
		order_id         VARCHAR(36) NOT NULL,
		buyer_id         VARCHAR(36) NOT NULL,
		reason           VARCHAR(255) NOT NULL,
		details          TEXT,
		status           VARCHAR(32) NOT NULL,
		credit_issued_at DATETIME NULL,
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL,
		UNIQUE KEY uq_return_requests_rma (rma_number)
	)`,
	`CREATE TABLE IF NOT EXISTS return_items (
		return_id  VARCHAR(36) NOT NULL,
		product_id VARCHAR(36) NOT NULL,
		quantity   INT NOT NULL,
		KEY ix_return_items_return_id (return_id)
	)`,
	`CREATE TABLE IF NOT EXISTS inspections (
		id          VARCHAR(36) PRIMARY KEY,
		return_id   VARCHAR(36) NOT NULL,
		result      VARCHAR(64) NOT NULL,
		notes       TEXT,
		recorded_at DATETIME NOT NULL,
		KEY ix_inspections_return_id (return_id)
	)`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id           VARCHAR(36) PRIMARY KEY,
		return_id    VARCHAR(36) NOT NULL,
		payment_id   VARCHAR(36) NULL,
		method       VARCHAR(32) NOT NULL,
		amount_minor BIGINT NOT NULL,
		status       VARCHAR(16) NOT NULL,
		refund_ref   VARCHAR(64) NOT NULL DEFAULT '',
		reason       VARCHAR(255) NOT NULL DEFAULT '',
		processed_at DATETIME NOT NULL,
		KEY ix_refunds_return_id (return_id)
	)`,
	`CREATE TABLE IF NOT EXISTS buyers (
		id                   VARCHAR(36) PRIMARY KEY,
		credit_balance_minor BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		buyer_id   VARCHAR(36) NOT NULL,
		product_id VARCHAR(36) NOT NULL,
		quantity   INT NOT NULL,
		KEY ix_cart_items_buyer_id (buyer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id          VARCHAR(36) PRIMARY KEY,
		actor_id    VARCHAR(36) NOT NULL,
		action      VARCHAR(64) NOT NULL,
		entity_kind VARCHAR(32) NOT NULL,
		entity_id   VARCHAR(36) NOT NULL,
		detail      VARCHAR(255) NOT NULL DEFAULT '',
		at          DATETIME NOT NULL
	)`,
}

func main() {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/settlement?parseTime=true"
	}

	ctx := context.Background()
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("open mysql: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping mysql: %v", err)
	}

	log.Println("creating schema")
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Fatalf("schema: %v", err)
		}
	}

	var count int
	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&count)
	if count > 0 {
		log.Printf("products already seeded (%d rows), skipping", count)
		return
	}

	log.Println("seeding demo data")
	seed := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO products (id, seller_id, stock, active, unit_price_minor, currency) VALUES (?, ?, ?, 1, ?, ?)`,
			[]any{"prod-keyboard", "seller-1", 100, int64(4500), "USD"}},
		{`INSERT INTO products (id, seller_id, stock, active, unit_price_minor, currency) VALUES (?, ?, ?, 1, ?, ?)`,
			[]any{"prod-mouse", "seller-1", 250, int64(1900), "USD"}},
		{`INSERT INTO products (id, seller_id, stock, active, unit_price_minor, currency) VALUES (?, ?, ?, 0, ?, ?)`,
			[]any{"prod-retired", "seller-2", 10, int64(9900), "USD"}},
		{`INSERT INTO buyers (id, credit_balance_minor) VALUES (?, 0)`, []any{"buyer-1"}},
		{`INSERT INTO cart_items (buyer_id, product_id, quantity) VALUES (?, ?, ?)`,
			[]any{"buyer-1", "prod-keyboard", 1}},
		{`INSERT INTO cart_items (buyer_id, product_id, quantity) VALUES (?, ?, ?)`,
			[]any{"buyer-1", "prod-mouse", 2}},
	}
	for _, s := range seed {
		if _, err := db.ExecContext(ctx, s.query, s.args...); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}
	log.Println("done")
}
