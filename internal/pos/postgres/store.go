// Package postgres provides PostgreSQL-backed implementations of the POS
// record store and the conversation history.
//
// Both types take a [DB], which *pgxpool.Pool and *pgx.Conn satisfy. Run
// [Migrate] once before issuing queries, or use [Open] which connects,
// pings and migrates in one step.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/posvoice/internal/pos"
)

// Schema is the DDL for every table used by this package.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
    id        TEXT      PRIMARY KEY,
    position  BIGSERIAL NOT NULL,
    barcode   TEXT      NOT NULL DEFAULT '',
    name      TEXT      NOT NULL,
    price     BIGINT    NOT NULL DEFAULT 0,
    quantity  INTEGER   NOT NULL DEFAULT 0,
    unit      TEXT      NOT NULL DEFAULT '',
    category  TEXT      NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_products_position ON products (position);

CREATE TABLE IF NOT EXISTS stock_logs (
    id            TEXT        PRIMARY KEY,
    date          TIMESTAMPTZ NOT NULL DEFAULT now(),
    product_name  TEXT        NOT NULL,
    change        INTEGER     NOT NULL,
    reason        TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_stock_logs_date ON stock_logs (date);

CREATE TABLE IF NOT EXISTS customers (
    id           TEXT        PRIMARY KEY,
    position     BIGSERIAL   NOT NULL,
    name         TEXT        NOT NULL,
    phone        TEXT        NOT NULL,
    address      TEXT        NOT NULL DEFAULT '',
    total_spent  BIGINT      NOT NULL DEFAULT 0,
    last_visit   TIMESTAMPTZ NOT NULL DEFAULT now(),
    notes        TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_customers_phone ON customers (phone);

CREATE TABLE IF NOT EXISTS pre_orders (
    id               TEXT        PRIMARY KEY,
    customer_id      TEXT        NOT NULL DEFAULT '',
    customer_name    TEXT        NOT NULL DEFAULT '',
    customer_phone   TEXT        NOT NULL,
    product_request  TEXT        NOT NULL,
    quantity         INTEGER     NOT NULL,
    date             TIMESTAMPTZ NOT NULL DEFAULT now(),
    status           TEXT        NOT NULL,
    notes            TEXT        NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS invoices (
    id                TEXT        PRIMARY KEY,
    date              TIMESTAMPTZ NOT NULL,
    items             JSONB       NOT NULL DEFAULT '[]',
    subtotal          BIGINT      NOT NULL,
    tax               BIGINT      NOT NULL,
    total             BIGINT      NOT NULL,
    customer_name     TEXT        NOT NULL DEFAULT '',
    customer_phone    TEXT        NOT NULL DEFAULT '',
    customer_address  TEXT        NOT NULL DEFAULT '',
    customer_id       TEXT        NOT NULL DEFAULT '',
    type              TEXT        NOT NULL,
    is_wholesale      BOOLEAN     NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_invoices_date ON invoices (date);

CREATE TABLE IF NOT EXISTS conversation_turns (
    id       BIGSERIAL   PRIMARY KEY,
    text     TEXT        NOT NULL,
    is_user  BOOLEAN     NOT NULL,
    ts       TIMESTAMPTZ NOT NULL
);
`

// DB is the database interface used by this package. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate executes [Schema] against db.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Open connects a pool to dsn, pings it and runs [Migrate]. The caller
// closes the pool.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// TxDB is a [DB] that can open transactions. *pgxpool.Pool and *pgx.Conn
// satisfy it.
type TxDB interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a [pos.Store] backed by PostgreSQL.
type Store struct {
	db  TxDB
	now func() time.Time
}

// Compile-time interface check.
var _ pos.Store = (*Store)(nil)

// NewStore returns a Store using db.
func NewStore(db TxDB) *Store {
	return &Store{db: db, now: time.Now}
}

// ── Products ─────────────────────────────────────────────────────────────────

const productColumns = `id, barcode, name, price, quantity, unit, category`

func scanProduct(row pgx.Row) (pos.Product, error) {
	var p pos.Product
	err := row.Scan(&p.ID, &p.Barcode, &p.Name, &p.Price, &p.Quantity, &p.Unit, &p.Category)
	return p, err
}

// PutProduct implements [pos.Store]. An existing product keeps its position.
func (s *Store) PutProduct(ctx context.Context, p pos.Product) error {
	const query = `
		INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			barcode = EXCLUDED.barcode, name = EXCLUDED.name, price = EXCLUDED.price,
			quantity = EXCLUDED.quantity, unit = EXCLUDED.unit, category = EXCLUDED.category`

	if _, err := s.db.Exec(ctx, query, p.ID, p.Barcode, p.Name, p.Price, p.Quantity, p.Unit, p.Category); err != nil {
		return fmt.Errorf("postgres: put product %q: %w", p.ID, err)
	}
	return nil
}

// FindProduct implements [pos.Store].
func (s *Store) FindProduct(ctx context.Context, query string) (pos.Product, error) {
	const sql = `
		SELECT ` + productColumns + `
		FROM products
		WHERE strpos(lower(name), lower($1)) > 0
		ORDER BY position
		LIMIT 1`

	p, err := scanProduct(s.db.QueryRow(ctx, sql, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pos.Product{}, pos.ErrNotFound
		}
		return pos.Product{}, fmt.Errorf("postgres: find product: %w", err)
	}
	return p, nil
}

// ListProducts implements [pos.Store].
func (s *Store) ListProducts(ctx context.Context) ([]pos.Product, error) {
	rows, err := s.db.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list products: %w", err)
	}
	defer rows.Close()

	var out []pos.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan product: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list products: %w", err)
	}
	return out, nil
}

// AdjustStock implements [pos.Store]. The quantity change and its stock log
// are written by one statement.
func (s *Store) AdjustStock(ctx context.Context, productID string, delta int, reason string) (pos.Product, error) {
	const query = `
		WITH p AS (
			UPDATE products SET quantity = quantity + $2
			WHERE id = $1
			RETURNING ` + productColumns + `
		), l AS (
			INSERT INTO stock_logs (id, date, product_name, change, reason)
			SELECT $3, $4, name, $2, $5 FROM p
		)
		SELECT ` + productColumns + ` FROM p`

	p, err := scanProduct(s.db.QueryRow(ctx, query, productID, delta, uuid.NewString(), s.now(), reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pos.Product{}, pos.ErrNotFound
		}
		return pos.Product{}, fmt.Errorf("postgres: adjust stock %q: %w", productID, err)
	}
	return p, nil
}

// ListStockLogs implements [pos.Store].
func (s *Store) ListStockLogs(ctx context.Context) ([]pos.StockLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, date, product_name, change, reason
		FROM stock_logs ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stock logs: %w", err)
	}
	defer rows.Close()

	var out []pos.StockLog
	for rows.Next() {
		var l pos.StockLog
		if err := rows.Scan(&l.ID, &l.Date, &l.ProductName, &l.Change, &l.Reason); err != nil {
			return nil, fmt.Errorf("postgres: scan stock log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list stock logs: %w", err)
	}
	return out, nil
}

// ── Customers ────────────────────────────────────────────────────────────────

const customerColumns = `id, name, phone, address, total_spent, last_visit, notes`

func scanCustomer(row pgx.Row) (pos.Customer, error) {
	var c pos.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Address, &c.TotalSpent, &c.LastVisit, &c.Notes)
	return c, err
}

// AddCustomer implements [pos.Store].
func (s *Store) AddCustomer(ctx context.Context, c pos.Customer) error {
	const query = `INSERT INTO customers (` + customerColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query, c.ID, c.Name, c.Phone, c.Address, c.TotalSpent, c.LastVisit, c.Notes)
	if err != nil {
		if isDuplicateKeyError(err) {
			return pos.ErrDuplicateID
		}
		return fmt.Errorf("postgres: add customer: %w", err)
	}
	return nil
}

// UpdateCustomer implements [pos.Store].
func (s *Store) UpdateCustomer(ctx context.Context, c pos.Customer) error {
	const query = `
		UPDATE customers SET name = $2, phone = $3, address = $4,
			total_spent = $5, last_visit = $6, notes = $7
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, c.ID, c.Name, c.Phone, c.Address, c.TotalSpent, c.LastVisit, c.Notes)
	if err != nil {
		return fmt.Errorf("postgres: update customer %q: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return pos.ErrNotFound
	}
	return nil
}

func (s *Store) oneCustomer(ctx context.Context, where string, arg string) (pos.Customer, error) {
	sql := `SELECT ` + customerColumns + ` FROM customers WHERE ` + where + ` ORDER BY position LIMIT 1`
	c, err := scanCustomer(s.db.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pos.Customer{}, pos.ErrNotFound
		}
		return pos.Customer{}, fmt.Errorf("postgres: customer lookup: %w", err)
	}
	return c, nil
}

// CustomerByPhone implements [pos.Store].
func (s *Store) CustomerByPhone(ctx context.Context, phone string) (pos.Customer, error) {
	return s.oneCustomer(ctx, `phone = $1`, phone)
}

// SearchCustomer implements [pos.Store].
func (s *Store) SearchCustomer(ctx context.Context, query string) (pos.Customer, error) {
	return s.oneCustomer(ctx, `strpos(phone, $1) > 0 OR strpos(lower(name), lower($1)) > 0`, query)
}

// ListCustomers implements [pos.Store].
func (s *Store) ListCustomers(ctx context.Context) ([]pos.Customer, error) {
	rows, err := s.db.Query(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list customers: %w", err)
	}
	defer rows.Close()

	var out []pos.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan customer: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list customers: %w", err)
	}
	return out, nil
}

// ── Pre-orders ───────────────────────────────────────────────────────────────

// AddPreOrder implements [pos.Store].
func (s *Store) AddPreOrder(ctx context.Context, po pos.PreOrder) error {
	const query = `
		INSERT INTO pre_orders (id, customer_id, customer_name, customer_phone,
			product_request, quantity, date, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.Exec(ctx, query, po.ID, po.CustomerID, po.CustomerName, po.CustomerPhone,
		po.ProductRequest, po.Quantity, po.Date, string(po.Status), po.Notes)
	if err != nil {
		if isDuplicateKeyError(err) {
			return pos.ErrDuplicateID
		}
		return fmt.Errorf("postgres: add pre-order: %w", err)
	}
	return nil
}

// ListPreOrders implements [pos.Store].
func (s *Store) ListPreOrders(ctx context.Context) ([]pos.PreOrder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, customer_id, customer_name, customer_phone, product_request,
		       quantity, date, status, notes
		FROM pre_orders ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pre-orders: %w", err)
	}
	defer rows.Close()

	var out []pos.PreOrder
	for rows.Next() {
		var po pos.PreOrder
		var status string
		if err := rows.Scan(&po.ID, &po.CustomerID, &po.CustomerName, &po.CustomerPhone,
			&po.ProductRequest, &po.Quantity, &po.Date, &status, &po.Notes); err != nil {
			return nil, fmt.Errorf("postgres: scan pre-order: %w", err)
		}
		po.Status = pos.PreOrderStatus(status)
		out = append(out, po)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pre-orders: %w", err)
	}
	return out, nil
}

// ── Invoices ─────────────────────────────────────────────────────────────────

// AddInvoice implements [pos.Store]. Line items are stored as JSONB.
func (s *Store) AddInvoice(ctx context.Context, inv pos.Invoice) error {
	return insertInvoice(ctx, s.db, inv)
}

func insertInvoice(ctx context.Context, db DB, inv pos.Invoice) error {
	items := inv.Items
	if items == nil {
		items = []pos.LineItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("postgres: marshal invoice items: %w", err)
	}

	const query = `
		INSERT INTO invoices (id, date, items, subtotal, tax, total, customer_name,
			customer_phone, customer_address, customer_id, type, is_wholesale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = db.Exec(ctx, query, inv.ID, inv.Date, itemsJSON, inv.Subtotal, inv.Tax, inv.Total,
		inv.CustomerName, inv.CustomerPhone, inv.CustomerAddress, inv.CustomerID, string(inv.Type), inv.IsWholesale)
	if err != nil {
		if isDuplicateKeyError(err) {
			return pos.ErrDuplicateID
		}
		return fmt.Errorf("postgres: add invoice: %w", err)
	}
	return nil
}

// CommitSale implements [pos.Store]. All writes run in one transaction. Each
// stock decrement is conditional on enough stock remaining, so concurrent
// sales cannot take a product below zero.
func (s *Store) CommitSale(ctx context.Context, sale pos.Sale) (pos.Invoice, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return pos.Invoice{}, fmt.Errorf("postgres: begin sale: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	inv := sale.Invoice
	reason := pos.SaleReason(inv.ID)
	for _, it := range inv.Items {
		const query = `
			WITH p AS (
				UPDATE products SET quantity = quantity - $2
				WHERE id = $1 AND quantity >= $2
				RETURNING name
			), l AS (
				INSERT INTO stock_logs (id, date, product_name, change, reason)
				SELECT $3, $4, name, -$2, $5 FROM p
			)
			SELECT name FROM p`
		var name string
		err := tx.QueryRow(ctx, query, it.ID, it.Qty, uuid.NewString(), s.now(), reason).Scan(&name)
		if errors.Is(err, pgx.ErrNoRows) {
			return pos.Invoice{}, fmt.Errorf("%w: %s, requested %d", pos.ErrInsufficientStock, it.Name, it.Qty)
		}
		if err != nil {
			return pos.Invoice{}, fmt.Errorf("postgres: sale stock %q: %w", it.ID, err)
		}
	}

	customerID, err := creditCustomer(ctx, tx, sale.Customer, inv)
	if err != nil {
		return pos.Invoice{}, err
	}
	inv.CustomerID = customerID

	if err := insertInvoice(ctx, tx, inv); err != nil {
		return pos.Invoice{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return pos.Invoice{}, fmt.Errorf("postgres: commit sale: %w", err)
	}
	return inv, nil
}

// creditCustomer adds the invoice total to the customer with c.Phone, or
// inserts c when there is none. It returns the customer ID.
func creditCustomer(ctx context.Context, db DB, c pos.Customer, inv pos.Invoice) (string, error) {
	var id string
	err := db.QueryRow(ctx, `
		UPDATE customers SET total_spent = total_spent + $2, last_visit = $3
		WHERE id = (SELECT id FROM customers WHERE phone = $1 ORDER BY position LIMIT 1 FOR UPDATE)
		RETURNING id`, c.Phone, inv.Total, inv.Date).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("postgres: credit customer: %w", err)
	}

	const query = `INSERT INTO customers (` + customerColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := db.Exec(ctx, query, c.ID, c.Name, c.Phone, c.Address, inv.Total, inv.Date, c.Notes); err != nil {
		if isDuplicateKeyError(err) {
			return "", pos.ErrDuplicateID
		}
		return "", fmt.Errorf("postgres: add customer: %w", err)
	}
	return c.ID, nil
}

// ListInvoices implements [pos.Store].
func (s *Store) ListInvoices(ctx context.Context) ([]pos.Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, date, items, subtotal, tax, total, customer_name, customer_phone,
		       customer_address, customer_id, type, is_wholesale
		FROM invoices ORDER BY date DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list invoices: %w", err)
	}
	defer rows.Close()

	var out []pos.Invoice
	for rows.Next() {
		var inv pos.Invoice
		var itemsJSON []byte
		var typ string
		if err := rows.Scan(&inv.ID, &inv.Date, &itemsJSON, &inv.Subtotal, &inv.Tax, &inv.Total,
			&inv.CustomerName, &inv.CustomerPhone, &inv.CustomerAddress, &inv.CustomerID,
			&typ, &inv.IsWholesale); err != nil {
			return nil, fmt.Errorf("postgres: scan invoice: %w", err)
		}
		if err := json.Unmarshal(itemsJSON, &inv.Items); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal items of invoice %q: %w", inv.ID, err)
		}
		inv.Type = pos.InvoiceType(typ)
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list invoices: %w", err)
	}
	return out, nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// isDuplicateKeyError checks for a PostgreSQL unique violation (23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
