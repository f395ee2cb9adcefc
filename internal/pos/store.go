package pos

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("pos: not found")

// ErrDuplicateID is returned by Add methods when a record with the same ID
// already exists.
var ErrDuplicateID = errors.New("pos: record with that ID already exists")

// Sale is an invoice together with the customer it is billed to.
type Sale struct {
	Invoice Invoice

	// Customer is inserted when no customer has its phone. Otherwise the
	// existing record's TotalSpent grows by the invoice total and its
	// LastVisit is set to the invoice date.
	Customer Customer
}

// Store persists the business records behind the POS tools.
//
// Product and customer searches are "first match wins" in a stable order
// (products by insertion, customers by registration), so the same query
// always resolves to the same record.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// PutProduct inserts or replaces a product by ID.
	PutProduct(ctx context.Context, p Product) error

	// FindProduct returns the first product whose name contains query,
	// case-insensitively. Returns [ErrNotFound] on a miss.
	FindProduct(ctx context.Context, query string) (Product, error)

	// ListProducts returns every product in stable order.
	ListProducts(ctx context.Context) ([]Product, error)

	// AdjustStock adds delta to the product's quantity and appends a stock
	// log with reason. Returns the updated product or [ErrNotFound].
	AdjustStock(ctx context.Context, productID string, delta int, reason string) (Product, error)

	// ListStockLogs returns stock logs, newest first.
	ListStockLogs(ctx context.Context) ([]StockLog, error)

	// AddCustomer inserts a new customer. Returns [ErrDuplicateID] when the
	// ID is taken.
	AddCustomer(ctx context.Context, c Customer) error

	// UpdateCustomer replaces an existing customer. Returns [ErrNotFound].
	UpdateCustomer(ctx context.Context, c Customer) error

	// CustomerByPhone returns the customer with exactly this phone number.
	CustomerByPhone(ctx context.Context, phone string) (Customer, error)

	// SearchCustomer returns the first customer whose phone contains query
	// or whose name contains it case-insensitively.
	SearchCustomer(ctx context.Context, query string) (Customer, error)

	// ListCustomers returns every customer in registration order.
	ListCustomers(ctx context.Context) ([]Customer, error)

	// AddPreOrder inserts a pre-order.
	AddPreOrder(ctx context.Context, po PreOrder) error

	// ListPreOrders returns pre-orders, newest first.
	ListPreOrders(ctx context.Context) ([]PreOrder, error)

	// AddInvoice records a finalised invoice.
	AddInvoice(ctx context.Context, inv Invoice) error

	// CommitSale applies a sale as one unit: it decrements stock with one
	// log per line, credits the customer and records the invoice. Nothing is
	// written when it fails. It returns [ErrInsufficientStock] when a line
	// exceeds stock on hand and [ErrDuplicateID] when the invoice ID is
	// taken. The returned invoice carries the customer ID.
	CommitSale(ctx context.Context, sale Sale) (Invoice, error)

	// ListInvoices returns invoices, newest first.
	ListInvoices(ctx context.Context) ([]Invoice, error)
}
