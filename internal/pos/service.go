package pos

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrCustomerRequired is returned by CreatePreOrder when no customer with the
// given phone has been registered.
var ErrCustomerRequired = errors.New("pos: customer must be registered first")

// ErrInsufficientStock is returned by FinalizeInvoice when a line asks for
// more than is on hand. No state is changed.
var ErrInsufficientStock = errors.New("pos: insufficient stock")

// ErrEmptyInvoice is returned by FinalizeInvoice for an invoice with no lines.
var ErrEmptyInvoice = errors.New("pos: invoice has no items")

const (
	// WholesaleSubtotal is the subtotal above which an invoice is wholesale.
	WholesaleSubtotal = 2_000_000

	// WholesaleQuantity is the total quantity above which an invoice is
	// wholesale.
	WholesaleQuantity = 10

	// ReasonImport is the stock-log reason for stock receipts.
	ReasonImport = "Stock import (manual/AI)"
)

// SaleReason returns the stock-log reason for an invoice line.
func SaleReason(invoiceID string) string { return "Retail sale - " + invoiceID }

// Service implements the business operations the tool dispatcher invokes.
type Service struct {
	store Store
	now   func() time.Time
}

// ServiceOption configures a [Service].
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service backed by store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// LookupProduct returns the first product whose name contains query. ok is
// false on a miss.
func (s *Service) LookupProduct(ctx context.Context, query string) (p Product, ok bool, err error) {
	p, err = s.store.FindProduct(ctx, query)
	if errors.Is(err, ErrNotFound) {
		return Product{}, false, nil
	}
	if err != nil {
		return Product{}, false, fmt.Errorf("pos: lookup product: %w", err)
	}
	return p, true, nil
}

// ImportStock adds qty to the first product matching name. It reports false
// when no product matched.
func (s *Service) ImportStock(ctx context.Context, name string, qty int) (bool, error) {
	p, ok, err := s.LookupProduct(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if _, err := s.store.AdjustStock(ctx, p.ID, qty, ReasonImport); err != nil {
		return false, fmt.Errorf("pos: import stock: %w", err)
	}
	return true, nil
}

// RegisterCustomer returns the existing customer with this phone, or creates
// one with a CUS-<ms> id.
func (s *Service) RegisterCustomer(ctx context.Context, name, phone, address, notes string) (Customer, error) {
	existing, err := s.store.CustomerByPhone(ctx, phone)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Customer{}, fmt.Errorf("pos: register customer: %w", err)
	}

	now := s.now()
	c := Customer{
		ID:        "CUS-" + strconv.FormatInt(now.UnixMilli(), 10),
		Name:      name,
		Phone:     phone,
		Address:   address,
		LastVisit: now,
		Notes:     notes,
	}
	if err := s.store.AddCustomer(ctx, c); err != nil {
		return Customer{}, fmt.Errorf("pos: register customer: %w", err)
	}
	return c, nil
}

// LookupCustomer searches customers by phone fragment or name fragment.
func (s *Service) LookupCustomer(ctx context.Context, query string) (Customer, bool, error) {
	c, err := s.store.SearchCustomer(ctx, query)
	if errors.Is(err, ErrNotFound) {
		return Customer{}, false, nil
	}
	if err != nil {
		return Customer{}, false, fmt.Errorf("pos: lookup customer: %w", err)
	}
	return c, true, nil
}

// CreatePreOrder records a pending request for a registered customer.
func (s *Service) CreatePreOrder(ctx context.Context, phone, request string, qty int) (PreOrder, error) {
	c, err := s.store.CustomerByPhone(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		return PreOrder{}, ErrCustomerRequired
	}
	if err != nil {
		return PreOrder{}, fmt.Errorf("pos: create pre-order: %w", err)
	}

	now := s.now()
	po := PreOrder{
		ID:             "PO-" + strconv.FormatInt(now.UnixMilli(), 10),
		CustomerID:     c.ID,
		CustomerName:   c.Name,
		CustomerPhone:  c.Phone,
		ProductRequest: request,
		Quantity:       qty,
		Date:           now,
		Status:         PreOrderPending,
	}
	if err := s.store.AddPreOrder(ctx, po); err != nil {
		return PreOrder{}, fmt.Errorf("pos: create pre-order: %w", err)
	}
	return po, nil
}

// maxInvoiceAttempts bounds the suffixes tried when an invoice ID is taken.
const maxInvoiceAttempts = 10

// invoiceID returns the last 6 digits of the Unix seconds of t.
func invoiceID(t time.Time) string {
	id := strconv.FormatInt(t.Unix(), 10)
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	return id
}

// FinalizeInvoice turns resolved line items into an invoice for draft and
// commits it with [Store.CommitSale]. The sale either applies completely or
// not at all. When two invoices land in the same second the later one gets a
// "-2", "-3", ... suffix.
func (s *Service) FinalizeInvoice(ctx context.Context, items []LineItem, draft Draft) (Invoice, error) {
	if len(items) == 0 {
		return Invoice{}, ErrEmptyInvoice
	}

	now := s.now()
	var subtotal int64
	var totalQty int
	for _, it := range items {
		subtotal += it.Price * int64(it.Qty)
		totalQty += it.Qty
	}
	sale := Sale{
		Invoice: Invoice{
			Date:            now,
			Items:           append([]LineItem(nil), items...),
			Subtotal:        subtotal,
			Tax:             0,
			Total:           subtotal,
			CustomerName:    draft.Name,
			CustomerPhone:   draft.Phone,
			CustomerAddress: draft.Address,
			Type:            InvoiceExport,
			IsWholesale:     subtotal > WholesaleSubtotal || totalQty > WholesaleQuantity,
		},
		Customer: Customer{
			ID:        "CUS-" + strconv.FormatInt(now.UnixMilli(), 10),
			Name:      draft.Name,
			Phone:     draft.Phone,
			Address:   draft.Address,
			LastVisit: now,
		},
	}

	base := invoiceID(now)
	for attempt := 1; attempt <= maxInvoiceAttempts; attempt++ {
		sale.Invoice.ID = base
		if attempt > 1 {
			sale.Invoice.ID = base + "-" + strconv.Itoa(attempt)
		}
		inv, err := s.store.CommitSale(ctx, sale)
		switch {
		case err == nil:
			return inv, nil
		case errors.Is(err, ErrDuplicateID):
			continue
		case errors.Is(err, ErrInsufficientStock):
			return Invoice{}, err
		default:
			return Invoice{}, fmt.Errorf("pos: finalize invoice: %w", err)
		}
	}
	return Invoice{}, fmt.Errorf("pos: finalize invoice: no free id after %s: %w", base, ErrDuplicateID)
}
