package pos

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// The zero value is ready to use.
type MemStore struct {
	mu        sync.RWMutex
	products  []Product
	customers []Customer
	preOrders []PreOrder // newest first
	invoices  []Invoice  // newest first
	stockLogs []StockLog // newest first

	// now is overridable in tests.
	now func() time.Time
}

// NewMemStore returns a [MemStore] seeded with products.
func NewMemStore(products ...Product) *MemStore {
	s := &MemStore{}
	s.products = append(s.products, products...)
	return s
}

func (s *MemStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// PutProduct implements [Store.PutProduct].
func (s *MemStore) PutProduct(_ context.Context, p Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.productIndex(p.ID); i >= 0 {
		s.products[i] = p
		return nil
	}
	s.products = append(s.products, p)
	return nil
}

func (s *MemStore) productIndex(id string) int {
	return slices.IndexFunc(s.products, func(p Product) bool { return p.ID == id })
}

// FindProduct implements [Store.FindProduct].
func (s *MemStore) FindProduct(_ context.Context, query string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	for _, p := range s.products {
		if strings.Contains(strings.ToLower(p.Name), q) {
			return p, nil
		}
	}
	return Product{}, ErrNotFound
}

// ListProducts implements [Store.ListProducts].
func (s *MemStore) ListProducts(_ context.Context) ([]Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.products), nil
}

// AdjustStock implements [Store.AdjustStock].
func (s *MemStore) AdjustStock(_ context.Context, productID string, delta int, reason string) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.productIndex(productID)
	if i < 0 {
		return Product{}, ErrNotFound
	}
	s.products[i].Quantity += delta
	s.stockLogs = slices.Insert(s.stockLogs, 0, StockLog{
		ID:          uuid.NewString(),
		Date:        s.clock(),
		ProductName: s.products[i].Name,
		Change:      delta,
		Reason:      reason,
	})
	return s.products[i], nil
}

// ListStockLogs implements [Store.ListStockLogs].
func (s *MemStore) ListStockLogs(_ context.Context) ([]StockLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.stockLogs), nil
}

// AddCustomer implements [Store.AddCustomer].
func (s *MemStore) AddCustomer(_ context.Context, c Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.customerIndex(c.ID) >= 0 {
		return ErrDuplicateID
	}
	s.customers = append(s.customers, c)
	return nil
}

func (s *MemStore) customerIndex(id string) int {
	return slices.IndexFunc(s.customers, func(c Customer) bool { return c.ID == id })
}

// UpdateCustomer implements [Store.UpdateCustomer].
func (s *MemStore) UpdateCustomer(_ context.Context, c Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.customerIndex(c.ID)
	if i < 0 {
		return ErrNotFound
	}
	s.customers[i] = c
	return nil
}

// CustomerByPhone implements [Store.CustomerByPhone].
func (s *MemStore) CustomerByPhone(_ context.Context, phone string) (Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.customers {
		if c.Phone == phone {
			return c, nil
		}
	}
	return Customer{}, ErrNotFound
}

// SearchCustomer implements [Store.SearchCustomer].
func (s *MemStore) SearchCustomer(_ context.Context, query string) (Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	for _, c := range s.customers {
		if strings.Contains(c.Phone, query) || strings.Contains(strings.ToLower(c.Name), q) {
			return c, nil
		}
	}
	return Customer{}, ErrNotFound
}

// ListCustomers implements [Store.ListCustomers].
func (s *MemStore) ListCustomers(_ context.Context) ([]Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.customers), nil
}

// AddPreOrder implements [Store.AddPreOrder].
func (s *MemStore) AddPreOrder(_ context.Context, po PreOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preOrders = slices.Insert(s.preOrders, 0, po)
	return nil
}

// ListPreOrders implements [Store.ListPreOrders].
func (s *MemStore) ListPreOrders(_ context.Context) ([]PreOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.preOrders), nil
}

// AddInvoice implements [Store.AddInvoice].
func (s *MemStore) AddInvoice(_ context.Context, inv Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.invoices, func(i Invoice) bool { return i.ID == inv.ID }) {
		return ErrDuplicateID
	}
	s.invoices = slices.Insert(s.invoices, 0, inv)
	return nil
}

// CommitSale implements [Store.CommitSale]. Every check runs before the
// first write, under one lock.
func (s *MemStore) CommitSale(_ context.Context, sale Sale) (Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv := sale.Invoice
	if slices.ContainsFunc(s.invoices, func(i Invoice) bool { return i.ID == inv.ID }) {
		return Invoice{}, ErrDuplicateID
	}
	need := make(map[string]int, len(inv.Items))
	for _, it := range inv.Items {
		need[it.ID] += it.Qty
	}
	for id, n := range need {
		i := s.productIndex(id)
		if i < 0 {
			return Invoice{}, fmt.Errorf("%w: product %s", ErrNotFound, id)
		}
		if p := s.products[i]; n > p.Quantity {
			return Invoice{}, fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, p.Name, p.Quantity, n)
		}
	}

	ci := slices.IndexFunc(s.customers, func(c Customer) bool { return c.Phone == sale.Customer.Phone })
	if ci < 0 {
		c := sale.Customer
		c.TotalSpent = inv.Total
		c.LastVisit = inv.Date
		s.customers = append(s.customers, c)
		ci = len(s.customers) - 1
	} else {
		s.customers[ci].TotalSpent += inv.Total
		s.customers[ci].LastVisit = inv.Date
	}
	inv.CustomerID = s.customers[ci].ID

	reason := SaleReason(inv.ID)
	for _, it := range inv.Items {
		i := s.productIndex(it.ID)
		s.products[i].Quantity -= it.Qty
		s.stockLogs = slices.Insert(s.stockLogs, 0, StockLog{
			ID:          uuid.NewString(),
			Date:        s.clock(),
			ProductName: s.products[i].Name,
			Change:      -it.Qty,
			Reason:      reason,
		})
	}
	s.invoices = slices.Insert(s.invoices, 0, inv)
	return inv, nil
}

// ListInvoices implements [Store.ListInvoices].
func (s *MemStore) ListInvoices(_ context.Context) ([]Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.invoices), nil
}
