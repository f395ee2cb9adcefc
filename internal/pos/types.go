// Package pos holds the store-management collaborators the voice session
// calls into: inventory, customers, pre-orders, invoices and stock logs, plus
// the checkout context that guards invoice creation.
package pos

import "time"

// Role is the operator role the session runs under.
type Role string

const (
	// RoleStaff may import stock.
	RoleStaff Role = "STAFF"

	// RoleCustomer is the public kiosk role.
	RoleCustomer Role = "CUSTOMER"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleStaff || r == RoleCustomer
}

// Product is one inventory line.
type Product struct {
	ID       string `json:"id"       yaml:"id"`
	Barcode  string `json:"barcode,omitempty" yaml:"barcode"`
	Name     string `json:"name"     yaml:"name"`
	Price    int64  `json:"price"    yaml:"price"`
	Quantity int    `json:"quantity" yaml:"quantity"`
	Unit     string `json:"unit"     yaml:"unit"`
	Category string `json:"category" yaml:"category"`
}

// LineItem is a product with the quantity sold on an invoice.
type LineItem struct {
	Product
	Qty int `json:"cartQty"`
}

// InvoiceType distinguishes sales from stock receipts.
type InvoiceType string

const (
	InvoiceExport InvoiceType = "EXPORT"
	InvoiceImport InvoiceType = "IMPORT"
)

// Invoice is a finalised sale.
type Invoice struct {
	ID              string      `json:"id"`
	Date            time.Time   `json:"date"`
	Items           []LineItem  `json:"items"`
	Subtotal        int64       `json:"subtotal"`
	Tax             int64       `json:"tax"`
	Total           int64       `json:"total"`
	CustomerName    string      `json:"customerName,omitempty"`
	CustomerPhone   string      `json:"customerPhone,omitempty"`
	CustomerAddress string      `json:"customerAddress,omitempty"`
	CustomerID      string      `json:"customerId,omitempty"`
	Type            InvoiceType `json:"type"`
	IsWholesale     bool        `json:"isWholesale"`
}

// StockLog records one inventory change.
type StockLog struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date"`
	ProductName string    `json:"productName"`
	Change      int       `json:"change"`
	Reason      string    `json:"reason"`
}

// Customer is a CRM record.
type Customer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Address    string    `json:"address,omitempty"`
	TotalSpent int64     `json:"totalSpent"`
	LastVisit  time.Time `json:"lastVisit"`
	Notes      string    `json:"notes,omitempty"`
}

// PreOrderStatus is the lifecycle state of a pre-order.
type PreOrderStatus string

const (
	PreOrderPending   PreOrderStatus = "PENDING"
	PreOrderFulfilled PreOrderStatus = "FULFILLED"
	PreOrderCancelled PreOrderStatus = "CANCELLED"
)

// PreOrder is a request for a product that is not available right now.
type PreOrder struct {
	ID             string         `json:"id"`
	CustomerID     string         `json:"customerId"`
	CustomerName   string         `json:"customerName"`
	CustomerPhone  string         `json:"customerPhone"`
	ProductRequest string         `json:"productRequest"`
	Quantity       int            `json:"quantity"`
	Date           time.Time      `json:"date"`
	Status         PreOrderStatus `json:"status"`
	Notes          string         `json:"notes,omitempty"`
}
