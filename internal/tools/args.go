package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownTool is returned by Parse for a name outside the tool set.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Tool names.
const (
	CheckStock       = "checkStock"
	CreateInvoice    = "createInvoice"
	ImportStock      = "importStock"
	RegisterCustomer = "registerCustomer"
	LookupCustomer   = "lookupCustomer"
	CreatePreOrder   = "createPreOrder"
)

// Args is the closed set of validated tool arguments. Each variant belongs to
// exactly one tool name.
type Args interface {
	Tool() string
}

// Quantity accepts any JSON number and rounds it to an int. The model
// declares quantities as NUMBER and may send 2.0.
type Quantity int

// UnmarshalJSON implements [json.Unmarshaler].
func (q *Quantity) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	*q = Quantity(math.Round(f))
	return nil
}

// Item is one product line referenced by name.
type Item struct {
	ProductName string   `json:"productName"`
	Quantity    Quantity `json:"quantity"`
}

// CheckStockArgs looks a product up by name fragment.
type CheckStockArgs struct {
	ProductName string `json:"productName"`
}

// CreateInvoiceArgs sells items to the customer captured in the draft.
type CreateInvoiceArgs struct {
	Items []Item `json:"items"`
}

// ImportStockArgs adds stock for items. Staff only.
type ImportStockArgs struct {
	Items []Item `json:"items"`
}

// RegisterCustomerArgs captures the customer's identity.
type RegisterCustomerArgs struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Notes   string `json:"notes"`
}

// LookupCustomerArgs searches customers by phone or name fragment.
type LookupCustomerArgs struct {
	Query string `json:"query"`
}

// CreatePreOrderArgs records a request for an unavailable product.
type CreatePreOrderArgs struct {
	Phone          string   `json:"phone"`
	ProductRequest string   `json:"productRequest"`
	Quantity       Quantity `json:"quantity"`
}

func (CheckStockArgs) Tool() string       { return CheckStock }
func (CreateInvoiceArgs) Tool() string    { return CreateInvoice }
func (ImportStockArgs) Tool() string      { return ImportStock }
func (RegisterCustomerArgs) Tool() string { return RegisterCustomer }
func (LookupCustomerArgs) Tool() string   { return LookupCustomer }
func (CreatePreOrderArgs) Tool() string   { return CreatePreOrder }

// Parse decodes raw into the variant for name and checks required fields.
// Every missing field is reported at once.
func Parse(name string, raw json.RawMessage) (Args, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch name {
	case CheckStock:
		var a CheckStockArgs
		if err := decode(raw, &a); err != nil {
			return nil, err
		}
		return a, required("productName", a.ProductName)
	case CreateInvoice:
		var a CreateInvoiceArgs
		if err := decode(raw, &a); err != nil {
			return nil, err
		}
		return a, validItems(a.Items)
	case ImportStock:
		var a ImportStockArgs
		if err := decode(raw, &a); err != nil {
			return nil, err
		}
		return a, validItems(a.Items)
	case RegisterCustomer:
		var a RegisterCustomerArgs
		if err := decode(raw, &a); err != nil {
			return nil, err
		}
		return a, errors.Join(required("name", a.Name), required("phone", a.Phone))
	case LookupCustomer:
		var a LookupCustomerArgs
		if err := decode(raw, &a); err != nil {
			return nil, err
		}
		return a, required("query", a.Query)
	case CreatePreOrder:
		var a CreatePreOrderArgs
		if err := decode(raw, &a); err != nil {
			return nil, err
		}
		var qtyErr error
		if a.Quantity <= 0 {
			qtyErr = errors.New("quantity must be positive")
		}
		return a, errors.Join(required("phone", a.Phone), required("productRequest", a.ProductRequest), qtyErr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("tools: decode arguments: %w", err)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func validItems(items []Item) error {
	if len(items) == 0 {
		return errors.New("items must not be empty")
	}
	var errs []error
	for i, it := range items {
		if strings.TrimSpace(it.ProductName) == "" {
			errs = append(errs, fmt.Errorf("items[%d].productName is required", i))
		}
		if it.Quantity <= 0 {
			errs = append(errs, fmt.Errorf("items[%d].quantity must be positive", i))
		}
	}
	return errors.Join(errs...)
}
