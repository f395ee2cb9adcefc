package tools

import "github.com/MrWong99/posvoice/pkg/provider/s2s"

func object(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

var (
	str    = map[string]any{"type": "string"}
	number = map[string]any{"type": "number"}
	items  = map[string]any{
		"type": "array",
		"items": object(map[string]any{
			"productName": str,
			"quantity":    number,
		}, "productName", "quantity"),
	}
)

// Declarations returns the tool set offered to the model, in a fixed order.
func Declarations() []s2s.ToolDeclaration {
	return []s2s.ToolDeclaration{
		{
			Name:        CreateInvoice,
			Description: "Create an invoice for the listed items. Requires the customer's name, phone and address to be registered first.",
			Parameters:  object(map[string]any{"items": items}, "items"),
		},
		{
			Name:        CheckStock,
			Description: "Check stock and price for a product by name.",
			Parameters:  object(map[string]any{"productName": str}, "productName"),
		},
		{
			Name:        ImportStock,
			Description: "Add received stock to inventory. Staff only.",
			Parameters:  object(map[string]any{"items": items}, "items"),
		},
		{
			Name:        RegisterCustomer,
			Description: "Save the customer's details and start checkout.",
			Parameters: object(map[string]any{
				"name":    str,
				"phone":   str,
				"address": str,
				"notes":   str,
			}, "name", "phone", "address"),
		},
		{
			Name:        LookupCustomer,
			Description: "Find a customer by phone number or name.",
			Parameters:  object(map[string]any{"query": str}, "query"),
		},
		{
			Name:        CreatePreOrder,
			Description: "Create a pre-order for a registered customer.",
			Parameters: object(map[string]any{
				"phone":          str,
				"productRequest": str,
				"quantity":       number,
			}, "phone", "productRequest", "quantity"),
		},
	}
}
