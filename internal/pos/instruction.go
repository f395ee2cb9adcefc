package pos

import (
	"encoding/json"
	"fmt"
	"strings"
)

// stockLine is the inventory snapshot entry quoted to the model.
type stockLine struct {
	Name  string `json:"name"`
	Qty   int    `json:"qty"`
	Price int64  `json:"price"`
}

const instructionTemplate = `ROLE: You are a professional sales assistant at %q.
STYLE:
1. Speak loudly, clearly and with confidence.
2. Stay proactive. Never complain about background noise.
3. Never say technical function names. Look things up silently.
CHECKOUT RULES:
- When the customer settles on products ("take it", "checkout", "invoice"), ask at most once whether they want anything else. If they decline, treat the order as final and ask for their name, phone number and address.
- Do not create an invoice before name, phone number and address are collected. Read them back and only call registerCustomer and then createInvoice after the customer confirms.
- While the invoice is processing, tell the customer to wait a moment.
- After the invoice is created, tell the customer it has been sent and invite them to check it. Do not introduce new products before that.

MODE: %s
INVENTORY: %s
PROMOTIONS AND STORE INFORMATION: %s
`

// Instruction builds the system instruction for one session from the store
// name, operator role, current inventory and free-form store documents.
func Instruction(storeName string, role Role, inventory []Product, docs string) (string, error) {
	lines := make([]stockLine, len(inventory))
	for i, p := range inventory {
		lines[i] = stockLine{Name: p.Name, Qty: p.Quantity, Price: p.Price}
	}
	inv, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("pos: encode inventory snapshot: %w", err)
	}

	mode := "The user is a STORE MANAGER (staff)."
	if role == RoleCustomer {
		mode = "The user is a CUSTOMER."
	}
	return fmt.Sprintf(instructionTemplate, storeName, mode, inv, strings.TrimSpace(docs)), nil
}
