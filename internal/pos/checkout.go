package pos

import (
	"strings"
	"sync"
)

// Phase is the checkout state of the current session.
type Phase int

const (
	// PhaseIdle means no checkout is in progress.
	PhaseIdle Phase = iota

	// PhaseCheckout means customer details are being collected or an invoice
	// is being produced.
	PhaseCheckout
)

// String returns the phase name.
func (p Phase) String() string {
	if p == PhaseCheckout {
		return "checkout"
	}
	return "idle"
}

// Draft is the customer identity collected during checkout.
type Draft struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// Complete reports whether every identity field is populated.
func (d Draft) Complete() bool {
	return strings.TrimSpace(d.Name) != "" &&
		strings.TrimSpace(d.Phone) != "" &&
		strings.TrimSpace(d.Address) != ""
}

// Missing returns the names of the empty fields.
func (d Draft) Missing() []string {
	var out []string
	if strings.TrimSpace(d.Name) == "" {
		out = append(out, "name")
	}
	if strings.TrimSpace(d.Phone) == "" {
		out = append(out, "phone")
	}
	if strings.TrimSpace(d.Address) == "" {
		out = append(out, "address")
	}
	return out
}

// Checkout holds the phase and customer draft for one session.
// The zero value is idle with an empty draft. Safe for concurrent use.
type Checkout struct {
	mu    sync.Mutex
	phase Phase
	draft Draft
}

// Phase returns the current phase.
func (c *Checkout) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Draft returns a copy of the current draft.
func (c *Checkout) Draft() Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Begin moves to [PhaseCheckout] (cart opened at the counter).
func (c *Checkout) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseCheckout
}

// Capture stores the customer's identity and moves to [PhaseCheckout]. An
// empty address keeps the previously captured one.
func (c *Checkout) Capture(d Draft) Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Address == "" {
		d.Address = c.draft.Address
	}
	c.draft = d
	c.phase = PhaseCheckout
	return c.draft
}

// Reset clears the draft and returns to [PhaseIdle].
func (c *Checkout) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = Draft{}
	c.phase = PhaseIdle
}
