// Package tools turns tool calls from the speech model into POS operations.
//
// The [Dispatcher] never fails a call: decoding problems, guard rejections and
// store errors all become structured results the model can talk about. The
// invoice tool is guarded by the checkout draft and refuses to touch stock or
// invoices until name, phone and address have been captured.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/posvoice/internal/observe"
	"github.com/MrWong99/posvoice/internal/pos"
	"github.com/MrWong99/posvoice/internal/pos/suggest"
	"github.com/MrWong99/posvoice/pkg/provider/s2s"
)

// previewLimit is the number of characters of a result kept in the log.
const previewLimit = 200

// Result texts read by the model.
const (
	msgCollectIdentity = "System: Ask for the customer's name, phone number and address before creating the invoice."
	msgInvoiceCreated  = "The invoice has been created and is ready for the customer to view. Invite the customer to check it, then politely ask if they need anything else or would like more advice. Do not propose new products until the customer confirms the purchase is complete. If nothing else is needed, say goodbye and invite them back."
	msgNoProducts      = "No matching products were found in inventory."
	msgImported        = "Imported"
	msgAccessDenied    = "Access Denied"
	msgNotFound        = "Not found"
	msgRegisterFirst   = "The customer must be registered before a pre-order can be created."
)

func msgCustomerSaved(name string) string {
	return fmt.Sprintf("Customer saved: %s. Tell the customer right now: \"I have recorded all your details and am issuing the invoice, please wait a moment.\" "+
		"While the system is processing, reassure the customer if they ask or hurry you, keep helping them and never stay silent for long.", name)
}

func msgPreOrderCreated(request string) string {
	return fmt.Sprintf("Pre-order for %s created successfully.", request)
}

// LogFunc receives the dispatcher's user-facing log lines.
type LogFunc func(level slog.Level, msg string)

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithRole sets the role source. It is read on every call so a reloaded
// configuration applies immediately.
func WithRole(role func() pos.Role) Option {
	return func(d *Dispatcher) { d.role = role }
}

// WithSuggester enables "did you mean" hints on stock-check misses.
func WithSuggester(s *suggest.Suggester) Option {
	return func(d *Dispatcher) { d.suggester = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLog sets the sink for "tool called" and "tool result" lines.
func WithLog(fn LogFunc) Option {
	return func(d *Dispatcher) { d.log = fn }
}

// Dispatcher executes tool calls against the POS service. It owns one
// checkout draft and runs one call at a time, so concurrent callers see the
// calls applied in some serial order. Callers that need their own draft use
// their own Dispatcher over the same Service.
type Dispatcher struct {
	mu        sync.Mutex
	svc       *pos.Service
	checkout  *pos.Checkout
	role      func() pos.Role
	suggester *suggest.Suggester
	metrics   *observe.Metrics
	log       LogFunc
}

// New returns a Dispatcher over svc and checkout.
func New(svc *pos.Service, checkout *pos.Checkout, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		svc:      svc,
		checkout: checkout,
		role:     func() pos.Role { return pos.RoleStaff },
		log:      func(slog.Level, string) {},
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Checkout returns the checkout context the dispatcher guards.
func (d *Dispatcher) Checkout() *pos.Checkout { return d.checkout }

// Dispatch runs one call and returns its correlated response.
func (d *Dispatcher) Dispatch(ctx context.Context, call s2s.ToolCall) s2s.ToolResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatch(ctx, call)
}

func (d *Dispatcher) dispatch(ctx context.Context, call s2s.ToolCall) s2s.ToolResponse {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "tool."+call.Name)
	defer span.End()
	span.SetAttributes(attribute.String("tool.call_id", call.ID))

	d.log(slog.LevelInfo, "Tool called: "+call.Name)

	result, status := d.run(ctx, call)

	d.metrics.RecordToolCall(ctx, call.Name, status, time.Since(start).Seconds())
	if status == "error" {
		span.SetStatus(codes.Error, "tool failed")
	}
	span.SetAttributes(attribute.String("tool.status", status))

	d.log(slog.LevelDebug, "Tool result: "+call.Name+": "+Preview(result))
	return s2s.ToolResponse{ID: call.ID, Name: call.Name, Result: result}
}

// DispatchBatch runs calls strictly in order and returns one response per
// call, in the same order. No other call interleaves with the batch.
func (d *Dispatcher) DispatchBatch(ctx context.Context, calls []s2s.ToolCall) []s2s.ToolResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]s2s.ToolResponse, len(calls))
	for i, c := range calls {
		out[i] = d.dispatch(ctx, c)
	}
	return out
}

// run returns the result and a status label: ok, rejected or error.
func (d *Dispatcher) run(ctx context.Context, call s2s.ToolCall) (any, string) {
	if call.Name == CreateInvoice {
		if res, rejected := d.guardInvoice(); rejected {
			return res, "rejected"
		}
	}
	args, err := Parse(call.Name, call.Args)
	if errors.Is(err, ErrUnknownTool) {
		return errorResult("Unknown tool: " + call.Name), "rejected"
	}
	if err != nil {
		return errorResult("Invalid arguments: " + err.Error()), "rejected"
	}

	var (
		res    any
		status = "ok"
	)
	switch a := args.(type) {
	case CheckStockArgs:
		res, err = d.checkStock(ctx, a)
	case CreateInvoiceArgs:
		res, status, err = d.createInvoice(ctx, a)
	case ImportStockArgs:
		res, status, err = d.importStock(ctx, a)
	case RegisterCustomerArgs:
		res, err = d.registerCustomer(ctx, a)
	case LookupCustomerArgs:
		res, err = d.lookupCustomer(ctx, a)
	case CreatePreOrderArgs:
		res, status, err = d.createPreOrder(ctx, a)
	}
	if err != nil {
		observe.SessionLogger(ctx).Error("tools: call failed", "tool", call.Name, "err", err)
		return errorResult("Internal error: " + err.Error()), "error"
	}
	return res, status
}

func errorResult(msg string) map[string]any {
	return map[string]any{"status": "error", "message": msg}
}

func (d *Dispatcher) checkStock(ctx context.Context, a CheckStockArgs) (any, error) {
	p, ok, err := d.svc.LookupProduct(ctx, a.ProductName)
	if err != nil {
		return nil, err
	}
	if ok {
		return p, nil
	}

	res := map[string]any{"error": msgNotFound, "stock": 0}
	if d.suggester != nil {
		products, err := d.svc.Store().ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(products))
		for i, p := range products {
			names[i] = p.Name
		}
		if name, _, ok := d.suggester.Suggest(a.ProductName, names); ok {
			res["suggestion"] = name
		}
	}
	return res, nil
}

// guardInvoice rejects invoice creation until the draft is complete. It runs
// before the arguments are decoded.
func (d *Dispatcher) guardInvoice() (map[string]any, bool) {
	draft := d.checkout.Draft()
	if draft.Complete() {
		return nil, false
	}
	res := errorResult(msgCollectIdentity)
	res["missing"] = draft.Missing()
	return res, true
}

func (d *Dispatcher) createInvoice(ctx context.Context, a CreateInvoiceArgs) (any, string, error) {
	draft := d.checkout.Draft()

	var lines []pos.LineItem
	for _, it := range a.Items {
		p, ok, err := d.svc.LookupProduct(ctx, it.ProductName)
		if err != nil {
			return nil, "", err
		}
		if ok {
			lines = append(lines, pos.LineItem{Product: p, Qty: int(it.Quantity)})
		}
	}
	if len(lines) == 0 {
		return map[string]any{"message": msgNoProducts}, "rejected", nil
	}

	d.checkout.Begin()
	inv, err := d.svc.FinalizeInvoice(ctx, lines, draft)
	if errors.Is(err, pos.ErrInsufficientStock) {
		return errorResult(capitalize(strings.TrimPrefix(err.Error(), "pos: "))), "rejected", nil
	}
	if err != nil {
		return nil, "", err
	}
	d.checkout.Reset()
	d.metrics.Invoices.Add(ctx, 1)

	return map[string]any{
		"message":     msgInvoiceCreated,
		"invoiceId":   inv.ID,
		"total":       inv.Total,
		"isWholesale": inv.IsWholesale,
	}, "ok", nil
}

func (d *Dispatcher) importStock(ctx context.Context, a ImportStockArgs) (any, string, error) {
	if d.role() != pos.RoleStaff {
		return map[string]any{"error": msgAccessDenied}, "rejected", nil
	}
	var missing []string
	for _, it := range a.Items {
		ok, err := d.svc.ImportStock(ctx, it.ProductName, int(it.Quantity))
		if err != nil {
			return nil, "", err
		}
		if !ok {
			missing = append(missing, it.ProductName)
		}
	}
	res := map[string]any{"message": msgImported}
	if len(missing) > 0 {
		res["notFound"] = missing
	}
	return res, "ok", nil
}

func (d *Dispatcher) registerCustomer(ctx context.Context, a RegisterCustomerArgs) (any, error) {
	draft := d.checkout.Capture(pos.Draft{Name: a.Name, Phone: a.Phone, Address: a.Address})
	c, err := d.svc.RegisterCustomer(ctx, a.Name, a.Phone, draft.Address, a.Notes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message":    msgCustomerSaved(c.Name),
		"customerId": c.ID,
	}, nil
}

func (d *Dispatcher) lookupCustomer(ctx context.Context, a LookupCustomerArgs) (any, error) {
	c, ok, err := d.svc.LookupCustomer(ctx, a.Query)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "customer": c}, nil
}

func (d *Dispatcher) createPreOrder(ctx context.Context, a CreatePreOrderArgs) (any, string, error) {
	_, err := d.svc.CreatePreOrder(ctx, a.Phone, a.ProductRequest, int(a.Quantity))
	if errors.Is(err, pos.ErrCustomerRequired) {
		return map[string]any{"message": msgRegisterFirst}, "rejected", nil
	}
	if err != nil {
		return nil, "", err
	}
	return map[string]any{"message": msgPreOrderCreated(a.ProductRequest)}, "ok", nil
}

// Preview renders result as JSON cut to 200 characters, with "…" appended
// when cut. A result that cannot be encoded renders as a placeholder.
func Preview(result any) string {
	b, err := json.Marshal(result)
	if err != nil {
		return "[unserializable result]"
	}
	s := string(b)
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	return string([]rune(s)[:previewLimit]) + "…"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, n := utf8.DecodeRuneInString(s)
	return strings.ToUpper(string(r)) + s[n:]
}
