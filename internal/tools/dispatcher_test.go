package tools_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/posvoice/internal/observe"
	"github.com/MrWong99/posvoice/internal/pos"
	"github.com/MrWong99/posvoice/internal/pos/suggest"
	"github.com/MrWong99/posvoice/internal/tools"
	"github.com/MrWong99/posvoice/pkg/provider/s2s"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	d        *tools.Dispatcher
	store    *pos.MemStore
	checkout *pos.Checkout

	mu    sync.Mutex
	lines []string
	role  pos.Role
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		store:    pos.NewMemStore(pos.DefaultInventory()...),
		checkout: &pos.Checkout{},
		role:     pos.RoleStaff,
	}
	f.d = tools.New(pos.NewService(f.store), f.checkout,
		tools.WithMetrics(m),
		tools.WithSuggester(suggest.New()),
		tools.WithRole(func() pos.Role {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.role
		}),
		tools.WithLog(func(_ slog.Level, msg string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.lines = append(f.lines, msg)
		}),
	)
	return f
}

func (f *fixture) call(t *testing.T, name string, args any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	resp := f.d.Dispatch(context.Background(), s2s.ToolCall{ID: "id-" + name, Name: name, Args: raw})
	if resp.ID != "id-"+name || resp.Name != name {
		t.Fatalf("response not correlated: %+v", resp)
	}
	return asMap(t, resp.Result)
}

// asMap normalises any result through JSON so tests read it the way the
// model does.
func asMap(t *testing.T, v any) map[string]any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return m
}

type snapshot struct {
	products  []pos.Product
	customers []pos.Customer
	invoices  []pos.Invoice
	logs      []pos.StockLog
}

func (f *fixture) snapshot(t *testing.T) snapshot {
	t.Helper()
	ctx := context.Background()
	p, _ := f.store.ListProducts(ctx)
	c, _ := f.store.ListCustomers(ctx)
	i, _ := f.store.ListInvoices(ctx)
	l, _ := f.store.ListStockLogs(ctx)
	return snapshot{p, c, i, l}
}

// ── Guard ─────────────────────────────────────────────────────────────────────

func TestCreateInvoice_GuardLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	drafts := []pos.Draft{
		{},
		{Name: "Lan"},
		{Name: "Lan", Phone: "0901"},
		{Phone: "0901", Address: "Hà Nội"},
	}
	for _, draft := range drafts {
		f := newFixture(t)
		if draft != (pos.Draft{}) {
			f.checkout.Capture(draft)
		}
		before := f.snapshot(t)

		res := f.call(t, tools.CreateInvoice, map[string]any{
			"items": []map[string]any{{"productName": "AirPods", "quantity": 2}},
		})

		if res["status"] != "error" {
			t.Errorf("draft %+v: status = %v; want error", draft, res["status"])
		}
		if msg, _ := res["message"].(string); !strings.Contains(msg, "name, phone number and address") {
			t.Errorf("draft %+v: message = %q", draft, msg)
		}
		if after := f.snapshot(t); !reflect.DeepEqual(before, after) {
			t.Errorf("draft %+v: state changed by rejected invoice", draft)
		}
	}
}

func TestCreateInvoice_NoMatchingProducts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.checkout.Capture(pos.Draft{Name: "A", Phone: "1", Address: "B"})
	before := f.snapshot(t)

	res := f.call(t, tools.CreateInvoice, map[string]any{
		"items": []map[string]any{{"productName": "Nokia 3310", "quantity": 1}},
	})
	if res["message"] != "No matching products were found in inventory." {
		t.Errorf("result = %v", res)
	}
	if !reflect.DeepEqual(before, f.snapshot(t)) {
		t.Error("state changed")
	}
	if f.checkout.Phase() != pos.PhaseCheckout {
		t.Error("phase should stay in checkout")
	}
}

func TestCreateInvoice_InsufficientStock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.checkout.Capture(pos.Draft{Name: "A", Phone: "1", Address: "B"})
	before := f.snapshot(t)

	res := f.call(t, tools.CreateInvoice, map[string]any{
		"items": []map[string]any{{"productName": "MacBook", "quantity": 9}},
	})
	if res["status"] != "error" || !strings.Contains(res["message"].(string), "Insufficient stock") {
		t.Errorf("result = %v", res)
	}
	if !reflect.DeepEqual(before, f.snapshot(t)) {
		t.Error("state changed")
	}
}

// ── End to end ────────────────────────────────────────────────────────────────

func TestAirPodsCheckoutScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	stock := f.call(t, tools.CheckStock, map[string]any{"productName": "AirPods Pro"})
	if stock["quantity"] != float64(15) || stock["id"] != "SP004" {
		t.Fatalf("checkStock = %v", stock)
	}

	reg := f.call(t, tools.RegisterCustomer, map[string]any{
		"name": "Nguyen Lan", "phone": "0901234567", "address": "12 Hang Bai, Hà Nội",
	})
	if id, _ := reg["customerId"].(string); !strings.HasPrefix(id, "CUS-") {
		t.Errorf("registerCustomer = %v", reg)
	}
	if f.checkout.Phase() != pos.PhaseCheckout {
		t.Fatalf("phase = %v; want checkout", f.checkout.Phase())
	}

	inv := f.call(t, tools.CreateInvoice, map[string]any{
		"items": []map[string]any{{"productName": "AirPods Pro", "quantity": 2}},
	})
	if id, _ := inv["invoiceId"].(string); len(id) != 6 {
		t.Errorf("invoiceId = %v", inv["invoiceId"])
	}
	if msg, _ := inv["message"].(string); !strings.Contains(msg, "anything else") {
		t.Errorf("message should ask if anything else, got %q", msg)
	}

	p, _ := f.store.FindProduct(context.Background(), "AirPods")
	if p.Quantity != 13 {
		t.Errorf("stock = %d; want 13", p.Quantity)
	}
	if f.checkout.Phase() != pos.PhaseIdle || f.checkout.Draft() != (pos.Draft{}) {
		t.Error("checkout should be reset after invoice")
	}
}

func TestBatchInArrayOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	calls := []s2s.ToolCall{
		{ID: "1", Name: tools.CreateInvoice, Args: json.RawMessage(`{"items":[{"productName":"Anker","quantity":1}]}`)},
		{ID: "2", Name: tools.RegisterCustomer, Args: json.RawMessage(`{"name":"A","phone":"1","address":"B"}`)},
		{ID: "3", Name: tools.CreateInvoice, Args: json.RawMessage(`{"items":[{"productName":"Anker","quantity":1}]}`)},
	}
	out := f.d.DispatchBatch(context.Background(), calls)
	if len(out) != 3 {
		t.Fatalf("responses = %d", len(out))
	}
	for i, r := range out {
		if r.ID != calls[i].ID {
			t.Errorf("response %d id = %q", i, r.ID)
		}
	}
	if asMap(t, out[0].Result)["status"] != "error" {
		t.Error("first invoice should be rejected: customer not yet registered")
	}
	if _, ok := asMap(t, out[2].Result)["invoiceId"]; !ok {
		t.Error("second invoice should succeed after registration")
	}
}

// ── Other tools ───────────────────────────────────────────────────────────────

func TestCheckStock_MissWithSuggestion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.call(t, tools.CheckStock, map[string]any{"productName": "macbok"})
	if res["error"] != "Not found" || res["stock"] != float64(0) {
		t.Errorf("result = %v", res)
	}
	if res["suggestion"] != "MacBook Air M3" {
		t.Errorf("suggestion = %v", res["suggestion"])
	}
}

func TestImportStock_Roles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	args := map[string]any{"items": []map[string]any{{"productName": "Anker", "quantity": 5}, {"productName": "Pixel", "quantity": 1}}}

	f.mu.Lock()
	f.role = pos.RoleCustomer
	f.mu.Unlock()
	if res := f.call(t, tools.ImportStock, args); res["error"] != "Access Denied" {
		t.Errorf("customer role: %v", res)
	}

	f.mu.Lock()
	f.role = pos.RoleStaff
	f.mu.Unlock()
	res := f.call(t, tools.ImportStock, args)
	if res["message"] != "Imported" {
		t.Errorf("staff role: %v", res)
	}
	if nf, _ := res["notFound"].([]any); len(nf) != 1 || nf[0] != "Pixel" {
		t.Errorf("notFound = %v", res["notFound"])
	}
	p, _ := f.store.FindProduct(context.Background(), "Anker")
	if p.Quantity != 25 {
		t.Errorf("stock = %d; want 25", p.Quantity)
	}
}

func TestLookupCustomerAndPreOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if res := f.call(t, tools.LookupCustomer, map[string]any{"query": "0909"}); res["found"] != false {
		t.Errorf("lookup before register = %v", res)
	}
	if res := f.call(t, tools.CreatePreOrder, map[string]any{"phone": "0909", "productRequest": "Pixel 9", "quantity": 1}); !strings.Contains(res["message"].(string), "registered") {
		t.Errorf("pre-order before register = %v", res)
	}

	f.call(t, tools.RegisterCustomer, map[string]any{"name": "Minh", "phone": "0909", "address": "Huế"})

	res := f.call(t, tools.LookupCustomer, map[string]any{"query": "minh"})
	if res["found"] != true {
		t.Errorf("lookup = %v", res)
	}
	res = f.call(t, tools.CreatePreOrder, map[string]any{"phone": "0909", "productRequest": "Pixel 9", "quantity": 1.0})
	if res["message"] != "Pre-order for Pixel 9 created successfully." {
		t.Errorf("pre-order = %v", res)
	}
}

func TestRegisterCustomer_AddressFallsBackToDraft(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.call(t, tools.RegisterCustomer, map[string]any{"name": "A", "phone": "1", "address": "Street 9"})
	f.call(t, tools.RegisterCustomer, map[string]any{"name": "A", "phone": "2"})
	if got := f.checkout.Draft().Address; got != "Street 9" {
		t.Errorf("address = %q; want previous draft address", got)
	}
}

func TestDispatch_BadInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"unknown tool", "launchRocket", `{}`, "Unknown tool: launchRocket"},
		{"malformed json", tools.CheckStock, `{"productName":`, "Invalid arguments"},
		{"missing field", tools.CheckStock, `{}`, "productName is required"},
		{"bad quantity", tools.ImportStock, `{"items":[{"productName":"x","quantity":0}]}`, "quantity must be positive"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.d.Dispatch(context.Background(), s2s.ToolCall{ID: "x", Name: tc.tool, Args: json.RawMessage(tc.args)})
			m := asMap(t, resp.Result)
			if m["status"] != "error" || !strings.Contains(m["message"].(string), tc.want) {
				t.Errorf("result = %v; want message containing %q", m, tc.want)
			}
		})
	}
}

func TestDispatch_LogsCallAndResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.call(t, tools.CheckStock, map[string]any{"productName": "anker"})

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lines) != 2 {
		t.Fatalf("log lines = %v", f.lines)
	}
	if f.lines[0] != "Tool called: checkStock" {
		t.Errorf("first line = %q", f.lines[0])
	}
	if !strings.HasPrefix(f.lines[1], "Tool result: checkStock: {") {
		t.Errorf("second line = %q", f.lines[1])
	}
}

// ── Preview ───────────────────────────────────────────────────────────────────

func TestPreview(t *testing.T) {
	t.Parallel()

	short := map[string]string{"a": "b"}
	if got := tools.Preview(short); got != `{"a":"b"}` {
		t.Errorf("short = %q", got)
	}

	long := map[string]string{"k": strings.Repeat("x", 500)}
	got := tools.Preview(long)
	if !strings.HasSuffix(got, "…") || len([]rune(got)) != 201 {
		t.Errorf("long preview: %d runes, suffix %q", len([]rune(got)), got[len(got)-3:])
	}

	if got := tools.Preview(func() {}); got != "[unserializable result]" {
		t.Errorf("unserializable = %q", got)
	}
}

func TestDeclarations_CoverEveryTool(t *testing.T) {
	t.Parallel()

	want := []string{tools.CreateInvoice, tools.CheckStock, tools.ImportStock, tools.RegisterCustomer, tools.LookupCustomer, tools.CreatePreOrder}
	decls := tools.Declarations()
	if len(decls) != len(want) {
		t.Fatalf("declarations = %d", len(decls))
	}
	for i, d := range decls {
		if d.Name != want[i] {
			t.Errorf("decl %d = %q; want %q", i, d.Name, want[i])
		}
		if d.Parameters["type"] != "object" {
			t.Errorf("%s: parameters type = %v", d.Name, d.Parameters["type"])
		}
	}
}

func TestCreateInvoice_GuardRunsBeforeArgumentChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		complete bool
		args     string
		want     string
	}{
		{"empty args", false, `{}`, "name, phone number and address"},
		{"empty items", false, `{"items":[]}`, "name, phone number and address"},
		{"malformed json", false, `{"items":`, "name, phone number and address"},
		{"complete draft still validates", true, `{}`, "Invalid arguments"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tc.complete {
				f.checkout.Capture(pos.Draft{Name: "Lan", Phone: "0901234567", Address: "Hà Nội"})
			}
			resp := f.d.Dispatch(context.Background(), s2s.ToolCall{ID: "x", Name: tools.CreateInvoice, Args: json.RawMessage(tc.args)})
			m := asMap(t, resp.Result)
			if msg, _ := m["message"].(string); m["status"] != "error" || !strings.Contains(msg, tc.want) {
				t.Errorf("result = %v; want message containing %q", m, tc.want)
			}
		})
	}
}

// ── Concurrency ───────────────────────────────────────────────────────────────

// slowStore adds latency to product lookups so concurrent invoices overlap.
type slowStore struct {
	*pos.MemStore
}

func (s slowStore) FindProduct(ctx context.Context, query string) (pos.Product, error) {
	time.Sleep(5 * time.Millisecond)
	return s.MemStore.FindProduct(ctx, query)
}

func invoiceCall() s2s.ToolCall {
	return s2s.ToolCall{
		ID:   "inv",
		Name: tools.CreateInvoice,
		Args: json.RawMessage(`{"items":[{"productName":"AirPods","quantity":10}]}`),
	}
}

func TestConcurrentInvoicesOnOneDispatcher(t *testing.T) {
	t.Parallel()

	store := pos.NewMemStore(pos.DefaultInventory()...)
	checkout := &pos.Checkout{}
	d := tools.New(pos.NewService(slowStore{store}), checkout)
	checkout.Capture(pos.Draft{Name: "Lan", Phone: "0901234567", Address: "Hà Nội"})

	var wg sync.WaitGroup
	responses := make([]s2s.ToolResponse, 2)
	for i := range responses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = d.Dispatch(context.Background(), invoiceCall())
		}()
	}
	wg.Wait()

	created := 0
	var results []map[string]any
	for _, resp := range responses {
		r := asMap(t, resp.Result)
		results = append(results, r)
		if _, ok := r["invoiceId"]; ok {
			created++
		}
	}
	if created != 1 {
		t.Errorf("invoices created = %d; want 1 (results %v)", created, results)
	}
	if p, _ := store.FindProduct(context.Background(), "airpods"); p.Quantity != 5 {
		t.Errorf("stock = %d; want 5", p.Quantity)
	}
}

func TestSeparateDispatchersShareStockNotDraft(t *testing.T) {
	t.Parallel()

	store := pos.NewMemStore(pos.DefaultInventory()...)
	svc := pos.NewService(slowStore{store})
	voice, backOffice := &pos.Checkout{}, &pos.Checkout{}
	dv := tools.New(svc, voice)
	db := tools.New(svc, backOffice)

	register := func(d *tools.Dispatcher, phone string) {
		args, _ := json.Marshal(map[string]any{"name": "Khách", "phone": phone, "address": "HN"})
		d.Dispatch(context.Background(), s2s.ToolCall{ID: "r", Name: tools.RegisterCustomer, Args: args})
	}

	register(db, "0911111111")
	if voice.Phase() != pos.PhaseIdle || voice.Draft() != (pos.Draft{}) {
		t.Fatalf("back-office registration leaked into voice checkout: phase %s, draft %+v", voice.Phase(), voice.Draft())
	}
	register(dv, "0922222222")

	var wg sync.WaitGroup
	responses := make([]s2s.ToolResponse, 2)
	for i, d := range []*tools.Dispatcher{dv, db} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = d.Dispatch(context.Background(), invoiceCall())
		}()
	}
	wg.Wait()

	created := 0
	var results []map[string]any
	for _, resp := range responses {
		r := asMap(t, resp.Result)
		results = append(results, r)
		if _, ok := r["invoiceId"]; ok {
			created++
		}
	}
	if created != 1 {
		t.Errorf("invoices created = %d; want 1 (results %v)", created, results)
	}
	if p, _ := store.FindProduct(context.Background(), "airpods"); p.Quantity != 5 {
		t.Errorf("stock = %d; want 5", p.Quantity)
	}
	if inv, _ := store.ListInvoices(context.Background()); len(inv) != 1 {
		t.Errorf("stored invoices = %d; want 1", len(inv))
	}
}
