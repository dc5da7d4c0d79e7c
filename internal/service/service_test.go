package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store/memory"
)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	mem := memory.NewSeeded()
	caps, err := mem.ProbeCapabilities(context.Background())
	if err != nil {
		t.Fatalf("probe capabilities: %v", err)
	}
	svc := New(mem, nil, caps, "main-shop")
	if err := svc.RefreshStock(context.Background()); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}
	return svc, mem
}

func mustAddLine(t *testing.T, svc *Service, terminal string, itemID string, quantity string, price int64) domain.SaleDraft {
	t.Helper()
	draft, err := svc.AddLine(context.Background(), AddLineRequest{
		TerminalID:     terminal,
		ItemID:         itemID,
		QuantityPieces: qty(quantity),
		UnitPrice:      price,
	})
	if err != nil {
		t.Fatalf("add line %s x%s: %v", itemID, quantity, err)
	}
	return draft
}

func allPerms() domain.Permissions {
	return domain.PermissionsForRole(domain.RoleManager)
}

func TestAddLineAdmitsWithinRemainingStock(t *testing.T) {
	svc, mem := newTestService(t)
	mem.SetStock("main-shop", "ITM-RICE-25", qty("10"))
	if err := svc.RefreshStock(context.Background()); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}

	mustAddLine(t, svc, "till-1", "ITM-RICE-25", "4", 36000)

	if got := svc.AvailableFor("till-1", "ITM-RICE-25"); !got.Equal(qty("6")) {
		t.Fatalf("available after reserving 4 of 10 = %s, want 6", got)
	}

	_, err := svc.AddLine(context.Background(), AddLineRequest{
		TerminalID:     "till-1",
		ItemID:         "ITM-RICE-25",
		QuantityPieces: qty("7"),
		UnitPrice:      36000,
	})
	if err == nil {
		t.Fatal("admitting 7 with only 6 available must fail")
	}
	if !strings.Contains(err.Error(), "Rice 25kg") || !strings.Contains(err.Error(), "max allowed 6") {
		t.Fatalf("rejection should name the item and the admissible quantity, got %q", err)
	}

	// The rejected line must not have touched the cart.
	if draft := svc.Draft("till-1"); len(draft.Lines) != 1 {
		t.Fatalf("cart has %d lines after rejection, want 1", len(draft.Lines))
	}
}

func TestAddLineAcceptsFractionalQuantities(t *testing.T) {
	svc, _ := newTestService(t)

	draft := mustAddLine(t, svc, "till-1", "ITM-FLOUR-1", "2.5", 1000)

	if draft.Lines[0].Total != 2500 {
		t.Fatalf("line total = %d, want 2500", draft.Lines[0].Total)
	}
	if draft.Lines[0].Profit != 550 {
		t.Fatalf("line profit = %d, want 550 (2.5 * (1000-780))", draft.Lines[0].Profit)
	}
}

func TestAddLineValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		req  AddLineRequest
	}{
		{"missing item", AddLineRequest{TerminalID: "t", QuantityPieces: qty("1"), UnitPrice: 100}},
		{"zero quantity", AddLineRequest{TerminalID: "t", ItemID: "ITM-RICE-25", QuantityPieces: qty("0"), UnitPrice: 100}},
		{"negative quantity", AddLineRequest{TerminalID: "t", ItemID: "ITM-RICE-25", QuantityPieces: qty("-1"), UnitPrice: 100}},
		{"zero price", AddLineRequest{TerminalID: "t", ItemID: "ITM-RICE-25", QuantityPieces: qty("1")}},
	}
	for _, tc := range cases {
		if _, err := svc.AddLine(context.Background(), tc.req); err == nil {
			t.Errorf("%s: expected a validation error", tc.name)
		}
	}
}

func TestSubmitCatchesCombinedOverdraftAcrossLines(t *testing.T) {
	svc, mem := newTestService(t)
	mem.SetStock("main-shop", "ITM-RICE-25", qty("10"))
	if err := svc.RefreshStock(context.Background()); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}

	mustAddLine(t, svc, "till-1", "ITM-RICE-25", "4", 36000)
	second := mustAddLine(t, svc, "till-1", "ITM-RICE-25", "6", 36000)

	// Line edits don't re-check stock, so the combined request can
	// drift past remaining. Submission is the source of truth.
	lineID := second.Lines[1].ID
	newQty := qty("7")
	if _, err := svc.UpdateLine(context.Background(), "till-1", lineID, LinePatch{QuantityPieces: &newQty}); err != nil {
		t.Fatalf("update line: %v", err)
	}

	if _, err := svc.SelectPaymentMode(context.Background(), "till-1", domain.PayCash); err != nil {
		t.Fatalf("select payment mode: %v", err)
	}

	_, err := svc.SubmitSale(context.Background(), "till-1", allPerms())
	if err == nil {
		t.Fatal("submitting 11 combined pieces against 10 remaining must fail")
	}
	if !strings.Contains(err.Error(), "requested 11") || !strings.Contains(err.Error(), "max allowed 10") {
		t.Fatalf("rejection should state the combined request and maximum, got %q", err)
	}

	// The draft survives for correction.
	if draft := svc.Draft("till-1"); len(draft.Lines) != 2 {
		t.Fatalf("draft has %d lines after rejected submit, want 2", len(draft.Lines))
	}
}

func TestSubmitPreconditionsRunInOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Empty cart wins over every later check.
	_, err := svc.SubmitSale(ctx, "till-1", allPerms())
	if err == nil || !strings.Contains(err.Error(), "empty sale") {
		t.Fatalf("empty cart error expected, got %v", err)
	}

	mustAddLine(t, svc, "till-1", "ITM-SUGAR-1", "2", 1200)
	_, err = svc.SubmitSale(ctx, "till-1", allPerms())
	if err == nil || !strings.Contains(err.Error(), "payment mode") {
		t.Fatalf("missing payment mode error expected, got %v", err)
	}

	svc.ToggleCredit(ctx, "till-1", true)
	_, err = svc.SubmitSale(ctx, "till-1", allPerms())
	if err == nil || !strings.Contains(err.Error(), "customer name") {
		t.Fatalf("missing customer error expected, got %v", err)
	}

	svc.SetCustomer(ctx, "till-1", "Ama Serwaa", "", "")
	svc.SetCollected(ctx, "till-1", "25000")
	_, err = svc.SubmitSale(ctx, "till-1", allPerms())
	if err == nil || !strings.Contains(err.Error(), "exceeds sale total") {
		t.Fatalf("over-collection error expected, got %v", err)
	}
}

func TestCreditSaleBookkeeping(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	// 2 bags at 10000 each: total 20000.
	mem.SetStock("main-shop", "ITM-RICE-25", qty("10"))
	if err := svc.RefreshStock(ctx); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}
	mustAddLine(t, svc, "till-1", "ITM-RICE-25", "2", 10000)

	svc.ToggleCredit(ctx, "till-1", true)
	svc.SetCustomer(ctx, "till-1", "Kofi Mensah", "0244000002", "2026-09-15")
	svc.SetCollected(ctx, "till-1", "8,000")

	sale, err := svc.SubmitSale(ctx, "till-1", allPerms())
	if err != nil {
		t.Fatalf("submit credit sale: %v", err)
	}
	if sale.AmountCollected != 8000 {
		t.Fatalf("amount collected = %d, want 8000", sale.AmountCollected)
	}
	if sale.CreditBalance != 12000 {
		t.Fatalf("credit balance = %d, want 12000", sale.CreditBalance)
	}
	if sale.PaymentType != "" {
		t.Fatalf("credit sale must not carry a payment type, got %q", sale.PaymentType)
	}
	if sale.DueDate != "2026-09-15" {
		t.Fatalf("due date = %q, want 2026-09-15", sale.DueDate)
	}
}

func TestCreditSaleWithNothingCollected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustAddLine(t, svc, "till-1", "ITM-SUGAR-1", "10", 2000)
	svc.ToggleCredit(ctx, "till-1", true)
	svc.SetCustomer(ctx, "till-1", "Ama Serwaa", "", "")

	sale, err := svc.SubmitSale(ctx, "till-1", allPerms())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sale.AmountCollected != 0 || sale.CreditBalance != 20000 {
		t.Fatalf("collected=%d balance=%d, want 0 and 20000", sale.AmountCollected, sale.CreditBalance)
	}
}

func TestNonCreditSaleCollectsFullTotal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustAddLine(t, svc, "till-1", "ITM-SUGAR-1", "5", 1200)
	if _, err := svc.SelectPaymentMode(ctx, "till-1", domain.PayCard); err != nil {
		t.Fatalf("select payment mode: %v", err)
	}

	sale, err := svc.SubmitSale(ctx, "till-1", allPerms())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sale.AmountCollected != 6000 || sale.CreditBalance != 0 {
		t.Fatalf("collected=%d balance=%d, want 6000 and 0", sale.AmountCollected, sale.CreditBalance)
	}
	// "card" is translated to the backend's own vocabulary.
	if sale.PaymentType != "pos" {
		t.Fatalf("payment type = %q, want pos", sale.PaymentType)
	}
}

func TestToggleCreditClearsOppositeFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SelectPaymentMode(ctx, "till-1", domain.PayCash); err != nil {
		t.Fatalf("select payment mode: %v", err)
	}

	draft := svc.ToggleCredit(ctx, "till-1", true)
	if draft.PaymentMode != "" {
		t.Fatalf("enabling credit must clear the payment mode, got %q", draft.PaymentMode)
	}
	if !draft.AttachCustomer {
		t.Fatal("enabling credit must force customer attachment")
	}

	// Payment mode selection is inert while credit is on.
	draft, err := svc.SelectPaymentMode(ctx, "till-1", domain.PayMobile)
	if err != nil {
		t.Fatalf("select payment mode: %v", err)
	}
	if draft.PaymentMode != "" {
		t.Fatal("payment mode selection must be a no-op during credit")
	}

	svc.SetCustomer(ctx, "till-1", "Kofi", "", "2026-09-20")
	svc.SetCollected(ctx, "till-1", "500")
	draft = svc.ToggleCredit(ctx, "till-1", false)
	if draft.DueDate != "" || draft.AmountCollectedRaw != "" {
		t.Fatalf("disabling credit must clear due date and collected input, got %q / %q", draft.DueDate, draft.AmountCollectedRaw)
	}
}

func TestRemoveLineRequiresPermission(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	draft := mustAddLine(t, svc, "till-1", "ITM-SUGAR-1", "1", 1200)
	lineID := draft.Lines[0].ID

	noCancel := domain.Permissions{}
	if _, err := svc.RemoveLine(ctx, "till-1", lineID, noCancel); err == nil {
		t.Fatal("removal without the cancel permission must fail")
	}

	cashier := domain.PermissionsForRole(domain.RoleCashier)
	draft, err := svc.RemoveLine(ctx, "till-1", lineID, cashier)
	if err != nil {
		t.Fatalf("cashier removal: %v", err)
	}
	if len(draft.Lines) != 0 {
		t.Fatalf("cart has %d lines after removal, want 0", len(draft.Lines))
	}
}

func TestSubmitDecrementsStockAndResetsDraft(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	mem.SetStock("main-shop", "ITM-OIL-5L", qty("20"))
	if err := svc.RefreshStock(ctx); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}

	mustAddLine(t, svc, "till-1", "ITM-OIL-5L", "3", 9800)
	if _, err := svc.SelectPaymentMode(ctx, "till-1", domain.PayCash); err != nil {
		t.Fatalf("select payment mode: %v", err)
	}
	if _, err := svc.SubmitSale(ctx, "till-1", allPerms()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if draft := svc.Draft("till-1"); len(draft.Lines) != 0 || draft.IsCreditSale || draft.PaymentMode != "" {
		t.Fatalf("draft not reset after submit: %+v", draft)
	}
	if got := svc.AvailableFor("till-1", "ITM-OIL-5L"); !got.Equal(qty("17")) {
		t.Fatalf("available after selling 3 of 20 = %s, want 17", got)
	}
}

func TestEditWidensAvailabilityByOriginalQuantity(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	mem.SetStock("main-shop", "ITM-RICE-25", qty("8"))
	if err := svc.RefreshStock(ctx); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}

	mustAddLine(t, svc, "till-1", "ITM-RICE-25", "3", 36000)
	if _, err := svc.SelectPaymentMode(ctx, "till-1", domain.PayCash); err != nil {
		t.Fatalf("select payment mode: %v", err)
	}
	sale, err := svc.SubmitSale(ctx, "till-1", allPerms())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// 5 pieces remain. Editing the sale restores its own 3 to the
	// admissible pool, but the mirrored line reserves them again.
	draft, err := svc.StartEdit(ctx, "till-1", sale.ID, "", allPerms())
	if err != nil {
		t.Fatalf("start edit: %v", err)
	}
	if len(draft.Lines) != 1 || !draft.Lines[0].QuantityPieces.Equal(qty("3")) {
		t.Fatalf("edit draft lines = %+v", draft.Lines)
	}
	if got := svc.AvailableFor("till-1", "ITM-RICE-25"); !got.Equal(qty("5")) {
		t.Fatalf("available during edit = %s, want 5 (8 remaining + 3 original - 3 reserved)", got)
	}

	// Growing the edited line to the full widened allowance succeeds.
	newQty := qty("8")
	if _, err := svc.UpdateLine(ctx, "till-1", draft.Lines[0].ID, LinePatch{QuantityPieces: &newQty}); err != nil {
		t.Fatalf("update line: %v", err)
	}
	updated, err := svc.SubmitSale(ctx, "till-1", allPerms())
	if err != nil {
		t.Fatalf("resubmit at widened allowance: %v", err)
	}
	if updated.ID != sale.ID {
		t.Fatalf("edit produced a new sale %s, want update of %s", updated.ID, sale.ID)
	}
	if !updated.SoldAt.Equal(sale.SoldAt) {
		t.Fatalf("edit moved the sale timestamp from %v to %v", sale.SoldAt, updated.SoldAt)
	}

	if err := svc.RefreshStock(ctx); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}
	if got := svc.AvailableFor("till-1", "ITM-RICE-25"); got.Sign() != 0 {
		t.Fatalf("remaining after consuming the full allowance = %s, want 0", got)
	}
}

func TestStartEditPrefillsCreditFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustAddLine(t, svc, "till-1", "ITM-SUGAR-1", "2", 1200)
	svc.ToggleCredit(ctx, "till-1", true)
	svc.SetCustomer(ctx, "till-1", "Ama Serwaa", "0244000001", "2026-09-10")
	svc.SetCollected(ctx, "till-1", "1000")
	sale, err := svc.SubmitSale(ctx, "till-1", allPerms())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	draft, err := svc.StartEdit(ctx, "till-2", sale.ID, sale.Lines[0].ID, allPerms())
	if err != nil {
		t.Fatalf("start edit: %v", err)
	}
	if !draft.IsCreditSale || !draft.AttachCustomer {
		t.Fatal("credit flags not restored on edit")
	}
	if draft.AmountCollectedRaw != "1000" {
		t.Fatalf("collected input = %q, want the persisted 1000", draft.AmountCollectedRaw)
	}
	if draft.CustomerName != "Ama Serwaa" || draft.DueDate != "2026-09-10" {
		t.Fatalf("customer fields not restored: %+v", draft)
	}
	if draft.FocusedLineID != draft.Lines[0].ID {
		t.Fatalf("focus should map the persisted line to its draft mirror, got %q", draft.FocusedLineID)
	}
}

func TestStartEditUnknownSale(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.StartEdit(context.Background(), "till-1", "sale_missing", "", allPerms())
	if err == nil {
		t.Fatal("expected an error for an unknown sale")
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		t.Fatal("a backend miss is not a validation failure")
	}
}

func TestCancelEditResetsDraft(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustAddLine(t, svc, "till-1", "ITM-SUGAR-1", "4", 1200)
	svc.ToggleCredit(ctx, "till-1", true)

	draft := svc.CancelEdit(ctx, "till-1")
	if len(draft.Lines) != 0 || draft.IsCreditSale {
		t.Fatalf("cancel left draft state behind: %+v", draft)
	}
}

func TestDueDateDroppedWithoutBackendSupport(t *testing.T) {
	mem := memory.NewSeeded()
	// Capabilities without a due-date column.
	svc := New(mem, nil, domain.BackendCapabilities{}, "main-shop")
	ctx := context.Background()
	if err := svc.RefreshStock(ctx); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}

	mustAddLine(t, svc, "till-1", "ITM-SUGAR-1", "1", 1200)
	svc.ToggleCredit(ctx, "till-1", true)
	svc.SetCustomer(ctx, "till-1", "Ama", "", "2026-09-15")

	sale, err := svc.SubmitSale(ctx, "till-1", allPerms())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sale.DueDate != "" {
		t.Fatalf("due date must be dropped when the backend has no column, got %q", sale.DueDate)
	}
}

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"8,000", 8000},
		{" 1250 ", 1250},
		{"99.6", 100},
		{"", 0},
		{"abc", 0},
		{"1,234,567", 1234567},
	}
	for _, tc := range cases {
		if got := ParseMoney(tc.in); got != tc.want {
			t.Errorf("ParseMoney(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestUpdateLineClampsInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	draft := mustAddLine(t, svc, "till-1", "ITM-SUGAR-1", "3", 1200)
	lineID := draft.Lines[0].ID

	negative := qty("-2")
	badPrice := int64(0)
	draft, err := svc.UpdateLine(ctx, "till-1", lineID, LinePatch{QuantityPieces: &negative, UnitPrice: &badPrice})
	if err != nil {
		t.Fatalf("update line: %v", err)
	}
	if draft.Lines[0].QuantityPieces.Sign() != 0 {
		t.Fatalf("negative quantity should clamp to 0, got %s", draft.Lines[0].QuantityPieces)
	}
	if draft.Lines[0].UnitPrice != 1 {
		t.Fatalf("price should clamp to 1, got %d", draft.Lines[0].UnitPrice)
	}
	if draft.Lines[0].Total != 0 {
		t.Fatalf("zero quantity line total = %d, want 0", draft.Lines[0].Total)
	}
}

func TestCustomersCacheAndCreate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	customers, err := svc.Customers(ctx)
	if err != nil {
		t.Fatalf("customers: %v", err)
	}
	seeded := len(customers)
	if seeded == 0 {
		t.Fatal("seeded store should list customers")
	}

	if _, err := svc.CreateCustomer(ctx, "  ", ""); err == nil {
		t.Fatal("blank customer name must be rejected")
	}

	created, err := svc.CreateCustomer(ctx, "Yaw Boateng", "0200000000")
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created customer should carry an id")
	}

	customers, err = svc.Customers(ctx)
	if err != nil {
		t.Fatalf("customers after create: %v", err)
	}
	if len(customers) != seeded+1 {
		t.Fatalf("customer list has %d entries, want %d", len(customers), seeded+1)
	}
}
