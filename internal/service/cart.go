package service

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/xid"
)

type AddLineRequest struct {
	TerminalID     string          `json:"terminal_id"`
	ItemID         string          `json:"item_id"`
	QuantityPieces decimal.Decimal `json:"quantity_pieces"`
	UnitPrice      int64           `json:"unit_price"`
}

type LinePatch struct {
	QuantityPieces *decimal.Decimal `json:"quantity_pieces,omitempty"`
	UnitPrice      *int64           `json:"unit_price,omitempty"`
}

// Money is rounded to whole units the moment a line total is computed,
// so every caller sees the same figure regardless of fractional
// quantities.
func lineTotal(qty decimal.Decimal, unitPrice int64) int64 {
	return qty.Mul(decimal.NewFromInt(unitPrice)).Round(0).IntPart()
}

func lineProfit(qty decimal.Decimal, unitPrice int64, costPerPiece int64) int64 {
	return qty.Mul(decimal.NewFromInt(unitPrice - costPerPiece)).Round(0).IntPart()
}

// AddLine admits a new draft line after checking item, quantity, price
// and stock availability. On rejection the cart is left untouched.
func (s *Service) AddLine(_ context.Context, req AddLineRequest) (domain.SaleDraft, error) {
	if strings.TrimSpace(req.ItemID) == "" {
		return domain.SaleDraft{}, domain.Validationf("select an item first")
	}
	qty := req.QuantityPieces.Round(3)
	if qty.Sign() <= 0 {
		return domain.SaleDraft{}, domain.Validationf("quantity must be greater than zero")
	}
	if req.UnitPrice < 1 {
		return domain.SaleDraft{}, domain.Validationf("unit price must be at least 1")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.draftFor(req.TerminalID)
	available := availableFor(s.stock, req.ItemID, draft.Lines, "", draft.EditSource)
	if qty.Sub(available).GreaterThan(admissionEpsilon) {
		name := req.ItemID
		if row, ok := s.stock[req.ItemID]; ok {
			name = row.ItemName
		}
		return domain.SaleDraft{}, domain.Validationf(
			"insufficient stock for %s: requested %s, max allowed %s",
			name, formatQty(qty), formatQty(available),
		)
	}

	row := s.stock[req.ItemID]
	line := domain.SaleLine{
		ID:             xid.New("line"),
		ItemID:         req.ItemID,
		ItemName:       row.ItemName,
		QuantityPieces: qty,
		UnitPrice:      req.UnitPrice,
		Total:          lineTotal(qty, req.UnitPrice),
		Profit:         lineProfit(qty, req.UnitPrice, row.PurchaseCostPerPiece),
	}
	draft.Lines = append(draft.Lines, line)
	return copyDraft(draft), nil
}

// UpdateLine patches a line in place. Quantity is clamped to >= 0 and
// the unit price to an integer >= 1; total and profit are recomputed
// against the current stock row's cost basis, which may differ from the
// one captured at add time.
func (s *Service) UpdateLine(_ context.Context, terminalID string, lineID string, patch LinePatch) (domain.SaleDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.draftFor(terminalID)
	for i := range draft.Lines {
		line := &draft.Lines[i]
		if line.ID != lineID {
			continue
		}

		if patch.QuantityPieces != nil {
			qty := patch.QuantityPieces.Round(3)
			if qty.Sign() < 0 {
				qty = decimal.Zero
			}
			line.QuantityPieces = qty
		}
		if patch.UnitPrice != nil {
			price := *patch.UnitPrice
			if price < 1 {
				price = 1
			}
			line.UnitPrice = price
		}

		cost := s.stock[line.ItemID].PurchaseCostPerPiece
		line.Total = lineTotal(line.QuantityPieces, line.UnitPrice)
		line.Profit = lineProfit(line.QuantityPieces, line.UnitPrice, cost)
		return copyDraft(draft), nil
	}
	return domain.SaleDraft{}, domain.Validationf("line not found")
}

// RemoveLine drops a line unconditionally; removal only ever increases
// availability, so no stock check is needed.
func (s *Service) RemoveLine(_ context.Context, terminalID string, lineID string, perms domain.Permissions) (domain.SaleDraft, error) {
	if !perms.CanCancelLine {
		return domain.SaleDraft{}, domain.Validationf("not allowed to cancel sale lines")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.draftFor(terminalID)
	for i := range draft.Lines {
		if draft.Lines[i].ID != lineID {
			continue
		}
		draft.Lines = append(draft.Lines[:i], draft.Lines[i+1:]...)
		if draft.FocusedLineID == lineID {
			draft.FocusedLineID = ""
		}
		return copyDraft(draft), nil
	}
	return domain.SaleDraft{}, domain.Validationf("line not found")
}

// ToggleCredit switches the draft between credit and settled payment.
// Enabling credit clears any chosen payment mode and forces a customer
// attachment; disabling clears the credit-only fields.
func (s *Service) ToggleCredit(_ context.Context, terminalID string, enabled bool) domain.SaleDraft {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.draftFor(terminalID)
	draft.IsCreditSale = enabled
	if enabled {
		draft.PaymentMode = ""
		draft.AttachCustomer = true
	} else {
		draft.DueDate = ""
		draft.AmountCollectedRaw = ""
	}
	return copyDraft(draft)
}

// SelectPaymentMode picks cash/card/mobile. While credit is active the
// call is a no-op: credit and a fixed payment mode are mutually
// exclusive.
func (s *Service) SelectPaymentMode(_ context.Context, terminalID string, mode domain.PaymentMode) (domain.SaleDraft, error) {
	if !mode.Valid() {
		return domain.SaleDraft{}, domain.Validationf("unknown payment mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.draftFor(terminalID)
	if !draft.IsCreditSale {
		draft.PaymentMode = mode
	}
	return copyDraft(draft), nil
}

func (s *Service) SetCustomer(_ context.Context, terminalID string, name string, phone string, dueDate string) domain.SaleDraft {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.draftFor(terminalID)
	draft.CustomerName = strings.TrimSpace(name)
	draft.CustomerPhone = strings.TrimSpace(phone)
	draft.DueDate = strings.TrimSpace(dueDate)
	if draft.CustomerName != "" {
		draft.AttachCustomer = true
	}
	return copyDraft(draft)
}

func (s *Service) SetCollected(_ context.Context, terminalID string, raw string) domain.SaleDraft {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.draftFor(terminalID)
	draft.AmountCollectedRaw = strings.TrimSpace(raw)
	return copyDraft(draft)
}

// StartEdit loads a persisted sale into the terminal's draft, replacing
// it entirely. focusLineID optionally pre-focuses one persisted line for
// quick editing. On a load error the draft is left as it was and no edit
// session opens.
func (s *Service) StartEdit(ctx context.Context, terminalID string, saleID string, focusLineID string, perms domain.Permissions) (domain.SaleDraft, error) {
	if strings.TrimSpace(saleID) == "" {
		return domain.SaleDraft{}, domain.Validationf("sale id is required")
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleDraft{}, err
	}
	if !sameCalendarDay(sale.SoldAt, time.Now().UTC()) && !perms.CanEditPastSales {
		return domain.SaleDraft{}, domain.Validationf("editing a past day's sale requires an elevated role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	draft := &domain.SaleDraft{
		IsCreditSale:  sale.IsCreditSale,
		CustomerName:  sale.CustomerName,
		CustomerPhone: sale.CustomerPhone,
		DueDate:       sale.DueDate,
		EditingSaleID: sale.ID,
		EditSource:    sale,
	}
	if sale.IsCreditSale {
		draft.AttachCustomer = true
		draft.AmountCollectedRaw = strconv.FormatInt(sale.AmountCollected, 10)
	} else {
		draft.PaymentMode = s.caps.InternalPaymentMode(sale.PaymentType)
		draft.AttachCustomer = sale.CustomerName != ""
	}

	draft.Lines = make([]domain.SaleLine, 0, len(sale.Lines))
	for _, persisted := range sale.Lines {
		cost := s.stock[persisted.ItemID].PurchaseCostPerPiece
		name := persisted.ItemName
		if row, ok := s.stock[persisted.ItemID]; ok && name == "" {
			name = row.ItemName
		}
		line := domain.SaleLine{
			ID:             xid.New("line"),
			ItemID:         persisted.ItemID,
			ItemName:       name,
			QuantityPieces: persisted.QuantityPieces,
			UnitPrice:      persisted.UnitPrice,
			Total:          lineTotal(persisted.QuantityPieces, persisted.UnitPrice),
			Profit:         lineProfit(persisted.QuantityPieces, persisted.UnitPrice, cost),
			ServerLineID:   persisted.ID,
		}
		if focusLineID != "" && persisted.ID == focusLineID {
			draft.FocusedLineID = line.ID
		}
		draft.Lines = append(draft.Lines, line)
	}

	s.drafts[terminalID] = draft
	return copyDraft(draft), nil
}

// CancelEdit abandons the draft (edit session or not) and re-fetches the
// stock snapshot, since reservations held by the draft are released.
func (s *Service) CancelEdit(ctx context.Context, terminalID string) domain.SaleDraft {
	s.mu.Lock()
	draft := &domain.SaleDraft{}
	s.drafts[terminalID] = draft
	out := copyDraft(draft)
	s.mu.Unlock()

	if err := s.RefreshStock(ctx); err != nil {
		log.Printf("[service] WARN: stock refresh after cancel failed: %v", err)
	}
	return out
}

func sameCalendarDay(a time.Time, b time.Time) bool {
	return a.UTC().Format("2006-01-02") == b.UTC().Format("2006-01-02")
}
