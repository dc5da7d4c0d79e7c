package service

import (
	"context"
	"log"
	"time"

	"tillpoint/backend/internal/domain"
)

// SubmitSale validates the terminal's draft as a whole, persists it as a
// create or update, and reconciles local state afterwards. Preconditions
// run in order; the first failure aborts with its own message and the
// draft stays intact for correction and resubmission.
func (s *Service) SubmitSale(ctx context.Context, terminalID string, perms domain.Permissions) (*domain.Sale, error) {
	s.mu.Lock()
	draft := copyDraft(s.draftFor(terminalID))
	stock := s.stock
	s.mu.Unlock()

	if len(draft.Lines) == 0 {
		return nil, domain.Validationf("cannot submit an empty sale")
	}
	if !draft.IsCreditSale && draft.PaymentMode == "" {
		return nil, domain.Validationf("choose a payment mode or mark the sale as credit")
	}
	if draft.IsCreditSale && draft.CustomerName == "" {
		return nil, domain.Validationf("a credit sale requires a customer name")
	}

	saleTotal := draft.SaleTotal()
	collected := CollectedNow(draft.IsCreditSale, draft.AmountCollectedRaw, saleTotal)
	if draft.IsCreditSale && collected > saleTotal {
		return nil, domain.Validationf("amount collected (%d) exceeds sale total (%d)", collected, saleTotal)
	}

	if err := validateCartAgainstStock(stock, draft.Lines, draft.EditSource); err != nil {
		return nil, err
	}

	if draft.Editing() && !perms.CanEditPastSales &&
		!sameCalendarDay(draft.EditSource.SoldAt, time.Now().UTC()) {
		return nil, domain.Validationf("editing a past day's sale requires an elevated role")
	}

	payload := s.buildPayload(draft, saleTotal, collected)

	var sale *domain.Sale
	var err error
	if draft.Editing() {
		sale, err = s.repo.UpdateSale(ctx, draft.EditingSaleID, payload)
	} else {
		sale, err = s.repo.CreateSale(ctx, payload)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.drafts[terminalID] = &domain.SaleDraft{}
	s.mu.Unlock()

	if err := s.RefreshStock(ctx); err != nil {
		log.Printf("[service] WARN: stock refresh after submit failed: %v", err)
	}
	if err := s.RefreshCustomers(ctx); err != nil {
		log.Printf("[service] WARN: customer refresh after submit failed: %v", err)
	}
	if err := s.bus.PublishSalesChanged(ctx, s.shopID); err != nil {
		log.Printf("[service] WARN: sales-changed publish failed: %v", err)
	}

	return sale, nil
}

// buildPayload serializes a validated draft. Edits reuse the original
// sale timestamp so they never move the sale to a different reporting
// day, and carry the persisted line ids so the backend matches and
// updates instead of duplicating.
func (s *Service) buildPayload(draft domain.SaleDraft, saleTotal int64, collected int64) domain.SalePayload {
	soldAt := time.Now().UTC()
	if draft.Editing() {
		soldAt = draft.EditSource.SoldAt
	}

	payload := domain.SalePayload{
		ShopID:          s.shopID,
		SoldAt:          soldAt,
		IsCreditSale:    draft.IsCreditSale,
		AmountCollected: collected,
		CreditBalance:   CreditBalance(draft.IsCreditSale, collected, saleTotal),
		Total:           saleTotal,
		Profit:          draft.SaleTotalProfit(),
	}

	if !draft.IsCreditSale {
		payload.PaymentType = s.caps.MapPaymentMode(draft.PaymentMode)
	}
	if draft.AttachCustomer || draft.IsCreditSale {
		payload.CustomerName = draft.CustomerName
		payload.CustomerPhone = draft.CustomerPhone
	}
	if s.caps.SupportsDueDate() && draft.DueDate != "" {
		payload.DueDate = draft.DueDate
	}

	payload.Lines = make([]domain.SalePayloadLine, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		out := domain.SalePayloadLine{
			ItemID:         line.ItemID,
			QuantityPieces: line.QuantityPieces,
			UnitPrice:      line.UnitPrice,
		}
		if draft.Editing() {
			out.ServerLineID = line.ServerLineID
		}
		payload.Lines = append(payload.Lines, out)
	}
	return payload
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	if saleID == "" {
		return nil, domain.Validationf("sale id is required")
	}
	return s.repo.GetSale(ctx, saleID)
}
