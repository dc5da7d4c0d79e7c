package service

import (
	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/domain"
)

// admissionEpsilon absorbs floating-point noise from decimal input when
// comparing a requested quantity against availability.
var admissionEpsilon = decimal.New(1, -9)

// availableFor computes how many pieces of itemID may still legally be
// placed into a new or modified line: remaining stock, widened by the
// quantity the edit-source sale already holds, minus what other cart
// lines reserve. The line identified by excludeLineID (the one being
// edited in place) does not count against itself. Never negative.
func availableFor(stock map[string]domain.StockRow, itemID string, lines []domain.SaleLine, excludeLineID string, editSource *domain.Sale) decimal.Decimal {
	remaining := decimal.Zero
	if row, ok := stock[itemID]; ok {
		remaining = row.RemainingPieces
	}

	alreadyInCart := decimal.Zero
	for _, line := range lines {
		if line.ItemID != itemID || (excludeLineID != "" && line.ID == excludeLineID) {
			continue
		}
		alreadyInCart = alreadyInCart.Add(line.QuantityPieces)
	}

	available := remaining.Add(editSource.OriginalQuantityFor(itemID)).Sub(alreadyInCart)
	if available.Sign() < 0 {
		return decimal.Zero
	}
	return available
}

// AvailableFor reports the admissible quantity of itemID for the
// terminal's current draft.
func (s *Service) AvailableFor(terminalID string, itemID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft := s.draftFor(terminalID)
	return availableFor(s.stock, itemID, draft.Lines, "", draft.EditSource)
}

// validateCartAgainstStock re-derives the combined requested quantity
// per distinct item and compares it to remaining plus the edit-source
// allowance. It is the single source of truth at submission time,
// independent of the incremental admission checks, so lines added or
// edited in sequence cannot slip through a combined overdraft.
func validateCartAgainstStock(stock map[string]domain.StockRow, lines []domain.SaleLine, editSource *domain.Sale) error {
	requested := make(map[string]decimal.Decimal, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, seen := requested[line.ItemID]; !seen {
			order = append(order, line.ItemID)
		}
		requested[line.ItemID] = requested[line.ItemID].Add(line.QuantityPieces)
	}

	for _, itemID := range order {
		remaining := decimal.Zero
		name := itemID
		if row, ok := stock[itemID]; ok {
			remaining = row.RemainingPieces
			name = row.ItemName
		}
		maxAllowed := remaining.Add(editSource.OriginalQuantityFor(itemID))
		if requested[itemID].Sub(maxAllowed).GreaterThan(admissionEpsilon) {
			return domain.Validationf(
				"insufficient stock for %s: requested %s, max allowed %s",
				name, formatQty(requested[itemID]), formatQty(maxAllowed),
			)
		}
	}
	return nil
}

// formatQty renders a piece quantity with at most 3 decimal places.
func formatQty(qty decimal.Decimal) string {
	return qty.Round(3).String()
}
