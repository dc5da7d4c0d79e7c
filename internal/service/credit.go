package service

import (
	"math"
	"strconv"
	"strings"
)

// ParseMoney turns free-text money input into whole currency units.
// Grouping separators and surrounding space are tolerated; anything
// unparseable is 0.
func ParseMoney(raw string) int64 {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if cleaned == "" {
		return 0
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(value))
}

// CollectedNow is the amount settled at the counter. A non-credit sale
// always collects the full total; a credit sale collects whatever the
// cashier entered, floored at zero.
func CollectedNow(isCredit bool, rawInput string, saleTotal int64) int64 {
	if !isCredit {
		return saleTotal
	}
	collected := ParseMoney(rawInput)
	if collected < 0 {
		return 0
	}
	return collected
}

// CreditBalance is the outstanding amount after the counter settlement.
// Zero for non-credit sales, never negative. Over-collection is not an
// error here; the submission preconditions block it.
func CreditBalance(isCredit bool, collectedNow int64, saleTotal int64) int64 {
	if !isCredit {
		return 0
	}
	balance := saleTotal - collectedNow
	if balance < 0 {
		return 0
	}
	return balance
}
