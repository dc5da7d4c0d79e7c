package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StockRow is a read-only snapshot of one sellable item. The backend owns
// it; the engine re-fetches after every successful submit or edit cancel.
type StockRow struct {
	ItemID                 string          `json:"item_id"`
	ItemName               string          `json:"item_name"`
	RemainingPieces        decimal.Decimal `json:"remaining_pieces"`
	PiecesPerUnit          int             `json:"pieces_per_unit"`
	PurchaseCostPerPiece   int64           `json:"purchase_cost_per_piece"`
	WholesalePricePerPiece int64           `json:"wholesale_price_per_piece"`
	SellingPricePerPiece   int64           `json:"selling_price_per_piece"`
}

// SaleLine is one draft line in an in-progress cart. ID is client-local;
// ServerLineID is set only when the line mirrors a persisted line during
// an edit session.
type SaleLine struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	ItemName       string          `json:"item_name"`
	QuantityPieces decimal.Decimal `json:"quantity_pieces"`
	UnitPrice      int64           `json:"unit_price"`
	Total          int64           `json:"total"`
	Profit         int64           `json:"profit"`
	ServerLineID   string          `json:"server_line_id,omitempty"`
}

type PaymentMode string

const (
	PayCash   PaymentMode = "cash"
	PayCard   PaymentMode = "card"
	PayMobile PaymentMode = "mobile"
)

func (m PaymentMode) Valid() bool {
	return m == PayCash || m == PayCard || m == PayMobile
}

// SaleDraft is the in-progress sale being composed at one terminal. All
// mutation goes through the cart transition functions; fields are never
// edited independently.
type SaleDraft struct {
	Lines              []SaleLine  `json:"lines"`
	IsCreditSale       bool        `json:"is_credit_sale"`
	PaymentMode        PaymentMode `json:"payment_mode,omitempty"`
	AttachCustomer     bool        `json:"attach_customer"`
	CustomerName       string      `json:"customer_name,omitempty"`
	CustomerPhone      string      `json:"customer_phone,omitempty"`
	DueDate            string      `json:"due_date,omitempty"`
	AmountCollectedRaw string      `json:"amount_collected_raw,omitempty"`
	EditingSaleID      string      `json:"editing_sale_id,omitempty"`
	FocusedLineID      string      `json:"focused_line_id,omitempty"`

	// EditSource is the persisted sale being replaced; it widens the
	// stock allowance while the edit session is open.
	EditSource *Sale `json:"-"`
}

func (d SaleDraft) Editing() bool {
	return d.EditingSaleID != ""
}

func (d SaleDraft) SaleTotal() int64 {
	total := int64(0)
	for _, line := range d.Lines {
		total += line.Total
	}
	return total
}

func (d SaleDraft) SaleTotalProfit() int64 {
	profit := int64(0)
	for _, line := range d.Lines {
		profit += line.Profit
	}
	return profit
}

// PersistedSaleLine is a line of a sale as the backend returns it.
type PersistedSaleLine struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	ItemName       string          `json:"item_name"`
	QuantityPieces decimal.Decimal `json:"quantity_pieces"`
	UnitPrice      int64           `json:"unit_price"`
}

// Sale is a persisted sale aggregate.
type Sale struct {
	ID              string              `json:"id"`
	ShopID          string              `json:"shop_id"`
	SoldAt          time.Time           `json:"sold_at"`
	IsCreditSale    bool                `json:"is_credit_sale"`
	PaymentType     string              `json:"payment_type,omitempty"`
	CustomerName    string              `json:"customer_name,omitempty"`
	CustomerPhone   string              `json:"customer_phone,omitempty"`
	DueDate         string              `json:"due_date,omitempty"`
	AmountCollected int64               `json:"amount_collected"`
	CreditBalance   int64               `json:"credit_balance"`
	Total           int64               `json:"total"`
	Profit          int64               `json:"profit"`
	Lines           []PersistedSaleLine `json:"lines"`
}

// OriginalQuantityFor sums the sale's own quantity of itemID. Used to
// widen stock availability while this sale is being edited.
func (s *Sale) OriginalQuantityFor(itemID string) decimal.Decimal {
	qty := decimal.Zero
	if s == nil {
		return qty
	}
	for _, line := range s.Lines {
		if line.ItemID == itemID {
			qty = qty.Add(line.QuantityPieces)
		}
	}
	return qty
}

// SalePayloadLine is one line of a create/update request sent to the
// backend. ServerLineID lets the backend match-and-update on edits.
type SalePayloadLine struct {
	ItemID         string          `json:"item_id"`
	QuantityPieces decimal.Decimal `json:"quantity_pieces"`
	UnitPrice      int64           `json:"unit_price"`
	ServerLineID   string          `json:"server_line_id,omitempty"`
}

// SalePayload is the wire shape for sale create/update.
type SalePayload struct {
	ShopID          string            `json:"shop_id"`
	SoldAt          time.Time         `json:"sold_at"`
	IsCreditSale    bool              `json:"is_credit_sale"`
	PaymentType     string            `json:"payment_type,omitempty"`
	CustomerName    string            `json:"customer_name,omitempty"`
	CustomerPhone   string            `json:"customer_phone,omitempty"`
	DueDate         string            `json:"due_date,omitempty"`
	AmountCollected int64             `json:"amount_collected"`
	CreditBalance   int64             `json:"credit_balance"`
	Total           int64             `json:"total"`
	Profit          int64             `json:"profit"`
	Lines           []SalePayloadLine `json:"lines"`
}

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// SystemTotals is the backend-computed expectation for one shop/date.
// Pointer fields are optional backend capabilities; nil means the
// backend did not supply the figure.
type SystemTotals struct {
	CashExpected   int64 `json:"cash_expected"`
	CardExpected   int64 `json:"card_expected"`
	MobileExpected int64 `json:"mobile_expected"`
	ExpensesTotal  int64 `json:"expenses_total"`
	ProfitRealized int64 `json:"profit_realized"`
	CreditCreated  int64 `json:"credit_created"`
	CreditPaid     int64 `json:"credit_paid"`

	AfterExpensesTotal  *int64 `json:"after_expenses_total,omitempty"`
	CashAfterExpenses   *int64 `json:"cash_after_expenses,omitempty"`
	CardAfterExpenses   *int64 `json:"card_after_expenses,omitempty"`
	MobileAfterExpenses *int64 `json:"mobile_after_expenses,omitempty"`
	CreditPayerCount    *int   `json:"credit_payer_count,omitempty"`
}

func (t SystemTotals) ExpectedTotal() int64 {
	return t.CashExpected + t.CardExpected + t.MobileExpected
}

// ExpenseSummary is the per-channel expense breakdown computed
// independently of SystemTotals.
type ExpenseSummary struct {
	CashExpenses   int64 `json:"cash_expenses"`
	CardExpenses   int64 `json:"card_expenses"`
	MobileExpenses int64 `json:"mobile_expenses"`
}

func (e ExpenseSummary) Total() int64 {
	return e.CashExpenses + e.CardExpenses + e.MobileExpenses
}

// ClosureSnapshot is the persisted end-of-day counted record. One logical
// row per shop/date; saving again upserts.
type ClosureSnapshot struct {
	ShopID     string `json:"shop_id"`
	Date       string `json:"date"`
	CashAmount int64  `json:"cash_amount"`
	PosAmount  int64  `json:"pos_amount"`
	MomoAmount int64  `json:"momo_amount"`
	Note       string `json:"note,omitempty"`
}

// CountedAmounts is what the cashier physically counted, per channel.
type CountedAmounts struct {
	Cash   int64 `json:"cash"`
	Card   int64 `json:"card"`
	Mobile int64 `json:"mobile"`
}

func (c CountedAmounts) Total() int64 {
	return c.Cash + c.Card + c.Mobile
}

// ChannelReport is one channel's expected-vs-counted row. Diff is always
// counted minus expected-after-expenses; the sign is meaningful and never
// clamped. Balanced is labeling only (|diff| < 1).
type ChannelReport struct {
	Expected      int64 `json:"expected"`
	AfterExpenses int64 `json:"after_expenses"`
	Counted       int64 `json:"counted"`
	Diff          int64 `json:"diff"`
	Balanced      bool  `json:"balanced"`
}

// ReconciliationResult is derived, never persisted.
type ReconciliationResult struct {
	ShopID                 string           `json:"shop_id"`
	Date                   string           `json:"date"`
	Cash                   ChannelReport    `json:"cash"`
	Card                   ChannelReport    `json:"card"`
	Mobile                 ChannelReport    `json:"mobile"`
	ExpectedTotal          int64            `json:"expected_total"`
	EffectiveExpensesTotal int64            `json:"effective_expenses_total"`
	AfterExpensesTotal     int64            `json:"after_expenses_total"`
	CountedTotal           int64            `json:"counted_total"`
	DiffTotal              int64            `json:"diff_total"`
	BalancedTotal          bool             `json:"balanced_total"`
	ProfitRealized         int64            `json:"profit_realized"`
	CreditCreated          int64            `json:"credit_created"`
	CreditPaid             int64            `json:"credit_paid"`
	Locked                 bool             `json:"locked"`
	HasSystemTotals        bool             `json:"has_system_totals"`
	HasExpenseSummary      bool             `json:"has_expense_summary"`
	LastClosure            *ClosureSnapshot `json:"last_closure,omitempty"`
}

// BackendCapabilities is probed once at startup. The zero value is the
// degraded mode: no due-date column, identity payment vocabulary.
type BackendCapabilities struct {
	DueDateColumn     string            `json:"due_date_column,omitempty"`
	PaymentVocabulary map[string]string `json:"payment_vocabulary,omitempty"`
}

func (c BackendCapabilities) SupportsDueDate() bool {
	return c.DueDateColumn != ""
}

// MapPaymentMode translates an internal payment mode to the backend's
// accepted vocabulary, falling back to identity.
func (c BackendCapabilities) MapPaymentMode(mode PaymentMode) string {
	if mapped, ok := c.PaymentVocabulary[string(mode)]; ok && mapped != "" {
		return mapped
	}
	return string(mode)
}

// InternalPaymentMode is the inverse of MapPaymentMode, used when loading
// a persisted sale into the draft.
func (c BackendCapabilities) InternalPaymentMode(backendValue string) PaymentMode {
	for internal, mapped := range c.PaymentVocabulary {
		if mapped == backendValue {
			return PaymentMode(internal)
		}
	}
	return PaymentMode(backendValue)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// Permissions is the capability set derived once from the authenticated
// principal's role and passed explicitly into the engine.
type Permissions struct {
	CanEditPastClosures bool
	CanEditPastSales    bool
	CanCancelLine       bool
	CanAccessWorkspace  bool
}

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
)

func PermissionsForRole(role string) Permissions {
	switch role {
	case RoleManager, RoleOwner, RoleAdmin:
		return Permissions{
			CanEditPastClosures: true,
			CanEditPastSales:    true,
			CanCancelLine:       true,
			CanAccessWorkspace:  true,
		}
	case RoleCashier:
		return Permissions{CanCancelLine: true}
	default:
		return Permissions{}
	}
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError is a local, user-facing validation failure. It blocks
// the action, is reported verbatim, and is never retried automatically.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
