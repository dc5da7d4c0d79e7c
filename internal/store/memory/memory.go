package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

const dateLayout = "2006-01-02"

type expenseEntry struct {
	Channel string
	Amount  int64
}

// Store is the in-memory backend used in dev mode and by the tests. It
// mirrors the postgres collaborator's observable behavior: stock is
// decremented transactionally on sale create/update, system totals and
// the expense summary are derived from the recorded sales and expenses,
// and closures upsert per shop/date.
type Store struct {
	mu            sync.RWMutex
	stock         map[string]map[string]domain.StockRow
	salesByID     map[string]domain.Sale
	customersByID map[string]domain.Customer
	closures      map[string]domain.ClosureSnapshot
	expenses      map[string][]expenseEntry
	users         map[string]domain.UserAccount
	caps          domain.BackendCapabilities
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"owner", adminPwd, domain.RoleOwner},
		{"manager", adminPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	rows := []domain.StockRow{
		{ItemID: "ITM-RICE-25", ItemName: "Rice 25kg", RemainingPieces: dec("14"), PiecesPerUnit: 1, PurchaseCostPerPiece: 31000, WholesalePricePerPiece: 33500, SellingPricePerPiece: 36000},
		{ItemID: "ITM-OIL-5L", ItemName: "Cooking Oil 5L", RemainingPieces: dec("22"), PiecesPerUnit: 4, PurchaseCostPerPiece: 8200, WholesalePricePerPiece: 8900, SellingPricePerPiece: 9800},
		{ItemID: "ITM-SUGAR-1", ItemName: "Sugar 1kg", RemainingPieces: dec("60"), PiecesPerUnit: 12, PurchaseCostPerPiece: 950, WholesalePricePerPiece: 1050, SellingPricePerPiece: 1200},
		{ItemID: "ITM-FLOUR-1", ItemName: "Wheat Flour 1kg", RemainingPieces: dec("35.5"), PiecesPerUnit: 10, PurchaseCostPerPiece: 780, WholesalePricePerPiece: 850, SellingPricePerPiece: 1000},
		{ItemID: "ITM-MILK-400", ItemName: "Milk Powder 400g", RemainingPieces: dec("18"), PiecesPerUnit: 24, PurchaseCostPerPiece: 2700, WholesalePricePerPiece: 2950, SellingPricePerPiece: 3400},
		{ItemID: "ITM-SOAP-BAR", ItemName: "Laundry Soap Bar", RemainingPieces: dec("96"), PiecesPerUnit: 48, PurchaseCostPerPiece: 350, WholesalePricePerPiece: 420, SellingPricePerPiece: 500},
		{ItemID: "ITM-TOMATO", ItemName: "Tomato Paste Tin", RemainingPieces: dec("0"), PiecesPerUnit: 50, PurchaseCostPerPiece: 280, WholesalePricePerPiece: 330, SellingPricePerPiece: 400},
	}

	stock := map[string]map[string]domain.StockRow{"main-shop": {}}
	for _, row := range rows {
		stock["main-shop"][row.ItemID] = row
	}

	customers := map[string]domain.Customer{}
	for _, c := range []domain.Customer{
		{ID: xid.New("cust"), Name: "Ama Serwaa", Phone: "0244000001"},
		{ID: xid.New("cust"), Name: "Kofi Mensah", Phone: "0244000002"},
	} {
		customers[c.ID] = c
	}

	return &Store{
		stock:         stock,
		salesByID:     map[string]domain.Sale{},
		customersByID: customers,
		closures:      map[string]domain.ClosureSnapshot{},
		expenses:      map[string][]expenseEntry{},
		users:         seedUsers(),
		caps: domain.BackendCapabilities{
			DueDateColumn: "due_date",
			PaymentVocabulary: map[string]string{
				"cash":   "cash",
				"card":   "pos",
				"mobile": "momo",
			},
		},
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dayKey(shopID string, date string) string {
	return shopID + "|" + date
}

func (s *Store) ListStock(_ context.Context, shopID string) ([]domain.StockRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.StockRow, 0, len(s.stock[shopID]))
	for _, row := range s.stock[shopID] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ItemID < rows[j].ItemID })
	return rows, nil
}

// SetStock overwrites one item's remaining pieces. Dev/test helper, not
// part of the Repository surface.
func (s *Store) SetStock(shopID string, itemID string, remaining decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stock[shopID] == nil {
		s.stock[shopID] = map[string]domain.StockRow{}
	}
	row := s.stock[shopID][itemID]
	if row.ItemID == "" {
		row = domain.StockRow{ItemID: itemID, ItemName: itemID, PurchaseCostPerPiece: 1, SellingPricePerPiece: 1}
	}
	row.RemainingPieces = remaining
	s.stock[shopID][itemID] = row
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copySale(sale)
	return &out, nil
}

func (s *Store) CreateSale(_ context.Context, payload domain.SalePayload) (*domain.Sale, error) {
	if len(payload.Lines) == 0 {
		return nil, &store.RejectedError{Messages: []string{"lines: at least one sale line is required"}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyStockDelta(payload.ShopID, nil, payload.Lines); err != nil {
		return nil, err
	}

	sale := s.saleFromPayload(xid.New("sale"), payload, nil)
	s.salesByID[sale.ID] = sale
	out := copySale(sale)
	return &out, nil
}

func (s *Store) UpdateSale(_ context.Context, saleID string, payload domain.SalePayload) (*domain.Sale, error) {
	if len(payload.Lines) == 0 {
		return nil, &store.RejectedError{Messages: []string{"lines: at least one sale line is required"}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if err := s.applyStockDelta(payload.ShopID, previous.Lines, payload.Lines); err != nil {
		return nil, err
	}

	sale := s.saleFromPayload(saleID, payload, previous.Lines)
	s.salesByID[saleID] = sale
	out := copySale(sale)
	return &out, nil
}

// applyStockDelta releases the quantities held by previous lines, then
// reserves the new ones, failing with ErrInsufficientStock when the
// combined change would drive any item negative. Callers hold s.mu.
func (s *Store) applyStockDelta(shopID string, previous []domain.PersistedSaleLine, next []domain.SalePayloadLine) error {
	shopStock := s.stock[shopID]
	if shopStock == nil {
		shopStock = map[string]domain.StockRow{}
		s.stock[shopID] = shopStock
	}

	adjusted := make(map[string]decimal.Decimal, len(next))
	for _, line := range previous {
		adjusted[line.ItemID] = adjusted[line.ItemID].Add(line.QuantityPieces)
	}
	for _, line := range next {
		adjusted[line.ItemID] = adjusted[line.ItemID].Sub(line.QuantityPieces)
	}

	for itemID, delta := range adjusted {
		row := shopStock[itemID]
		if row.ItemID == "" {
			return &store.RejectedError{Messages: []string{"lines: unknown item " + itemID}}
		}
		if row.RemainingPieces.Add(delta).Sign() < 0 {
			return store.ErrInsufficientStock
		}
	}
	for itemID, delta := range adjusted {
		row := shopStock[itemID]
		row.RemainingPieces = row.RemainingPieces.Add(delta)
		shopStock[itemID] = row
	}
	return nil
}

func (s *Store) saleFromPayload(saleID string, payload domain.SalePayload, previous []domain.PersistedSaleLine) domain.Sale {
	previousByID := make(map[string]domain.PersistedSaleLine, len(previous))
	for _, line := range previous {
		previousByID[line.ID] = line
	}

	lines := make([]domain.PersistedSaleLine, 0, len(payload.Lines))
	for _, line := range payload.Lines {
		id := line.ServerLineID
		if _, ok := previousByID[id]; !ok {
			id = xid.New("sline")
		}
		name := line.ItemID
		if row, ok := s.stock[payload.ShopID][line.ItemID]; ok {
			name = row.ItemName
		}
		lines = append(lines, domain.PersistedSaleLine{
			ID:             id,
			ItemID:         line.ItemID,
			ItemName:       name,
			QuantityPieces: line.QuantityPieces,
			UnitPrice:      line.UnitPrice,
		})
	}

	return domain.Sale{
		ID:              saleID,
		ShopID:          payload.ShopID,
		SoldAt:          payload.SoldAt,
		IsCreditSale:    payload.IsCreditSale,
		PaymentType:     payload.PaymentType,
		CustomerName:    payload.CustomerName,
		CustomerPhone:   payload.CustomerPhone,
		DueDate:         payload.DueDate,
		AmountCollected: payload.AmountCollected,
		CreditBalance:   payload.CreditBalance,
		Total:           payload.Total,
		Profit:          payload.Profit,
		Lines:           lines,
	}
}

func copySale(sale domain.Sale) domain.Sale {
	out := sale
	out.Lines = make([]domain.PersistedSaleLine, len(sale.Lines))
	copy(out.Lines, sale.Lines)
	return out
}

func (s *Store) ListCustomers(_ context.Context, _ string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customersByID))
	for _, c := range s.customersByID {
		customers = append(customers, c)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].Name < customers[j].Name })
	return customers, nil
}

func (s *Store) CreateCustomer(_ context.Context, _ string, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, &store.RejectedError{Messages: []string{"name: customer name is required"}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer.ID = xid.New("cust")
	s.customersByID[customer.ID] = customer
	out := customer
	return &out, nil
}

// RecordExpense registers an expense for the direct summary and the
// derived system totals. Dev/test helper.
func (s *Store) RecordExpense(shopID string, date string, channel string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dayKey(shopID, date)
	s.expenses[key] = append(s.expenses[key], expenseEntry{Channel: channel, Amount: amount})
}

func (s *Store) GetSystemTotals(_ context.Context, shopID string, date string) (*domain.SystemTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.SystemTotals{}
	creditPayers := map[string]struct{}{}
	found := false
	for _, sale := range s.salesByID {
		if sale.ShopID != shopID || sale.SoldAt.UTC().Format(dateLayout) != date {
			continue
		}
		found = true
		totals.ProfitRealized += sale.Profit
		if sale.IsCreditSale {
			// Counter settlements on credit sales are cash by
			// convention; the deferred remainder is tracked as credit.
			totals.CashExpected += sale.AmountCollected
			totals.CreditCreated += sale.CreditBalance
			if sale.CustomerName != "" {
				creditPayers[sale.CustomerName] = struct{}{}
			}
			continue
		}
		switch sale.PaymentType {
		case "pos", "card":
			totals.CardExpected += sale.Total
		case "momo", "mobile":
			totals.MobileExpected += sale.Total
		default:
			totals.CashExpected += sale.Total
		}
	}

	summary := s.expenseSummaryLocked(shopID, date)
	if summary != nil {
		found = true
		totals.ExpensesTotal = summary.Total()
	}
	if !found {
		return nil, store.ErrNotFound
	}

	afterTotal := totals.ExpectedTotal() - totals.ExpensesTotal
	cashAfter := totals.CashExpected
	cardAfter := totals.CardExpected
	mobileAfter := totals.MobileExpected
	if summary != nil {
		cashAfter -= summary.CashExpenses
		cardAfter -= summary.CardExpenses
		mobileAfter -= summary.MobileExpenses
	}
	payerCount := len(creditPayers)
	totals.AfterExpensesTotal = &afterTotal
	totals.CashAfterExpenses = &cashAfter
	totals.CardAfterExpenses = &cardAfter
	totals.MobileAfterExpenses = &mobileAfter
	totals.CreditPayerCount = &payerCount

	return &totals, nil
}

func (s *Store) GetExpenseSummary(_ context.Context, shopID string, date string) (*domain.ExpenseSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := s.expenseSummaryLocked(shopID, date)
	if summary == nil {
		return nil, store.ErrNotFound
	}
	return summary, nil
}

func (s *Store) expenseSummaryLocked(shopID string, date string) *domain.ExpenseSummary {
	entries, ok := s.expenses[dayKey(shopID, date)]
	if !ok {
		return nil
	}
	summary := domain.ExpenseSummary{}
	for _, entry := range entries {
		switch entry.Channel {
		case "card", "pos":
			summary.CardExpenses += entry.Amount
		case "mobile", "momo":
			summary.MobileExpenses += entry.Amount
		default:
			summary.CashExpenses += entry.Amount
		}
	}
	return &summary
}

func (s *Store) GetClosure(_ context.Context, shopID string, date string) (*domain.ClosureSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closure, ok := s.closures[dayKey(shopID, date)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := closure
	return &out, nil
}

func (s *Store) SaveClosure(_ context.Context, snapshot domain.ClosureSnapshot) (*domain.ClosureSnapshot, error) {
	if snapshot.ShopID == "" || snapshot.Date == "" {
		return nil, store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closures[dayKey(snapshot.ShopID, snapshot.Date)] = snapshot
	out := snapshot
	return &out, nil
}

func (s *Store) ProbeCapabilities(_ context.Context) (domain.BackendCapabilities, error) {
	return s.caps, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return store.ErrInvalidSale
	}
	user.Username = username
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}
