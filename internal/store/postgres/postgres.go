package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

type Store struct {
	db *sql.DB

	// customerNameColumn caches which naming generation the customers
	// table uses ("name" or "customer_name"). Resolved lazily on the
	// first 42703 failure.
	customerNameColumn string

	// dueDateColumn is the sales table's due-date column as found by
	// ProbeCapabilities. Empty when the deployment has none; writes
	// then omit the field entirely.
	dueDateColumn string
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, customerNameColumn: "name"}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListStock(ctx context.Context, shopID string) ([]domain.StockRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, item_name, remaining_pieces, pieces_per_unit,
			purchase_cost_per_piece, wholesale_price_per_piece, selling_price_per_piece
		FROM shop_items
		WHERE shop_id = $1 AND remaining_pieces > 0
		ORDER BY item_name, item_id
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockRow, 0, 128)
	for rows.Next() {
		var row domain.StockRow
		if err := rows.Scan(&row.ItemID, &row.ItemName, &row.RemainingPieces, &row.PiecesPerUnit,
			&row.PurchaseCostPerPiece, &row.WholesalePricePerPiece, &row.SellingPricePerPiece); err != nil {
			return nil, err
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	var paymentType sql.NullString
	var customerName sql.NullString
	var customerPhone sql.NullString
	var dueDate sql.NullTime

	dueExpr := "NULL::date"
	if column, ok := s.saleDueDateColumn(); ok {
		dueExpr = column
	}
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, shop_id, sold_at, is_credit_sale, payment_type,
			customer_name, customer_phone, %s,
			amount_collected, credit_balance, total, profit
		FROM sales
		WHERE id = $1
	`, dueExpr), saleID).Scan(
		&sale.ID,
		&sale.ShopID,
		&sale.SoldAt,
		&sale.IsCreditSale,
		&paymentType,
		&customerName,
		&customerPhone,
		&dueDate,
		&sale.AmountCollected,
		&sale.CreditBalance,
		&sale.Total,
		&sale.Profit,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.SoldAt = sale.SoldAt.UTC()
	if paymentType.Valid {
		sale.PaymentType = paymentType.String
	}
	if customerName.Valid {
		sale.CustomerName = customerName.String
	}
	if customerPhone.Valid {
		sale.CustomerPhone = customerPhone.String
	}
	if dueDate.Valid {
		sale.DueDate = dueDate.Time.UTC().Format("2006-01-02")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sl.id, sl.item_id, COALESCE(si.item_name, sl.item_id), sl.quantity_pieces, sl.unit_price
		FROM sale_lines sl
		LEFT JOIN shop_items si ON si.item_id = sl.item_id AND si.shop_id = $2
		WHERE sl.sale_id = $1
		ORDER BY sl.position ASC
	`, sale.ID, sale.ShopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.PersistedSaleLine, 0, 8)
	for rows.Next() {
		var line domain.PersistedSaleLine
		if err := rows.Scan(&line.ID, &line.ItemID, &line.ItemName, &line.QuantityPieces, &line.UnitPrice); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Lines = lines

	return &sale, nil
}

func (s *Store) CreateSale(ctx context.Context, payload domain.SalePayload) (*domain.Sale, error) {
	if len(payload.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := s.reserveStock(ctx, pgTx, payload.ShopID, nil, payload.Lines); err != nil {
		return nil, err
	}

	saleID := xid.New("sale")
	if err := s.insertSaleRow(ctx, pgTx, saleID, payload); err != nil {
		return nil, err
	}

	lines := make([]domain.PersistedSaleLine, 0, len(payload.Lines))
	for i, line := range payload.Lines {
		persisted := domain.PersistedSaleLine{
			ID:             xid.New("sline"),
			ItemID:         line.ItemID,
			QuantityPieces: line.QuantityPieces,
			UnitPrice:      line.UnitPrice,
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, item_id, quantity_pieces, unit_price, position)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, persisted.ID, saleID, line.ItemID, line.QuantityPieces, line.UnitPrice, i)
		if err != nil {
			return nil, err
		}
		lines = append(lines, persisted)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	sale := saleFromPayload(saleID, payload)
	sale.Lines = lines
	return &sale, nil
}

func (s *Store) UpdateSale(ctx context.Context, saleID string, payload domain.SalePayload) (*domain.Sale, error) {
	if len(payload.Lines) == 0 {
		return nil, store.ErrInvalidSale
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	previous, err := lockSaleLines(ctx, pgTx, saleID)
	if err != nil {
		return nil, err
	}

	if err := s.reserveStock(ctx, pgTx, payload.ShopID, previous, payload.Lines); err != nil {
		return nil, err
	}

	query := `
		UPDATE sales
		SET is_credit_sale = $2, payment_type = $3, customer_name = $4, customer_phone = $5,
			amount_collected = $6, credit_balance = $7, total = $8, profit = $9,
			updated_at = now()
		WHERE id = $1
	`
	args := []any{saleID, payload.IsCreditSale, nullIfEmpty(payload.PaymentType), nullIfEmpty(payload.CustomerName),
		nullIfEmpty(payload.CustomerPhone), payload.AmountCollected, payload.CreditBalance, payload.Total, payload.Profit}
	if column, ok := s.saleDueDateColumn(); ok {
		query = fmt.Sprintf(`
			UPDATE sales
			SET is_credit_sale = $2, payment_type = $3, customer_name = $4, customer_phone = $5,
				amount_collected = $6, credit_balance = $7, total = $8, profit = $9,
				%s = $10, updated_at = now()
			WHERE id = $1
		`, column)
		args = append(args, nullIfEmpty(payload.DueDate))
	}

	res, err := pgTx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	// Lines carrying a known server id are updated in place; the rest
	// are inserted fresh. Anything not re-sent is removed.
	previousIDs := make(map[string]struct{}, len(previous))
	for _, line := range previous {
		previousIDs[line.ID] = struct{}{}
	}

	kept := make([]string, 0, len(payload.Lines))
	lines := make([]domain.PersistedSaleLine, 0, len(payload.Lines))
	for i, line := range payload.Lines {
		lineID := line.ServerLineID
		if _, known := previousIDs[lineID]; known {
			_, err = pgTx.ExecContext(ctx, `
				UPDATE sale_lines
				SET item_id = $2, quantity_pieces = $3, unit_price = $4, position = $5
				WHERE id = $1
			`, lineID, line.ItemID, line.QuantityPieces, line.UnitPrice, i)
		} else {
			lineID = xid.New("sline")
			_, err = pgTx.ExecContext(ctx, `
				INSERT INTO sale_lines (id, sale_id, item_id, quantity_pieces, unit_price, position)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, lineID, saleID, line.ItemID, line.QuantityPieces, line.UnitPrice, i)
		}
		if err != nil {
			return nil, err
		}
		kept = append(kept, lineID)
		lines = append(lines, domain.PersistedSaleLine{
			ID:             lineID,
			ItemID:         line.ItemID,
			QuantityPieces: line.QuantityPieces,
			UnitPrice:      line.UnitPrice,
		})
	}

	_, err = pgTx.ExecContext(ctx, `
		DELETE FROM sale_lines
		WHERE sale_id = $1 AND NOT (id = ANY($2))
	`, saleID, kept)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	sale := saleFromPayload(saleID, payload)
	sale.Lines = lines
	return &sale, nil
}

func lockSaleLines(ctx context.Context, pgTx *sql.Tx, saleID string) ([]domain.PersistedSaleLine, error) {
	var exists string
	err := pgTx.QueryRowContext(ctx, `
		SELECT id FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, item_id, quantity_pieces, unit_price
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY position ASC
		FOR UPDATE
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.PersistedSaleLine, 0, 8)
	for rows.Next() {
		var line domain.PersistedSaleLine
		if err := rows.Scan(&line.ID, &line.ItemID, &line.QuantityPieces, &line.UnitPrice); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// reserveStock applies the net quantity change of replacing previous
// lines with next against locked stock rows. Any item driven negative
// aborts the transaction with ErrInsufficientStock.
func (s *Store) reserveStock(ctx context.Context, pgTx *sql.Tx, shopID string, previous []domain.PersistedSaleLine, next []domain.SalePayloadLine) error {
	deltas := make(map[string]decimal.Decimal, len(next))
	order := make([]string, 0, len(next))
	for _, line := range next {
		if _, seen := deltas[line.ItemID]; !seen {
			order = append(order, line.ItemID)
		}
		deltas[line.ItemID] = deltas[line.ItemID].Sub(line.QuantityPieces)
	}
	for _, line := range previous {
		if _, seen := deltas[line.ItemID]; !seen {
			order = append(order, line.ItemID)
		}
		deltas[line.ItemID] = deltas[line.ItemID].Add(line.QuantityPieces)
	}

	for _, itemID := range order {
		delta := deltas[itemID]
		if delta.Sign() == 0 {
			continue
		}

		var remaining decimal.Decimal
		err := pgTx.QueryRowContext(ctx, `
			SELECT remaining_pieces
			FROM shop_items
			WHERE shop_id = $1 AND item_id = $2
			FOR UPDATE
		`, shopID, itemID).Scan(&remaining)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrInvalidSale
			}
			return err
		}
		if remaining.Add(delta).Sign() < 0 {
			return store.ErrInsufficientStock
		}

		_, err = pgTx.ExecContext(ctx, `
			UPDATE shop_items
			SET remaining_pieces = remaining_pieces + $3, updated_at = now()
			WHERE shop_id = $1 AND item_id = $2
		`, shopID, itemID, delta)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertSaleRow(ctx context.Context, pgTx *sql.Tx, saleID string, payload domain.SalePayload) error {
	query := `
		INSERT INTO sales (
			id, shop_id, sold_at, is_credit_sale, payment_type,
			customer_name, customer_phone,
			amount_collected, credit_balance, total, profit, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
	`
	args := []any{saleID, payload.ShopID, payload.SoldAt, payload.IsCreditSale, nullIfEmpty(payload.PaymentType),
		nullIfEmpty(payload.CustomerName), nullIfEmpty(payload.CustomerPhone),
		payload.AmountCollected, payload.CreditBalance, payload.Total, payload.Profit}
	if column, ok := s.saleDueDateColumn(); ok {
		query = fmt.Sprintf(`
			INSERT INTO sales (
				id, shop_id, sold_at, is_credit_sale, payment_type,
				customer_name, customer_phone,
				amount_collected, credit_balance, total, profit, %s, created_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())
		`, column)
		args = append(args, nullIfEmpty(payload.DueDate))
	}

	_, err := pgTx.ExecContext(ctx, query, args...)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidSale
	}
	return err
}

// saleDueDateColumn reports the probed due-date column, restricted to
// the two known namings so it is safe to interpolate.
func (s *Store) saleDueDateColumn() (string, bool) {
	switch s.dueDateColumn {
	case "due_date", "payment_due_date":
		return s.dueDateColumn, true
	}
	return "", false
}

func saleFromPayload(saleID string, payload domain.SalePayload) domain.Sale {
	return domain.Sale{
		ID:              saleID,
		ShopID:          payload.ShopID,
		SoldAt:          payload.SoldAt.UTC(),
		IsCreditSale:    payload.IsCreditSale,
		PaymentType:     payload.PaymentType,
		CustomerName:    payload.CustomerName,
		CustomerPhone:   payload.CustomerPhone,
		DueDate:         payload.DueDate,
		AmountCollected: payload.AmountCollected,
		CreditBalance:   payload.CreditBalance,
		Total:           payload.Total,
		Profit:          payload.Profit,
	}
}

// ListCustomers tolerates both customers-table generations: newer
// deployments name the columns name/phone, older ones customer_name and
// phone_number. An undefined-column failure switches generation and
// retries once.
func (s *Store) ListCustomers(ctx context.Context, shopID string) ([]domain.Customer, error) {
	customers, err := s.listCustomers(ctx, shopID, s.customerNameColumn)
	if err != nil && isUndefinedColumn(err) {
		s.customerNameColumn = otherNameColumn(s.customerNameColumn)
		customers, err = s.listCustomers(ctx, shopID, s.customerNameColumn)
	}
	return customers, err
}

func (s *Store) listCustomers(ctx context.Context, shopID string, nameColumn string) ([]domain.Customer, error) {
	query := `
		SELECT id, name, COALESCE(phone,'')
		FROM customers
		WHERE shop_id = $1
		ORDER BY name ASC
	`
	if nameColumn == "customer_name" {
		query = `
			SELECT id, customer_name, COALESCE(phone_number,'')
			FROM customers
			WHERE shop_id = $1
			ORDER BY customer_name ASC
		`
	}

	rows, err := s.db.QueryContext(ctx, query, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, shopID string, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}

	err := s.createCustomer(ctx, shopID, customer, s.customerNameColumn)
	if err != nil && isUndefinedColumn(err) {
		s.customerNameColumn = otherNameColumn(s.customerNameColumn)
		err = s.createCustomer(ctx, shopID, customer, s.customerNameColumn)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	saved := customer
	return &saved, nil
}

func (s *Store) createCustomer(ctx context.Context, shopID string, customer domain.Customer, nameColumn string) error {
	query := `
		INSERT INTO customers (id, shop_id, name, phone, created_at)
		VALUES ($1,$2,$3,$4,now())
	`
	if nameColumn == "customer_name" {
		query = `
			INSERT INTO customers (id, shop_id, customer_name, phone_number, created_at)
			VALUES ($1,$2,$3,$4,now())
		`
	}
	_, err := s.db.ExecContext(ctx, query, customer.ID, shopID, customer.Name, nullIfEmpty(customer.Phone))
	return err
}

func (s *Store) GetSystemTotals(ctx context.Context, shopID string, date string) (*domain.SystemTotals, error) {
	var totals domain.SystemTotals
	var saleCount int64
	var payerCount int

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(CASE WHEN is_credit_sale THEN amount_collected
				WHEN payment_type IN ('pos','card','momo','mobile') THEN 0
				ELSE total END),0)::bigint,
			COALESCE(SUM(CASE WHEN NOT is_credit_sale AND payment_type IN ('pos','card') THEN total ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN NOT is_credit_sale AND payment_type IN ('momo','mobile') THEN total ELSE 0 END),0)::bigint,
			COALESCE(SUM(profit),0)::bigint,
			COALESCE(SUM(CASE WHEN is_credit_sale THEN credit_balance ELSE 0 END),0)::bigint,
			COUNT(DISTINCT CASE WHEN is_credit_sale AND customer_name IS NOT NULL THEN customer_name END)::int
		FROM sales
		WHERE shop_id = $1 AND sold_at >= $2::date AND sold_at < $2::date + INTERVAL '1 day'
	`, shopID, date).Scan(
		&saleCount,
		&totals.CashExpected,
		&totals.CardExpected,
		&totals.MobileExpected,
		&totals.ProfitRealized,
		&totals.CreditCreated,
		&payerCount,
	)
	if err != nil {
		return nil, err
	}

	summary, expErr := s.GetExpenseSummary(ctx, shopID, date)
	if expErr != nil && !errors.Is(expErr, store.ErrNotFound) {
		return nil, expErr
	}
	if saleCount == 0 && summary == nil {
		return nil, store.ErrNotFound
	}
	if summary != nil {
		totals.ExpensesTotal = summary.Total()
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
	totals.AfterExpensesTotal = &afterTotal
	totals.CashAfterExpenses = &cashAfter
	totals.CardAfterExpenses = &cardAfter
	totals.MobileAfterExpenses = &mobileAfter
	totals.CreditPayerCount = &payerCount

	return &totals, nil
}

func (s *Store) GetExpenseSummary(ctx context.Context, shopID string, date string) (*domain.ExpenseSummary, error) {
	var summary domain.ExpenseSummary
	var count int64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(CASE WHEN channel IN ('pos','card') THEN amount ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN channel IN ('momo','mobile') THEN amount ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN channel NOT IN ('pos','card','momo','mobile') THEN amount ELSE 0 END),0)::bigint
		FROM shop_expenses
		WHERE shop_id = $1 AND expense_date = $2::date
	`, shopID, date).Scan(&count, &summary.CardExpenses, &summary.MobileExpenses, &summary.CashExpenses)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, store.ErrNotFound
	}
	return &summary, nil
}

func (s *Store) GetClosure(ctx context.Context, shopID string, date string) (*domain.ClosureSnapshot, error) {
	var snapshot domain.ClosureSnapshot
	var note sql.NullString
	var closureDate time.Time

	err := s.db.QueryRowContext(ctx, `
		SELECT shop_id, closure_date, cash_amount, pos_amount, momo_amount, note
		FROM daily_closures
		WHERE shop_id = $1 AND closure_date = $2::date
	`, shopID, date).Scan(&snapshot.ShopID, &closureDate, &snapshot.CashAmount, &snapshot.PosAmount, &snapshot.MomoAmount, &note)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	snapshot.Date = closureDate.UTC().Format("2006-01-02")
	if note.Valid {
		snapshot.Note = note.String
	}
	return &snapshot, nil
}

func (s *Store) SaveClosure(ctx context.Context, snapshot domain.ClosureSnapshot) (*domain.ClosureSnapshot, error) {
	if snapshot.ShopID == "" || snapshot.Date == "" {
		return nil, store.ErrInvalidSale
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_closures (shop_id, closure_date, cash_amount, pos_amount, momo_amount, note, updated_at)
		VALUES ($1,$2::date,$3,$4,$5,$6,now())
		ON CONFLICT (shop_id, closure_date)
		DO UPDATE SET cash_amount = EXCLUDED.cash_amount, pos_amount = EXCLUDED.pos_amount,
			momo_amount = EXCLUDED.momo_amount, note = EXCLUDED.note, updated_at = now()
	`, snapshot.ShopID, snapshot.Date, snapshot.CashAmount, snapshot.PosAmount, snapshot.MomoAmount, nullIfEmpty(snapshot.Note))
	if err != nil {
		return nil, err
	}

	saved := snapshot
	return &saved, nil
}

// ProbeCapabilities inspects the live schema so the writer side can
// adapt to the deployed backend generation: whether the sales table has
// a due-date column, and which payment vocabulary its check constraint
// accepts.
func (s *Store) ProbeCapabilities(ctx context.Context) (domain.BackendCapabilities, error) {
	caps := domain.BackendCapabilities{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = 'sales' AND column_name IN ('due_date','payment_due_date')
	`)
	if err != nil {
		return caps, err
	}
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			_ = rows.Close()
			return caps, err
		}
		if caps.DueDateColumn == "" || column == "due_date" {
			caps.DueDateColumn = column
			s.dueDateColumn = column
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return caps, err
	}
	_ = rows.Close()

	var constraintDef sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT pg_get_constraintdef(c.oid)
		FROM pg_constraint c
		JOIN pg_class t ON t.oid = c.conrelid
		WHERE t.relname = 'sales' AND c.contype = 'c' AND pg_get_constraintdef(c.oid) ILIKE '%payment_type%'
		LIMIT 1
	`).Scan(&constraintDef)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return caps, err
	}

	caps.PaymentVocabulary = map[string]string{
		"cash":   "cash",
		"card":   "card",
		"mobile": "mobile",
	}
	if constraintDef.Valid {
		def := strings.ToLower(constraintDef.String)
		if strings.Contains(def, "'pos'") {
			caps.PaymentVocabulary["card"] = "pos"
		}
		if strings.Contains(def, "'momo'") {
			caps.PaymentVocabulary["mobile"] = "momo"
		}
	}

	return caps, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidSale
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func otherNameColumn(current string) string {
	if current == "name" {
		return "customer_name"
	}
	return "name"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42703"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
