// Package reconcile produces the end-of-day expected-vs-counted report
// for a shop and date, merging three independently fetched inputs:
// system expected totals, a direct expense summary, and the last saved
// closure snapshot.
package reconcile

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/fetch"
	"tillpoint/backend/internal/store"
)

const dateLayout = "2006-01-02"

// expenseAgreementTolerance is the integer-rounding slack allowed when
// deciding whether the backend's embedded expense figure matches the
// effective expenses total.
const expenseAgreementTolerance = int64(1)

// Engine owns the three fetched snapshots for its current shop/date.
// Each input is guarded by its own request generation, so a slow system
// totals fetch can never clobber a newer one and never blocks the
// unrelated expense summary from completing.
type Engine struct {
	repo     store.Repository
	coord    *fetch.Coordinator
	throttle *fetch.Throttle
	shopID   string
	now      func() time.Time

	mu       sync.Mutex
	date     string
	totals   *domain.SystemTotals
	expenses *domain.ExpenseSummary
	closure  *domain.ClosureSnapshot
}

func NewEngine(repo store.Repository, shopID string, minRefreshInterval time.Duration) *Engine {
	if shopID == "" {
		shopID = "main-shop"
	}
	engine := &Engine{
		repo:     repo,
		coord:    fetch.NewCoordinator(),
		throttle: fetch.NewThrottle(minRefreshInterval),
		shopID:   shopID,
		now:      time.Now,
	}
	engine.date = engine.Today()
	return engine
}

func (e *Engine) Today() string {
	return e.now().UTC().Format(dateLayout)
}

func (e *Engine) ShopID() string {
	return e.shopID
}

// EffectiveDate resolves a requested reporting date against the caller's
// permissions: a blank or malformed date means today, and a role without
// past-closure rights is always forced onto the current date, for
// viewing as much as for saving.
func (e *Engine) EffectiveDate(perms domain.Permissions, requested string) string {
	today := e.Today()
	if requested == "" {
		return today
	}
	parsed, err := time.Parse(dateLayout, requested)
	if err != nil {
		return today
	}
	normalized := parsed.UTC().Format(dateLayout)
	if normalized != today && !perms.CanEditPastClosures {
		return today
	}
	return normalized
}

// SetDate switches the engine to a (permission-resolved) reporting date
// and restarts all three fetches. Fetches still in flight for the old
// date are cancelled; even if cancellation is not honored, their stale
// generations can no longer be applied.
func (e *Engine) SetDate(ctx context.Context, perms domain.Permissions, requested string) (string, error) {
	effective := e.EffectiveDate(perms, requested)

	e.mu.Lock()
	changed := e.date != effective
	e.date = effective
	if changed {
		e.totals = nil
		e.expenses = nil
		e.closure = nil
	}
	e.mu.Unlock()

	return effective, e.refresh(ctx)
}

// Refresh re-fetches the three inputs. Automatic triggers (timer, focus,
// visibility, sales-changed signal) share the throttle gate; a manual
// user refresh bypasses it.
func (e *Engine) Refresh(ctx context.Context, manual bool) error {
	if !manual && !e.throttle.Allow() {
		return nil
	}
	return e.refresh(ctx)
}

func (e *Engine) refresh(ctx context.Context) error {
	e.mu.Lock()
	date := e.date
	e.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		errs[0] = e.fetchTotals(ctx, date)
	}()
	go func() {
		defer wg.Done()
		errs[1] = e.fetchExpenses(ctx, date)
	}()
	go func() {
		defer wg.Done()
		errs[2] = e.fetchClosure(ctx, date)
	}()
	wg.Wait()

	return errors.Join(errs[0], errs[1], errs[2])
}

// fetchTotals loads the system totals snapshot. A backend gap (not
// found) clears the input without failing the other two; a transport
// error leaves the previous snapshot intact. Stale responses are
// discarded silently.
func (e *Engine) fetchTotals(ctx context.Context, date string) error {
	resource := "totals:" + e.shopID
	fetchCtx, gen := e.coord.Issue(ctx, resource)

	totals, err := e.repo.GetSystemTotals(fetchCtx, e.shopID, date)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.coord.Current(resource, gen) || e.date != date {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		e.totals = nil
		return nil
	}
	if err != nil {
		return err
	}
	e.totals = totals
	return nil
}

func (e *Engine) fetchExpenses(ctx context.Context, date string) error {
	resource := "expenses:" + e.shopID
	fetchCtx, gen := e.coord.Issue(ctx, resource)

	expenses, err := e.repo.GetExpenseSummary(fetchCtx, e.shopID, date)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.coord.Current(resource, gen) || e.date != date {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		e.expenses = nil
		return nil
	}
	if err != nil {
		return err
	}
	e.expenses = expenses
	return nil
}

func (e *Engine) fetchClosure(ctx context.Context, date string) error {
	resource := "closure:" + e.shopID
	fetchCtx, gen := e.coord.Issue(ctx, resource)

	closure, err := e.repo.GetClosure(fetchCtx, e.shopID, date)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.coord.Current(resource, gen) || e.date != date {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		e.closure = nil
		return nil
	}
	if err != nil {
		return err
	}
	e.closure = closure
	return nil
}

// View builds the report from the currently held snapshots. counted may
// be nil when the cashier has not started typing; the last saved closure
// then pre-fills the counted fields.
func (e *Engine) View(perms domain.Permissions, counted *domain.CountedAmounts) domain.ReconciliationResult {
	e.mu.Lock()
	date := e.date
	totals := e.totals
	expenses := e.expenses
	closure := e.closure
	e.mu.Unlock()

	effective := domain.CountedAmounts{}
	if counted != nil {
		effective = *counted
	} else if closure != nil {
		effective = domain.CountedAmounts{
			Cash:   closure.CashAmount,
			Card:   closure.PosAmount,
			Mobile: closure.MomoAmount,
		}
	}

	result := ComputeReport(e.shopID, date, totals, expenses, closure, effective)
	result.Locked = date != e.Today() && !perms.CanEditPastClosures
	return result
}

// SaveClosure upserts the counted snapshot for the engine's current
// date, then runs a silent throttled refresh of all three inputs.
func (e *Engine) SaveClosure(ctx context.Context, perms domain.Permissions, counted domain.CountedAmounts, note string) (*domain.ClosureSnapshot, error) {
	e.mu.Lock()
	date := e.date
	e.mu.Unlock()

	if date != e.Today() && !perms.CanEditPastClosures {
		return nil, domain.Validationf("closures for past days are locked for this role")
	}

	saved, err := e.repo.SaveClosure(ctx, domain.ClosureSnapshot{
		ShopID:     e.shopID,
		Date:       date,
		CashAmount: counted.Cash,
		PosAmount:  counted.Card,
		MomoAmount: counted.Mobile,
		Note:       note,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.date == date {
		e.closure = saved
	}
	e.mu.Unlock()

	if err := e.Refresh(ctx, false); err != nil {
		log.Printf("[reconcile] WARN: post-save refresh failed: %v", err)
	}
	return saved, nil
}

// StartAutoRefresh runs the periodic refresh trigger until ctx is done.
// Each tick passes through the shared throttle gate.
func (e *Engine) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Refresh(ctx, false); err != nil {
					log.Printf("[reconcile] WARN: periodic refresh failed: %v", err)
				}
			}
		}
	}()
}

// HandleSalesChanged is the subscriber for the cross-terminal
// sales-changed signal. Events for other shops are ignored; matching
// events go through the shared throttle.
func (e *Engine) HandleSalesChanged(shopID string) {
	if shopID != e.shopID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Refresh(ctx, false); err != nil {
		log.Printf("[reconcile] WARN: sales-changed refresh failed: %v", err)
	}
}

// ComputeReport merges the three inputs into the expected-vs-counted
// report. It is deterministic and side-effect free.
//
// Expenses merge rule: the effective total is the larger of the system
// figure and the direct summary, so a lagging system total can never
// under-count expenses. Expected-after-expenses prefers the backend's
// own figure only while its embedded expense total agrees with the
// effective one within a one-unit rounding tolerance.
func ComputeReport(shopID string, date string, totals *domain.SystemTotals, expenses *domain.ExpenseSummary, closure *domain.ClosureSnapshot, counted domain.CountedAmounts) domain.ReconciliationResult {
	sys := domain.SystemTotals{}
	if totals != nil {
		sys = *totals
	}
	direct := domain.ExpenseSummary{}
	if expenses != nil {
		direct = *expenses
	}

	effectiveExpenses := sys.ExpensesTotal
	if direct.Total() > effectiveExpenses {
		effectiveExpenses = direct.Total()
	}
	agreement := absInt64(sys.ExpensesTotal-effectiveExpenses) <= expenseAgreementTolerance

	afterTotal := sys.ExpectedTotal() - effectiveExpenses
	if sys.AfterExpensesTotal != nil && agreement {
		afterTotal = *sys.AfterExpensesTotal
	}

	cash := channelReport(sys.CashExpected, sys.CashAfterExpenses, agreement, direct.CashExpenses, counted.Cash)
	card := channelReport(sys.CardExpected, sys.CardAfterExpenses, agreement, direct.CardExpenses, counted.Card)
	mobile := channelReport(sys.MobileExpected, sys.MobileAfterExpenses, agreement, direct.MobileExpenses, counted.Mobile)

	diffTotal := counted.Total() - afterTotal

	return domain.ReconciliationResult{
		ShopID:                 shopID,
		Date:                   date,
		Cash:                   cash,
		Card:                   card,
		Mobile:                 mobile,
		ExpectedTotal:          sys.ExpectedTotal(),
		EffectiveExpensesTotal: effectiveExpenses,
		AfterExpensesTotal:     afterTotal,
		CountedTotal:           counted.Total(),
		DiffTotal:              diffTotal,
		BalancedTotal:          absInt64(diffTotal) < 1,
		ProfitRealized:         sys.ProfitRealized,
		CreditCreated:          sys.CreditCreated,
		CreditPaid:             sys.CreditPaid,
		HasSystemTotals:        totals != nil,
		HasExpenseSummary:      expenses != nil,
		LastClosure:            closure,
	}
}

func channelReport(expected int64, backendAfter *int64, agreement bool, directExpense int64, counted int64) domain.ChannelReport {
	after := expected - directExpense
	if backendAfter != nil && agreement {
		after = *backendAfter
	}
	diff := counted - after
	return domain.ChannelReport{
		Expected:      expected,
		AfterExpenses: after,
		Counted:       counted,
		Diff:          diff,
		Balanced:      absInt64(diff) < 1,
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
