package service

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/fetch"
	"tillpoint/backend/internal/signal"
	"tillpoint/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service owns the draft carts (one per terminal), the read-only stock
// snapshot, and the cached customer list. The stock snapshot is never
// mutated locally: availability is always computed from the last fetch
// plus in-cart reservations, so multiple open carts cannot drift.
type Service struct {
	repo   store.Repository
	bus    signal.Bus
	coord  *fetch.Coordinator
	caps   domain.BackendCapabilities
	shopID string

	mu        sync.RWMutex
	stock     map[string]domain.StockRow
	customers []domain.Customer
	drafts    map[string]*domain.SaleDraft
}

func New(repo store.Repository, bus signal.Bus, caps domain.BackendCapabilities, shopID string) *Service {
	if shopID == "" {
		shopID = "main-shop"
	}
	if bus == nil {
		bus = signal.NoopBus{}
	}

	return &Service{
		repo:   repo,
		bus:    bus,
		coord:  fetch.NewCoordinator(),
		caps:   caps,
		shopID: shopID,
		stock:  make(map[string]domain.StockRow),
		drafts: make(map[string]*domain.SaleDraft),
	}
}

func (s *Service) ShopID() string {
	return s.shopID
}

func (s *Service) Capabilities() domain.BackendCapabilities {
	return s.caps
}

// RefreshStock replaces the stock snapshot from the backend. Only the
// response to the most recently issued fetch is applied; superseded
// responses are dropped silently.
func (s *Service) RefreshStock(ctx context.Context) error {
	resource := "stock:" + s.shopID
	fetchCtx, gen := s.coord.Issue(ctx, resource)

	rows, err := s.repo.ListStock(fetchCtx, s.shopID)
	if !s.coord.Current(resource, gen) {
		return nil
	}
	if err != nil {
		return err
	}

	snapshot := make(map[string]domain.StockRow, len(rows))
	for _, row := range rows {
		// The query already asks for positive stock; re-filter anyway.
		if row.RemainingPieces.Sign() <= 0 {
			continue
		}
		snapshot[row.ItemID] = row
	}

	s.mu.Lock()
	s.stock = snapshot
	s.mu.Unlock()
	return nil
}

// StockRows returns the current snapshot sorted by item name.
func (s *Service) StockRows() []domain.StockRow {
	s.mu.RLock()
	rows := make([]domain.StockRow, 0, len(s.stock))
	for _, row := range s.stock {
		rows = append(rows, row)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ItemName == rows[j].ItemName {
			return rows[i].ItemID < rows[j].ItemID
		}
		return rows[i].ItemName < rows[j].ItemName
	})
	return rows
}

func (s *Service) stockRow(itemID string) (domain.StockRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.stock[itemID]
	return row, ok
}

// RefreshCustomers reloads the cached customer list, latest-wins.
func (s *Service) RefreshCustomers(ctx context.Context) error {
	resource := "customers:" + s.shopID
	fetchCtx, gen := s.coord.Issue(ctx, resource)

	customers, err := s.repo.ListCustomers(fetchCtx, s.shopID)
	if !s.coord.Current(resource, gen) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.customers = customers
	s.mu.Unlock()
	return nil
}

func (s *Service) Customers(ctx context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	cached := s.customers
	s.mu.RUnlock()
	if cached == nil {
		if err := s.RefreshCustomers(ctx); err != nil {
			return nil, err
		}
		s.mu.RLock()
		cached = s.customers
		s.mu.RUnlock()
	}

	out := make([]domain.Customer, len(cached))
	copy(out, cached)
	return out, nil
}

func (s *Service) CreateCustomer(ctx context.Context, name string, phone string) (domain.Customer, error) {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	if name == "" {
		return domain.Customer{}, domain.Validationf("customer name is required")
	}

	created, err := s.repo.CreateCustomer(ctx, s.shopID, domain.Customer{Name: name, Phone: phone})
	if err != nil {
		return domain.Customer{}, err
	}
	if err := s.RefreshCustomers(ctx); err != nil {
		log.Printf("[service] WARN: customer list refresh failed: %v", err)
	}
	return *created, nil
}

// draftFor returns the terminal's live draft, creating an empty one on
// first use. Callers must hold s.mu.
func (s *Service) draftFor(terminalID string) *domain.SaleDraft {
	draft, ok := s.drafts[terminalID]
	if !ok {
		draft = &domain.SaleDraft{}
		s.drafts[terminalID] = draft
	}
	return draft
}

// Draft returns a snapshot of the terminal's current draft.
func (s *Service) Draft(terminalID string) domain.SaleDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyDraft(s.draftFor(terminalID))
}

func copyDraft(draft *domain.SaleDraft) domain.SaleDraft {
	out := *draft
	out.Lines = make([]domain.SaleLine, len(draft.Lines))
	copy(out.Lines, draft.Lines)
	return out
}
