package store

import (
	"context"
	"errors"
	"strings"

	"tillpoint/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")
)

// RejectedError carries the backend's field-level validation messages for
// a sale create/update. Error flattens them into one readable string.
type RejectedError struct {
	Messages []string
}

func (e *RejectedError) Error() string {
	if len(e.Messages) == 0 {
		return "sale rejected by backend"
	}
	return strings.Join(e.Messages, "; ")
}

// Repository is the backend collaborator surface consumed by the engine.
// Implementations own transport, encoding and authentication; callers
// only see these shapes plus the sentinel errors above. Any of the three
// reconciliation inputs may return ErrNotFound without invalidating the
// others.
type Repository interface {
	// Stock listing; rows with zero remaining pieces may be included,
	// callers filter defensively.
	ListStock(ctx context.Context, shopID string) ([]domain.StockRow, error)

	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	CreateSale(ctx context.Context, payload domain.SalePayload) (*domain.Sale, error)
	// UpdateSale is idempotent: repeating it with the same payload must
	// not change semantics.
	UpdateSale(ctx context.Context, saleID string, payload domain.SalePayload) (*domain.Sale, error)

	ListCustomers(ctx context.Context, shopID string) ([]domain.Customer, error)
	CreateCustomer(ctx context.Context, shopID string, customer domain.Customer) (*domain.Customer, error)

	GetSystemTotals(ctx context.Context, shopID string, date string) (*domain.SystemTotals, error)
	GetExpenseSummary(ctx context.Context, shopID string, date string) (*domain.ExpenseSummary, error)
	GetClosure(ctx context.Context, shopID string, date string) (*domain.ClosureSnapshot, error)
	// SaveClosure upserts; a second save for the same shop/date
	// supersedes the first.
	SaveClosure(ctx context.Context, snapshot domain.ClosureSnapshot) (*domain.ClosureSnapshot, error)

	// ProbeCapabilities introspects the backend once at startup. Failure
	// degrades features (no due date, identity payment vocabulary)
	// rather than blocking the core flows.
	ProbeCapabilities(ctx context.Context) (domain.BackendCapabilities, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
