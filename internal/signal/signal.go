// Package signal carries the shop-scoped "sales data changed elsewhere"
// notification between terminals. The reconciliation engine subscribes
// to it as one of its automatic refresh triggers.
package signal

import "context"

type Bus interface {
	PublishSalesChanged(ctx context.Context, shopID string) error
	// SubscribeSalesChanged invokes fn with the shop id of every change
	// published by any terminal. The returned function stops the
	// subscription.
	SubscribeSalesChanged(ctx context.Context, fn func(shopID string)) (func() error, error)
}

// NoopBus is used when no broker is configured (single-terminal mode).
type NoopBus struct{}

func (NoopBus) PublishSalesChanged(_ context.Context, _ string) error {
	return nil
}

func (NoopBus) SubscribeSalesChanged(_ context.Context, _ func(string)) (func() error, error) {
	return func() error { return nil }, nil
}
