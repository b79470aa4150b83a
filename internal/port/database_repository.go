package port

import (
	"context"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
)

type DatabaseRepository interface {
	// AllocateToken atomically increments the category counter for day and returns the value before increment.
	// Returns domain.ErrCounterStale when the counter has not been rolled over to day.
	AllocateToken(ctx context.Context, category domain.Category, day string) (int64, error)

	// CreateOrders allocates a token for each draft and inserts all orders in a single transaction.
	// Token, DisplayToken and timestamps are filled on the returned copies.
	CreateOrders(ctx context.Context, day string, drafts []domain.Order) ([]domain.Order, error)

	// GetOrder returns domain.ErrOrderNotFound when the id is unknown
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)

	// CompareAndSetStatus updates status only if the order is currently in from; returns domain.ErrStatusConflict otherwise
	CompareAndSetStatus(ctx context.Context, id string, from, to domain.OrderStatus) error

	// ResetDaily purges orders and resets all counters unless day is already the recorded reset date.
	ResetDaily(ctx context.Context, day string) (bool, error)

	// ForceReset applies a manual reset unconditionally and returns the number of purged orders.
	ForceReset(ctx context.Context, day string, opts domain.ResetOptions) (int64, error)

	ListCounters(ctx context.Context) ([]domain.CategoryCounter, error)
}

type MenuRepository interface {
	ListMenuItems(ctx context.Context, category domain.Category) ([]domain.MenuItem, error)

	// GetMenuItem returns domain.ErrMenuItemNotFound when the id is unknown
	GetMenuItem(ctx context.Context, id int64) (*domain.MenuItem, error)

	CreateMenuItem(ctx context.Context, item domain.MenuItem) (*domain.MenuItem, error)

	// UpdateMenuItem updates the item with version check for optimistic locking
	UpdateMenuItem(ctx context.Context, item domain.MenuItem) error

	DeleteMenuItem(ctx context.Context, id int64) error
}
