package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID           string
	Token        int64
	DisplayToken string
	Category     Category
	Items        []Item
	Total        decimal.Decimal
	Status       OrderStatus
	OwnerID      string
	OwnerName    string
	Contact      string // notification destination (phone number or chat id)
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func ComputeTotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

func (o Order) TotalConsistent() bool {
	return ComputeTotal(o.Items).Equal(o.Total)
}

// ValidateItems rejects empty carts and malformed lines.
func ValidateItems(items []Item) error {
	if len(items) == 0 {
		return ErrEmptyOrder
	}
	for i, it := range items {
		if strings.TrimSpace(it.Name) == "" {
			return fmt.Errorf("%w: line %d has no name", ErrInvalidItem, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidItem, i)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d price must not be negative", ErrInvalidItem, i)
		}
	}
	return nil
}

// CategoryCounter is the per-category allocation state for one day.
type CategoryCounter struct {
	Category  Category
	NextValue int64
	ResetDate string
}

const dayLayout = "2006-01-02"

// Day returns the calendar day key of t in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayLayout)
}

// ResetOptions scopes a manual reset.
type ResetOptions struct {
	Category      Category // empty means every category
	DeleteOrders  bool
	ResetCounters bool
}

// PurgesOrders reports whether the reset deletes orders. Rewinding a counter
// always purges the orders in scope, otherwise their tokens would be handed out again.
func (o ResetOptions) PurgesOrders() bool {
	return o.DeleteOrders || o.ResetCounters
}

// OrderFilter narrows order listings; zero values match everything.
type OrderFilter struct {
	Category Category
	Status   OrderStatus
	OwnerID  string
	Limit    int
}
