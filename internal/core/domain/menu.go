package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MenuItem is a stall's catalogue entry; students order by ID and prices are resolved server-side.
type MenuItem struct {
	ID          int64
	Name        string
	Description string
	Category    Category
	Price       decimal.Decimal
	ImageURL    string
	Available   bool
	Version     int // optimistic locking
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
