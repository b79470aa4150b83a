package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestComputeTotal(t *testing.T) {
	items := []Item{
		{Name: "Veg Puff", UnitPrice: decimal.RequireFromString("15.50"), Quantity: 2},
		{Name: "Tea", UnitPrice: decimal.NewFromInt(10), Quantity: 3},
	}
	want := decimal.RequireFromString("61")
	if got := ComputeTotal(items); !got.Equal(want) {
		t.Errorf("ComputeTotal = %s, want %s", got, want)
	}

	o := Order{Items: items, Total: want}
	if !o.TotalConsistent() {
		t.Error("expected consistent total")
	}
	o.Total = want.Add(decimal.NewFromInt(1))
	if o.TotalConsistent() {
		t.Error("expected inconsistent total")
	}
}

func TestValidateItems(t *testing.T) {
	if err := ValidateItems(nil); !errors.Is(err, ErrEmptyOrder) {
		t.Errorf("expected ErrEmptyOrder, got %v", err)
	}
	bad := [][]Item{
		{{Name: "", UnitPrice: decimal.NewFromInt(1), Quantity: 1}},
		{{Name: "Fries", UnitPrice: decimal.NewFromInt(1), Quantity: 0}},
		{{Name: "Fries", UnitPrice: decimal.NewFromInt(-1), Quantity: 1}},
	}
	for i, items := range bad {
		if err := ValidateItems(items); !errors.Is(err, ErrInvalidItem) {
			t.Errorf("case %d: expected ErrInvalidItem, got %v", i, err)
		}
	}
	ok := []Item{{Name: "Fries", UnitPrice: decimal.NewFromInt(40), Quantity: 1}}
	if err := ValidateItems(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDay(t *testing.T) {
	ts := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	if got := Day(ts, nil); got != "2026-03-01" {
		t.Errorf("Day UTC = %s", got)
	}
	ist := time.FixedZone("IST", 5*3600+1800)
	if got := Day(ts, ist); got != "2026-03-02" {
		t.Errorf("Day IST = %s, want 2026-03-02", got)
	}
}
