package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
)

func TestMenuService_List(t *testing.T) {
	svc := NewMenuService(newMockMenuRepo(), quietLogger())
	ctx := context.Background()

	items, err := svc.List(ctx, domain.CategoryCanteen)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("expected 3 canteen items, got %d", len(items))
	}

	if _, err := svc.List(ctx, "pizza"); !errors.Is(err, domain.ErrInvalidCategory) {
		t.Errorf("expected ErrInvalidCategory, got: %v", err)
	}
}

func TestMenuService_AddValidation(t *testing.T) {
	svc := NewMenuService(newMockMenuRepo(), quietLogger())
	ctx := context.Background()

	tests := []struct {
		name string
		item domain.MenuItem
		want error
	}{
		{"blank name", domain.MenuItem{Name: "  ", Category: domain.CategoryFries}, ErrInvalidRequest},
		{"negative price", domain.MenuItem{Name: "Fries", Category: domain.CategoryFries, Price: decimal.NewFromInt(-1)}, ErrInvalidRequest},
		{"bad category", domain.MenuItem{Name: "Pizza", Category: "pizza"}, domain.ErrInvalidCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Add(ctx, tt.item); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got: %v", tt.want, err)
			}
		})
	}

	stored, err := svc.Add(ctx, domain.MenuItem{Name: " Cheese Fries ", Category: domain.CategoryFries, Price: decimal.NewFromInt(60), Available: true})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if stored.ID == 0 || stored.Name != "Cheese Fries" {
		t.Errorf("unexpected stored item: %+v", stored)
	}
}

func TestMenuService_SetAvailabilityRetriesOnVersionConflict(t *testing.T) {
	repo := newMockMenuRepo()
	repo.lockFailures = 2
	svc := NewMenuService(repo, quietLogger())

	item, err := svc.SetAvailability(context.Background(), 5, true)
	if err != nil {
		t.Fatalf("expected retry to succeed, got: %v", err)
	}
	if !item.Available {
		t.Error("expected item to be available")
	}

	repo.lockFailures = 10
	_, err = svc.SetAvailability(context.Background(), 5, false)
	if !errors.Is(err, domain.ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock, got: %v", err)
	}
}

func TestMenuService_Delete(t *testing.T) {
	svc := NewMenuService(newMockMenuRepo(), quietLogger())
	ctx := context.Background()

	if err := svc.Delete(ctx, 1); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := svc.Get(ctx, 1); !errors.Is(err, domain.ErrMenuItemNotFound) {
		t.Errorf("expected ErrMenuItemNotFound, got: %v", err)
	}
	if err := svc.Delete(ctx, 1); !errors.Is(err, domain.ErrMenuItemNotFound) {
		t.Errorf("expected ErrMenuItemNotFound on second delete, got: %v", err)
	}
}
