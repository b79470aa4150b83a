package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/port"
)

const availabilityRetries = 3

type MenuService struct {
	repo   port.MenuRepository
	logger *slog.Logger
}

func NewMenuService(repo port.MenuRepository, logger *slog.Logger) *MenuService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MenuService{repo: repo, logger: logger}
}

// List returns the menu, optionally restricted to one stall.
func (s *MenuService) List(ctx context.Context, category domain.Category) ([]domain.MenuItem, error) {
	if category != "" && !category.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, category)
	}
	return s.repo.ListMenuItems(ctx, category)
}

func (s *MenuService) Get(ctx context.Context, id int64) (*domain.MenuItem, error) {
	return s.repo.GetMenuItem(ctx, id)
}

func (s *MenuService) Add(ctx context.Context, item domain.MenuItem) (*domain.MenuItem, error) {
	item.Name = strings.TrimSpace(item.Name)
	item.Description = strings.TrimSpace(item.Description)
	if err := validateMenuItem(item); err != nil {
		return nil, err
	}
	stored, err := s.repo.CreateMenuItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("create menu item: %w", err)
	}
	s.logger.Info("menu item added", "item_id", stored.ID, "category", stored.Category, "name", stored.Name)
	return stored, nil
}

// Update writes the item if its version still matches the stored one.
func (s *MenuService) Update(ctx context.Context, item domain.MenuItem) error {
	item.Name = strings.TrimSpace(item.Name)
	if err := validateMenuItem(item); err != nil {
		return err
	}
	if err := s.repo.UpdateMenuItem(ctx, item); err != nil {
		return fmt.Errorf("update menu item %d: %w", item.ID, err)
	}
	return nil
}

// SetAvailability toggles an item, re-reading on version conflicts.
func (s *MenuService) SetAvailability(ctx context.Context, id int64, available bool) (*domain.MenuItem, error) {
	var lastErr error
	for i := 0; i < availabilityRetries; i++ {
		item, err := s.repo.GetMenuItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item.Available == available {
			return item, nil
		}
		item.Available = available
		err = s.repo.UpdateMenuItem(ctx, *item)
		if err == nil {
			item.Version++
			s.logger.Info("menu item availability changed", "item_id", id, "available", available)
			return item, nil
		}
		if !errors.Is(err, domain.ErrOptimisticLock) {
			return nil, fmt.Errorf("update menu item %d: %w", id, err)
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *MenuService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.DeleteMenuItem(ctx, id); err != nil {
		return fmt.Errorf("delete menu item %d: %w", id, err)
	}
	s.logger.Info("menu item deleted", "item_id", id)
	return nil
}

func validateMenuItem(item domain.MenuItem) error {
	if item.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if item.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidRequest)
	}
	if !item.Category.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidCategory, item.Category)
	}
	return nil
}
