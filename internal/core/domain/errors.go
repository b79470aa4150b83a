package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCategory              = errors.New("invalid category")
	ErrInvalidTransition            = errors.New("invalid status transition")
	ErrAlreadyCompleted             = errors.New("order already completed")
	ErrConcurrentAllocationConflict = errors.New("concurrent allocation conflict")
	ErrPersistenceUnavailable       = errors.New("persistence unavailable")
	ErrNotificationFailed           = errors.New("notification failed")

	ErrOrderNotFound       = errors.New("order not found")
	ErrEmptyOrder          = errors.New("order has no items")
	ErrInvalidItem         = errors.New("invalid order item")
	ErrNotOwner            = errors.New("order belongs to another user")
	ErrMenuItemNotFound    = errors.New("menu item not found")
	ErrMenuItemUnavailable = errors.New("menu item unavailable")
	ErrOptimisticLock      = errors.New("optimistic lock conflict")

	// ErrCounterStale is returned by stores when a counter row has not been rolled over to the requested day.
	ErrCounterStale = errors.New("category counter not reset for day")
	// ErrStatusConflict is returned by stores when a compare-and-set on order status matched no row.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// TransitionError records the rejected edge alongside the failure kind.
type TransitionError struct {
	From OrderStatus
	To   OrderStatus
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
