package port

import (
	"context"
	"time"
)

const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventOrdersReset        = "orders.reset"
)

// OrderEvent is broadcast after a committed change so dashboards can refresh.
// It goes out on public streams, so it never carries the student's identity.
type OrderEvent struct {
	EventID      string    `json:"event_id"`
	Type         string    `json:"type"`
	OrderID      string    `json:"order_id,omitempty"`
	Category     string    `json:"category,omitempty"`
	DisplayToken string    `json:"display_token,omitempty"`
	Status       string    `json:"status,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

// EventSubscriber streams events for live refresh; the returned cancel func releases the subscription.
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan OrderEvent, func(), error)
}
