package events

import (
	"context"
	"errors"

	"github.com/rl1809/canteen-ledger/internal/port"
)

// Fanout publishes every event to all sinks and reports the combined failures.
type Fanout []port.EventPublisher

func (f Fanout) Publish(ctx context.Context, event port.OrderEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
