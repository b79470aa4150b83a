package port

import "context"

// Notifier delivers a text message to a destination address (phone number, chat id).
type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}
