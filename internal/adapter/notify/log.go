package notify

import (
	"context"
	"log/slog"
)

// LogNotifier only records messages; used when no SMS or chat provider is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, destination, message string) error {
	n.logger.InfoContext(ctx, "notification", "destination", destination, "message", message)
	return nil
}
