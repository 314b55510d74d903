package notify

import (
	"context"
	"log/slog"
)

// Transport delivers a rendered notification over one outward channel.
// Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, channel, recipient, subject, body string) error
}

// LogTransport writes deliveries to the log instead of an external service.
// It is the default transport for local runs and tests.
type LogTransport struct {
	Logger *slog.Logger
}

func (t LogTransport) Send(ctx context.Context, channel, recipient, subject, body string) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification delivered",
		"channel", channel, "recipient", recipient, "subject", subject)
	return nil
}
