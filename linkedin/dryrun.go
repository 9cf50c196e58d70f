package linkedin

import (
	"context"
	"log/slog"

	"linkedin-autoposter/pkg/autopost"
)

// DryRunPublisher logs posts instead of publishing them.
type DryRunPublisher struct {
	logger *slog.Logger
}

// NewDryRunPublisher creates a new dry-run publisher.
func NewDryRunPublisher(logger *slog.Logger) *DryRunPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunPublisher{
		logger: logger,
	}
}

// Publish logs the post instead of sending it.
func (d *DryRunPublisher) Publish(ctx context.Context, item *autopost.PostItem) (*autopost.Receipt, error) {
	d.logger.Info("DRY RUN POST",
		"caption", item.Caption,
		"source_url", item.SourceURL,
		"bytes", len(item.Payload))
	return &autopost.Receipt{}, nil
}
