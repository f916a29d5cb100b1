package staging

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryWorker periodically auto-applies staged transactions past the
// configured StagedAutoExpireDays.
type ExpiryWorker struct {
	controller *Controller
	interval   time.Duration
	logger     *slog.Logger
}

// NewExpiryWorker creates a worker that runs every interval.
func NewExpiryWorker(controller *Controller, interval time.Duration, logger *slog.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryWorker{controller: controller, interval: interval, logger: logger}
}

// Run expires once immediately and then on every tick until ctx is done.
func (w *ExpiryWorker) Run(ctx context.Context) {
	l := w.logger.With(slog.String("worker", "staged-expiry"))
	l.InfoContext(ctx, "expiry worker started", slog.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.controller.ExpireOldStagedTransactions(ctx, UseConfiguredMaxAge); err != nil && ctx.Err() == nil {
			l.ErrorContext(ctx, "expiry run failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			l.InfoContext(context.WithoutCancel(ctx), "expiry worker stopped")
			return
		case <-ticker.C:
		}
	}
}
