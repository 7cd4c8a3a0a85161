package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Runner triggers sweeps on a fixed interval inside the API process.
type Runner struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewRunner builds an in-process sweep ticker.
func NewRunner(sweeper *Sweeper, interval time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{sweeper: sweeper, interval: interval, logger: logger}
}

// Run sweeps every interval until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.sweeper.TrySweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				r.logger.Error("scheduled sweep failed", zap.Error(err))
			}
		}
	}
}
