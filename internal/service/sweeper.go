package service

import (
	"context"
	"log/slog"
	"time"
)

// TempSweeper removes temporary objects older than a cutoff.
type TempSweeper interface {
	SweepTemp(ctx context.Context, maxAge time.Duration) (int, error)
}

// Sweeper periodically deletes expired temporary archives.
type Sweeper struct {
	store    TempSweeper
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(store TempSweeper, maxAge, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, maxAge: maxAge, interval: interval, logger: logger}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.store.SweepTemp(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("temp sweep failed", "error", err)
		return n, err
	}
	if n > 0 {
		s.logger.Info("temp sweep removed expired archives", "count", n)
	}
	return n, nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.RunOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
