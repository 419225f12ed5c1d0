package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger is satisfied by *Engine.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper runs PurgeExpired on a fixed interval, independent of request
// traffic. Purge only removes records that are already useless, so a sweep may
// overlap with anything else.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(p Purger, interval time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{purger: p, interval: interval, log: log}
}

// Run sweeps once immediately and then every interval until ctx is done. A
// non-positive interval disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("purge sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	// failures are logged by the engine; the next tick retries
	_, _ = s.purger.PurgeExpired(ctx)
}
