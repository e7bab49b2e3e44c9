package stats

import (
	"context"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// RolloverScheduler periodically sweeps all stats rows so daily
// counters reset even for credentials that serve no traffic around
// midnight.
type RolloverScheduler struct {
	statsService *Service
	interval     time.Duration
	stopChan     chan struct{}
}

func NewRolloverScheduler(statsService *Service, interval time.Duration) *RolloverScheduler {
	if interval == 0 {
		interval = 10 * time.Minute
	}
	return &RolloverScheduler{
		statsService: statsService,
		interval:     interval,
		stopChan:     make(chan struct{}),
	}
}

func (s *RolloverScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	fiberlog.Infof("Stats rollover scheduler started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			if err := s.statsService.RollupAll(ctx); err != nil {
				fiberlog.Errorf("Stats rollover sweep failed: %v", err)
			}
		case <-s.stopChan:
			fiberlog.Info("Stats rollover scheduler stopped")
			return
		case <-ctx.Done():
			fiberlog.Info("Stats rollover scheduler stopped due to context cancellation")
			return
		}
	}
}

func (s *RolloverScheduler) Stop() {
	close(s.stopChan)
}
