// Package scheduler drives the periodic refresh of current metering data.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/balticgrid/estfeed/internal/coordinator"
)

// Scheduler refreshes all metering points on a fixed interval.
type Scheduler struct {
	ctx      context.Context
	coord    *coordinator.Coordinator
	interval time.Duration
	logger   *logrus.Logger
	cron     *cron.Cron
}

// NewScheduler builds a scheduler refreshing every interval.
func NewScheduler(ctx context.Context, coord *coordinator.Coordinator, interval time.Duration, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		ctx:      ctx,
		coord:    coord,
		interval: interval,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start begins the periodic refresh.
func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, s.refresh)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.WithField("interval", s.interval.String()).Info("Scheduler started")
	return nil
}

// refresh runs one refresh cycle with a bounded deadline. A single cycle
// may wait on the rate limiter for every metering point, so the timeout
// scales with the scan interval.
func (s *Scheduler) refresh() {
	ctx, cancel := context.WithTimeout(s.ctx, s.interval)
	defer cancel()

	if err := s.coord.RefreshAll(ctx); err != nil {
		s.logger.WithError(err).Error("Scheduled refresh failed")
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
