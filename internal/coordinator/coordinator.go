// Package coordinator is the host-facing entry point: periodic and
// on-demand refresh of current readings, backfill triggering, and the
// diagnostics snapshot.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balticgrid/estfeed/internal/api"
	"github.com/balticgrid/estfeed/internal/backfill"
	"github.com/balticgrid/estfeed/internal/models"
	"github.com/balticgrid/estfeed/internal/storage"
)

// Client is the slice of the API client the coordinator needs.
type Client interface {
	DiscoverMeteringPoints(ctx context.Context) ([]models.MeteringPoint, error)
	FetchCurrent(ctx context.Context, eic string, res models.Resolution) (map[string]float64, error)
	RateLimiter() *api.RateLimiter
}

// Options configure the coordinator from the host configuration surface.
type Options struct {
	Resolution        models.Resolution
	BackfillDays      int // 0 disables the initial backfill
	EnableElectricity bool
	EnableGas         bool
}

// Coordinator fans host calls out to the API client and the backfill
// engine. One instance owns the discovered metering points for a
// credential set; the shared RateLimiter below it keeps the request floor
// intact even when the periodic refresh and an on-demand backfill overlap.
type Coordinator struct {
	client Client
	engine *backfill.Engine
	store  storage.HistoryStore
	opts   Options
	logger *logrus.Logger

	mu       sync.RWMutex
	points   []models.MeteringPoint
	lastData map[string]map[string]float64
}

// New builds a Coordinator.
func New(client Client, engine *backfill.Engine, store storage.HistoryStore, opts Options, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		client:   client,
		engine:   engine,
		store:    store,
		opts:     opts,
		logger:   logger,
		lastData: make(map[string]map[string]float64),
	}
}

// Bootstrap discovers metering points, filters them by the commodity
// toggles, and runs the initial backfill for each when configured.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	discovered, err := c.client.DiscoverMeteringPoints(ctx)
	if err != nil {
		return fmt.Errorf("metering-point discovery failed: %w", err)
	}

	var points []models.MeteringPoint
	for _, p := range discovered {
		switch p.Commodity {
		case models.CommodityElectricity:
			if !c.opts.EnableElectricity {
				continue
			}
		case models.CommodityGas:
			if !c.opts.EnableGas {
				continue
			}
		}
		points = append(points, p)
	}

	c.mu.Lock()
	c.points = points
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"discovered": len(discovered),
		"enabled":    len(points),
	}).Info("Metering points discovered")

	if c.opts.BackfillDays <= 0 {
		return nil
	}
	for _, p := range points {
		if _, err := c.TriggerBackfill(ctx, p.EIC, c.opts.BackfillDays); err != nil {
			return err
		}
	}
	return nil
}

// MeteringPoints returns the discovered, enabled metering points.
func (c *Coordinator) MeteringPoints() []models.MeteringPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.MeteringPoint, len(c.points))
	copy(out, c.points)
	return out
}

// RefreshCurrent fetches the latest reading for one EIC and remembers it
// for the diagnostics snapshot. Auth and fatal API errors fail the refresh
// cycle outright.
func (c *Coordinator) RefreshCurrent(ctx context.Context, eic string) (map[string]float64, error) {
	fields, err := c.client.FetchCurrent(ctx, eic, c.opts.Resolution)
	if err != nil {
		return nil, fmt.Errorf("refresh failed for %s: %w", eic, err)
	}

	c.mu.Lock()
	c.lastData[eic] = fields
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"eic":    eic,
		"fields": len(fields),
	}).Debug("Refreshed current reading")
	return fields, nil
}

// RefreshAll refreshes every enabled metering point. Called by the
// scheduler; the first auth or fatal error stops the cycle.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	for _, p := range c.MeteringPoints() {
		if _, err := c.RefreshCurrent(ctx, p.EIC); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBackfill runs a backfill of the trailing days for one EIC. Days
// must be within 1..365. A run with some failed chunks still returns a
// result rather than an error.
func (c *Coordinator) TriggerBackfill(ctx context.Context, eic string, days int) (models.BackfillResult, error) {
	if days < 1 || days > models.MaxBackfillDays {
		return models.BackfillResult{Status: models.BackfillAborted},
			fmt.Errorf("backfill days must be within 1..%d, got %d", models.MaxBackfillDays, days)
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	req := models.BackfillRequest{
		EIC:        eic,
		StartDay:   end.AddDate(0, 0, -(days - 1)),
		EndDay:     end,
		Resolution: c.opts.Resolution,
	}
	return c.engine.Run(ctx, req)
}

// History reads cached points for one EIC over [start, end).
func (c *Coordinator) History(ctx context.Context, eic string, start, end time.Time) ([]models.DataPoint, error) {
	return c.store.Query(ctx, eic, c.opts.Resolution, start, end)
}

// Diagnostics is the redaction-free snapshot exposed to the host; it never
// contains credentials or tokens.
type Diagnostics struct {
	RateLimit api.RateLimitSnapshot          `json:"rateLimit"`
	Series    map[string]storage.SeriesStats `json:"series"`
	LastData  map[string]map[string]float64  `json:"lastData"`
}

// Diagnostics returns the current rate-limit and cache state.
func (c *Coordinator) Diagnostics(ctx context.Context) (Diagnostics, error) {
	diag := Diagnostics{
		RateLimit: c.client.RateLimiter().Snapshot(),
		Series:    make(map[string]storage.SeriesStats),
		LastData:  make(map[string]map[string]float64),
	}

	c.mu.RLock()
	points := make([]models.MeteringPoint, len(c.points))
	copy(points, c.points)
	for eic, fields := range c.lastData {
		diag.LastData[eic] = fields
	}
	c.mu.RUnlock()

	for _, p := range points {
		stats, err := c.store.Stats(ctx, p.EIC, c.opts.Resolution)
		if err != nil {
			return Diagnostics{}, err
		}
		diag.Series[p.EIC] = stats
	}
	return diag, nil
}
