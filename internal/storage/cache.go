package storage

// The LRU layer memoizes range queries so repeated host reads (sensor
// refreshes, history endpoints) do not hit the backing store every time.
// Entries for a series are dropped whenever it is merged or cleared.

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/balticgrid/estfeed/internal/models"
)

// CachingStore wraps a HistoryStore with an in-memory LRU over Query
// results. Writes pass through and invalidate the affected series.
type CachingStore struct {
	inner HistoryStore
	cache *lru.Cache
}

// NewCachingStore builds the wrapper with the given cache size.
func NewCachingStore(inner HistoryStore, size int) (*CachingStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachingStore{inner: inner, cache: cache}, nil
}

func queryCacheKey(eic string, res models.Resolution, start, end time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", eic, res, start.UnixNano(), end.UnixNano())
}

func (c *CachingStore) Query(ctx context.Context, eic string, res models.Resolution, start, end time.Time) ([]models.DataPoint, error) {
	key := queryCacheKey(eic, res, start, end)
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]models.DataPoint), nil
	}

	points, err := c.inner.Query(ctx, eic, res, start, end)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, points)
	return points, nil
}

// invalidateSeries drops every cached query touching the series.
func (c *CachingStore) invalidateSeries(eic string, res models.Resolution) {
	prefix := fmt.Sprintf("%s:%s:", eic, res)
	for _, key := range c.cache.Keys() {
		if s, ok := key.(string); ok && strings.HasPrefix(s, prefix) {
			c.cache.Remove(key)
		}
	}
}

func (c *CachingStore) Merge(ctx context.Context, eic string, res models.Resolution, span models.TimeRange, points []models.DataPoint) error {
	if err := c.inner.Merge(ctx, eic, res, span, points); err != nil {
		return err
	}
	c.invalidateSeries(eic, res)
	return nil
}

func (c *CachingStore) Clear(ctx context.Context, eic string, res models.Resolution) error {
	if err := c.inner.Clear(ctx, eic, res); err != nil {
		return err
	}
	c.invalidateSeries(eic, res)
	return nil
}

func (c *CachingStore) CoveredRanges(ctx context.Context, eic string, res models.Resolution) ([]models.TimeRange, error) {
	return c.inner.CoveredRanges(ctx, eic, res)
}

func (c *CachingStore) Stats(ctx context.Context, eic string, res models.Resolution) (SeriesStats, error) {
	return c.inner.Stats(ctx, eic, res)
}

func (c *CachingStore) Close() error { return c.inner.Close() }

var _ HistoryStore = (*CachingStore)(nil)
