// Package storage implements the durable per-metering-point history cache:
// idempotent merge-insert, range queries, and coverage tracking so a
// backfill never refetches data it already holds.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/balticgrid/estfeed/internal/models"
)

// StorageError indicates a cache I/O failure. It is always surfaced: a
// silent write failure would make the backfill engine believe it cached
// data it didn't.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SeriesStats summarizes a cached series for diagnostics.
type SeriesStats struct {
	Points    int       `json:"points"`
	LastFetch time.Time `json:"lastFetch"`
}

// HistoryStore is the durable store of per-metering-point time series,
// keyed by (eic, resolution).
//
// Merge is an idempotent insert: re-inserting the same points is a no-op,
// and a duplicate (timestamp, field) key with a different value wins over
// the stored one. The fetched span is recorded as covered even when it
// contained no points, so empty days are not refetched.
type HistoryStore interface {
	// CoveredRanges returns the ordered, non-overlapping merged intervals
	// of already-cached coverage.
	CoveredRanges(ctx context.Context, eic string, res models.Resolution) ([]models.TimeRange, error)

	// Query returns cached points with Start <= Timestamp < End, sorted by
	// timestamp.
	Query(ctx context.Context, eic string, res models.Resolution, start, end time.Time) ([]models.DataPoint, error)

	// Merge inserts points fetched over span into the series.
	Merge(ctx context.Context, eic string, res models.Resolution, span models.TimeRange, points []models.DataPoint) error

	// Stats returns the diagnostic summary of a cached series.
	Stats(ctx context.Context, eic string, res models.Resolution) (SeriesStats, error)

	// Clear removes all cached data for the series.
	Clear(ctx context.Context, eic string, res models.Resolution) error

	// Close releases any resources held by the store.
	Close() error
}
