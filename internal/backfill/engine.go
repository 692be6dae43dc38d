// Package backfill orchestrates chunked historical fetches: it partitions a
// requested day range into one-day chunks, skips chunks the cache already
// covers, and persists each fetched chunk before moving to the next, so
// partial progress survives interruption.
package backfill

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/balticgrid/estfeed/internal/api"
	"github.com/balticgrid/estfeed/internal/models"
	"github.com/balticgrid/estfeed/internal/storage"
)

// chunkSize bounds a single request payload and sets the resume
// granularity: a crash mid-run loses at most the in-flight day.
const chunkSize = 24 * time.Hour

// maxChunkAttempts bounds retries of one chunk on retryable errors. The
// shared rate limiter's pacing acts as the backoff between attempts.
const maxChunkAttempts = 3

// Chunks counts backfill chunk outcomes.
var Chunks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "estfeed_backfill_chunks_total",
	Help: "Backfill chunks by outcome (fetched, skipped, failed).",
}, []string{"outcome"})

// Fetcher is the slice of the API client the engine needs.
type Fetcher interface {
	FetchRange(ctx context.Context, eic string, start, end time.Time, res models.Resolution) ([]models.DataPoint, error)
}

// Engine runs backfill requests against a Fetcher and a HistoryStore.
type Engine struct {
	fetcher Fetcher
	store   storage.HistoryStore
	logger  *logrus.Logger
}

// NewEngine builds a backfill engine.
func NewEngine(fetcher Fetcher, store storage.HistoryStore, logger *logrus.Logger) *Engine {
	return &Engine{fetcher: fetcher, store: store, logger: logger}
}

// Run executes one backfill request.
//
// Chunks proceed in ascending date order. Each already-covered chunk is
// skipped without an API call; each fetched chunk is merged into the cache
// immediately. A chunk that keeps failing with a retryable error is
// recorded and the run continues; auth, fatal API, and storage errors
// abort the run. Cancellation is honored between chunks, never mid-chunk.
func (e *Engine) Run(ctx context.Context, req models.BackfillRequest) (models.BackfillResult, error) {
	result := models.BackfillResult{
		RunID:  uuid.NewString(),
		Status: models.BackfillPending,
	}
	if err := req.Validate(); err != nil {
		result.Status = models.BackfillAborted
		return result, err
	}

	start := req.StartDay.UTC().Truncate(chunkSize)
	end := req.EndDay.UTC().Truncate(chunkSize).Add(chunkSize) // inclusive end day

	log := e.logger.WithFields(logrus.Fields{
		"run_id":     result.RunID,
		"eic":        req.EIC,
		"resolution": req.Resolution,
		"start":      start.Format("2006-01-02"),
		"end":        end.Format("2006-01-02"),
	})
	log.Info("Starting history backfill")

	covered, err := e.store.CoveredRanges(ctx, req.EIC, req.Resolution)
	if err != nil {
		result.Status = models.BackfillAborted
		return result, err
	}

	result.Status = models.BackfillRunning

	for chunkStart := start; chunkStart.Before(end); chunkStart = chunkStart.Add(chunkSize) {
		if err := ctx.Err(); err != nil {
			log.WithField("chunk", chunkStart.Format("2006-01-02")).
				Warn("Backfill canceled, already-merged chunks are kept")
			result.Status = models.BackfillAborted
			return result, err
		}

		chunk := models.TimeRange{Start: chunkStart, End: chunkStart.Add(chunkSize)}
		if storage.Covered(storage.MergeRanges(covered), chunk) {
			result.ChunksSkipped++
			Chunks.WithLabelValues("skipped").Inc()
			continue
		}

		points, err := e.fetchChunk(ctx, req, chunk, log)
		switch {
		case err == nil:
			// merged below
		case api.IsRetryable(err):
			log.WithFields(logrus.Fields{
				"chunk": chunkStart.Format("2006-01-02"),
				"error": err,
			}).Warn("Chunk failed after retries, continuing with remaining chunks")
			result.ChunksFailed++
			Chunks.WithLabelValues("failed").Inc()
			continue
		default:
			// AuthError, FatalAPIError, or context cancellation: not
			// recoverable per chunk.
			result.Status = models.BackfillAborted
			return result, err
		}

		if err := e.store.Merge(ctx, req.EIC, req.Resolution, chunk, points); err != nil {
			// A failed cache write must not be mistaken for progress.
			result.Status = models.BackfillAborted
			return result, err
		}
		result.PointsFetched += len(points)
		Chunks.WithLabelValues("fetched").Inc()

		// Freshly merged coverage lets later overlapping chunks skip.
		covered = append(covered, chunk)
	}

	if result.ChunksFailed > 0 {
		result.Status = models.BackfillCompletedWithFailures
	} else {
		result.Status = models.BackfillCompleted
	}

	log.WithFields(logrus.Fields{
		"points_fetched": result.PointsFetched,
		"chunks_skipped": result.ChunksSkipped,
		"chunks_failed":  result.ChunksFailed,
		"status":         result.Status,
	}).Info("History backfill finished")
	return result, nil
}

// fetchChunk fetches one chunk with bounded retries on retryable errors.
func (e *Engine) fetchChunk(ctx context.Context, req models.BackfillRequest, chunk models.TimeRange, log *logrus.Entry) ([]models.DataPoint, error) {
	var lastErr error
	for attempt := 1; attempt <= maxChunkAttempts; attempt++ {
		points, err := e.fetcher.FetchRange(ctx, req.EIC, chunk.Start, chunk.End, req.Resolution)
		if err == nil {
			return points, nil
		}
		if errors.Is(err, context.Canceled) || !api.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		log.WithFields(logrus.Fields{
			"chunk":   chunk.Start.Format("2006-01-02"),
			"attempt": attempt,
			"error":   err,
		}).Debug("Retryable chunk failure")
	}
	return nil, lastErr
}
