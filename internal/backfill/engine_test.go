package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balticgrid/estfeed/internal/api"
	"github.com/balticgrid/estfeed/internal/models"
	"github.com/balticgrid/estfeed/internal/storage"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

// fakeFetcher scripts per-chunk responses keyed by the chunk start day.
type fakeFetcher struct {
	calls    []time.Time
	failWith map[string]error // keyed by start date, applied on every attempt
	perPoint int              // points returned per successful chunk
	cancel   context.CancelFunc
	cancelAt string // cancel the run when this chunk is fetched
}

func (f *fakeFetcher) FetchRange(ctx context.Context, eic string, start, end time.Time, res models.Resolution) ([]models.DataPoint, error) {
	f.calls = append(f.calls, start)
	key := start.Format("2006-01-02")
	if f.cancel != nil && key == f.cancelAt {
		f.cancel()
	}
	if err, ok := f.failWith[key]; ok {
		return nil, err
	}
	points := make([]models.DataPoint, f.perPoint)
	for i := range points {
		points[i] = models.DataPoint{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Field:     "consumption",
			Value:     float64(i),
		}
	}
	return points, nil
}

func newEngine(t *testing.T, fetcher *fakeFetcher) (*Engine, storage.HistoryStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	return NewEngine(fetcher, store, quietLogger()), store
}

func request(startDay, endDay int) models.BackfillRequest {
	return models.BackfillRequest{
		EIC:        "EE001",
		StartDay:   day(startDay),
		EndDay:     day(endDay),
		Resolution: models.ResolutionHour,
	}
}

func TestBackfillFetchesAllChunks(t *testing.T) {
	fetcher := &fakeFetcher{perPoint: 24}
	engine, store := newEngine(t, fetcher)

	result, err := engine.Run(context.Background(), request(1, 5))
	require.NoError(t, err)

	assert.Equal(t, models.BackfillCompleted, result.Status)
	assert.Equal(t, 5*24, result.PointsFetched)
	assert.Zero(t, result.ChunksSkipped)
	assert.Zero(t, result.ChunksFailed)
	assert.Len(t, fetcher.calls, 5, "one call per day chunk")
	assert.NotEmpty(t, result.RunID)

	ranges, err := store.CoveredRanges(context.Background(), "EE001", models.ResolutionHour)
	require.NoError(t, err)
	assert.Equal(t, []models.TimeRange{{Start: day(1), End: day(6)}}, ranges)
}

func TestBackfillFullyCoveredMakesNoCalls(t *testing.T) {
	fetcher := &fakeFetcher{perPoint: 24}
	engine, store := newEngine(t, fetcher)

	require.NoError(t, store.Merge(context.Background(), "EE001", models.ResolutionHour,
		models.TimeRange{Start: day(1), End: day(6)}, nil))

	result, err := engine.Run(context.Background(), request(1, 5))
	require.NoError(t, err)

	assert.Equal(t, models.BackfillCompleted, result.Status)
	assert.Zero(t, result.PointsFetched)
	assert.Equal(t, 5, result.ChunksSkipped)
	assert.Empty(t, fetcher.calls, "covered request must not touch the API")
}

func TestBackfillPartiallyCoveredSkipsOnlyCoveredChunks(t *testing.T) {
	fetcher := &fakeFetcher{perPoint: 1}
	engine, store := newEngine(t, fetcher)

	// Days 1 and 2 already cached.
	require.NoError(t, store.Merge(context.Background(), "EE001", models.ResolutionHour,
		models.TimeRange{Start: day(1), End: day(3)}, nil))

	result, err := engine.Run(context.Background(), request(1, 5))
	require.NoError(t, err)

	assert.Equal(t, 2, result.ChunksSkipped)
	assert.Equal(t, 3, result.PointsFetched)
	assert.Len(t, fetcher.calls, 3)
	assert.Equal(t, day(3), fetcher.calls[0], "chunks proceed in ascending order")
}

func TestBackfillRetryableChunkFailureContinues(t *testing.T) {
	fetcher := &fakeFetcher{
		perPoint: 1,
		failWith: map[string]error{
			"2024-03-03": &api.RetryableAPIError{Status: 503, Msg: "unavailable"},
		},
	}
	engine, store := newEngine(t, fetcher)

	result, err := engine.Run(context.Background(), request(1, 10))
	require.NoError(t, err, "per-chunk retryable failures do not fail the run")

	assert.Equal(t, models.BackfillCompletedWithFailures, result.Status)
	assert.Equal(t, 1, result.ChunksFailed)
	assert.Equal(t, 9, result.PointsFetched, "the other nine chunks are merged")

	// 9 successful chunks + 3 attempts for the failing one.
	assert.Len(t, fetcher.calls, 12)

	points, err := store.Query(context.Background(), "EE001", models.ResolutionHour, day(1), day(11))
	require.NoError(t, err)
	assert.Len(t, points, 9)
}

func TestBackfillRetrySucceedsWithinBound(t *testing.T) {
	// Fail the first attempt of day 2 only.
	failures := 0
	fetcher := &flakyFetcher{
		inner:     &fakeFetcher{perPoint: 1},
		failKey:   "2024-03-02",
		failTimes: 1,
		failures:  &failures,
	}
	engine := NewEngine(fetcher, mustFileStore(t), quietLogger())

	result, err := engine.Run(context.Background(), request(1, 3))
	require.NoError(t, err)

	assert.Equal(t, models.BackfillCompleted, result.Status)
	assert.Zero(t, result.ChunksFailed)
	assert.Equal(t, 1, failures, "first attempt failed, second succeeded")
}

// flakyFetcher fails the first failTimes attempts for one chunk.
type flakyFetcher struct {
	inner     *fakeFetcher
	failKey   string
	failTimes int
	failures  *int
}

func (f *flakyFetcher) FetchRange(ctx context.Context, eic string, start, end time.Time, res models.Resolution) ([]models.DataPoint, error) {
	if start.Format("2006-01-02") == f.failKey && *f.failures < f.failTimes {
		*f.failures++
		return nil, &api.RetryableAPIError{Status: 500, Msg: "flaky"}
	}
	return f.inner.FetchRange(ctx, eic, start, end, res)
}

func mustFileStore(t *testing.T) storage.HistoryStore {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	return store
}

func TestBackfillAuthErrorAborts(t *testing.T) {
	fetcher := &fakeFetcher{
		perPoint: 1,
		failWith: map[string]error{
			"2024-03-02": &api.AuthError{Status: 401, Msg: "expired credentials"},
		},
	}
	engine, store := newEngine(t, fetcher)

	result, err := engine.Run(context.Background(), request(1, 5))
	require.Error(t, err)

	var authErr *api.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, models.BackfillAborted, result.Status)

	// Day 1 merged before the abort is kept.
	points, qerr := store.Query(context.Background(), "EE001", models.ResolutionHour, day(1), day(6))
	require.NoError(t, qerr)
	assert.Len(t, points, 1)
}

func TestBackfillFatalErrorAborts(t *testing.T) {
	fetcher := &fakeFetcher{
		perPoint: 1,
		failWith: map[string]error{
			"2024-03-01": &api.FatalAPIError{Status: 400, Msg: "bad request"},
		},
	}
	engine, _ := newEngine(t, fetcher)

	result, err := engine.Run(context.Background(), request(1, 5))
	require.Error(t, err)
	assert.Equal(t, models.BackfillAborted, result.Status)
	assert.Len(t, fetcher.calls, 1, "fatal errors are not retried")
}

func TestBackfillCancellationBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{perPoint: 1, cancel: cancel, cancelAt: "2024-03-02"}
	engine, store := newEngine(t, fetcher)

	result, err := engine.Run(ctx, request(1, 5))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.BackfillAborted, result.Status)

	// Chunks merged before cancellation stay intact.
	points, qerr := store.Query(context.Background(), "EE001", models.ResolutionHour, day(1), day(6))
	require.NoError(t, qerr)
	assert.Len(t, points, 2, "days 1 and 2 were merged before the cancel took effect")
}

func TestBackfillRequestValidation(t *testing.T) {
	engine, _ := newEngine(t, &fakeFetcher{})

	tests := []struct {
		name string
		req  models.BackfillRequest
	}{
		{"end before start", request(5, 1)},
		{"missing eic", models.BackfillRequest{StartDay: day(1), EndDay: day(2), Resolution: models.ResolutionHour}},
		{
			"span over a year",
			models.BackfillRequest{
				EIC:        "EE001",
				StartDay:   day(1),
				EndDay:     day(1).AddDate(1, 0, 5),
				Resolution: models.ResolutionHour,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, models.BackfillAborted, result.Status)
		})
	}
}

func TestBackfillEmptyChunkStillExtendsCoverage(t *testing.T) {
	fetcher := &fakeFetcher{perPoint: 0}
	engine, store := newEngine(t, fetcher)

	result, err := engine.Run(context.Background(), request(1, 2))
	require.NoError(t, err)
	assert.Zero(t, result.PointsFetched)

	// Re-running must skip both days even though they had no data.
	result, err = engine.Run(context.Background(), request(1, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, result.ChunksSkipped)
	assert.Len(t, fetcher.calls, 2, "empty days are not refetched")

	ranges, err := store.CoveredRanges(context.Background(), "EE001", models.ResolutionHour)
	require.NoError(t, err)
	assert.Equal(t, []models.TimeRange{{Start: day(1), End: day(3)}}, ranges)
}
